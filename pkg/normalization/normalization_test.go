package normalization

import (
	"errors"
	"image"
	"math"
	"testing"

	"github.com/paulmach/orb"

	"periometry/internal/models"
	"periometry/pkg/config"
)

// radiograph returns a 100x100 image with a dark background, a bright tooth
// at x in [35,65), y in [20,80) and a mid-grey bone patch at [5,15)x[5,15).
// Every intensity goes through expose, which simulates acquisition settings.
func radiograph(expose func(float64) float64) (*models.ImageRecord, []models.Region) {
	img := &models.ImageRecord{ID: "synthetic", Width: 100, Height: 100, MaxValue: 255}
	img.Pixels = make([]float64, img.Width*img.Height)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			v := 40.0
			switch {
			case x >= 35 && x < 65 && y >= 20 && y < 80:
				v = 200
			case x >= 5 && x < 15 && y >= 5 && y < 15:
				v = 120
			}
			img.Pixels[y*img.Width+x] = expose(v)
		}
	}
	regions := []models.Region{{
		Class:      models.Tooth,
		Box:        &models.OrientedBox{Center: orb.Point{50, 50}, Width: 30, Height: 60},
		Confidence: 0.9,
	}}
	return img, regions
}

func boneMask() *models.Mask {
	m := &models.Mask{Class: models.AlveolarBone, Bounds: image.Rect(5, 5, 15, 15), Confidence: 1}
	m.Data = make([]float64, 100)
	for i := range m.Data {
		m.Data[i] = 1
	}
	return m
}

func defaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig())
}

func identity(v float64) float64 { return v }

func TestComputeBackgroundTooth(t *testing.T) {
	img, regions := radiograph(identity)

	tr, err := Compute(img, regions, defaultOptions())
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if tr.Low != 40 || tr.High != 200 {
		t.Errorf("Expected reference 40..200, got %g..%g", tr.Low, tr.High)
	}
	if tr.Strategy != config.StrategyBackgroundTooth {
		t.Errorf("Expected strategy %s, got %s", config.StrategyBackgroundTooth, tr.Strategy)
	}
	if got := tr.Apply(120); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("Expected Apply(120) = 0.5, got %g", got)
	}
	if tr.ReferencePixels != 100*100 {
		t.Errorf("Expected every pixel in the reference, got %d", tr.ReferencePixels)
	}
}

func TestMeanOverIsExposureInvariant(t *testing.T) {
	exposures := map[string]func(float64) float64{
		"identity": identity,
		"darker":   func(v float64) float64 { return 0.5*v + 10 },
		"brighter": func(v float64) float64 { return 1.2*v + 5 },
	}

	for name, expose := range exposures {
		t.Run(name, func(t *testing.T) {
			img, regions := radiograph(expose)
			tr, err := Compute(img, regions, defaultOptions())
			if err != nil {
				t.Fatalf("Compute failed: %v", err)
			}
			mean, n := tr.MeanOver(img, boneMask(), 0.5)
			if n != 100 {
				t.Errorf("Expected 100 pixels, got %d", n)
			}
			if math.Abs(mean-0.5) > 1e-9 {
				t.Errorf("Expected normalized density 0.5, got %g", mean)
			}
		})
	}
}

func TestComputeStrategies(t *testing.T) {
	img, regions := radiograph(identity)

	opts := defaultOptions()
	opts.Strategy = config.StrategyBackground
	tr, err := Compute(img, regions, opts)
	if err != nil {
		t.Fatalf("background strategy failed: %v", err)
	}
	if tr.Low != 40 || tr.High != 200 {
		t.Errorf("background strategy: expected 40..200, got %g..%g", tr.Low, tr.High)
	}
	if tr.ReferencePixels != 100*100-30*60 {
		t.Errorf("background strategy: expected %d reference pixels, got %d", 100*100-30*60, tr.ReferencePixels)
	}

	opts.Strategy = config.StrategyPercentile
	tr, err = Compute(img, regions, opts)
	if err != nil {
		t.Fatalf("percentile strategy failed: %v", err)
	}
	if tr.Low != 40 || tr.High != 200 {
		t.Errorf("percentile strategy: expected 40..200, got %g..%g", tr.Low, tr.High)
	}
}

func TestComputeNoReference(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(img *models.ImageRecord, regions []models.Region) []models.Region
		modify func(o *Options)
	}{
		{
			name: "no tooth regions",
			setup: func(img *models.ImageRecord, regions []models.Region) []models.Region {
				return nil
			},
		},
		{
			name: "tooth covers the whole image",
			setup: func(img *models.ImageRecord, regions []models.Region) []models.Region {
				return []models.Region{{
					Class: models.Tooth,
					Box:   &models.OrientedBox{Center: orb.Point{50, 50}, Width: 120, Height: 120},
				}}
			},
		},
		{
			name: "overexposed",
			setup: func(img *models.ImageRecord, regions []models.Region) []models.Region {
				for i := range img.Pixels {
					img.Pixels[i] = 255
				}
				return regions
			},
		},
		{
			name: "no contrast",
			setup: func(img *models.ImageRecord, regions []models.Region) []models.Region {
				for i := range img.Pixels {
					img.Pixels[i] = 90
				}
				return regions
			},
		},
		{
			name: "unknown strategy",
			setup: func(img *models.ImageRecord, regions []models.Region) []models.Region {
				return regions
			},
			modify: func(o *Options) { o.Strategy = "histogram" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, regions := radiograph(identity)
			regions = tt.setup(img, regions)
			opts := defaultOptions()
			if tt.modify != nil {
				tt.modify(&opts)
			}
			if _, err := Compute(img, regions, opts); !errors.Is(err, ErrNoReference) {
				t.Errorf("Expected ErrNoReference, got %v", err)
			}
		})
	}
}

func TestComputeWithStride(t *testing.T) {
	img, regions := radiograph(identity)
	opts := defaultOptions()
	opts.SampleStride = 2

	tr, err := Compute(img, regions, opts)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if tr.ReferencePixels != 50*50 {
		t.Errorf("Expected %d sampled pixels, got %d", 50*50, tr.ReferencePixels)
	}
	if tr.Low != 40 || tr.High != 200 {
		t.Errorf("Expected reference 40..200, got %g..%g", tr.Low, tr.High)
	}
}

func TestComputeNilImage(t *testing.T) {
	if _, err := Compute(nil, nil, defaultOptions()); !errors.Is(err, ErrNoReference) {
		t.Errorf("Expected ErrNoReference for nil image, got %v", err)
	}
}
