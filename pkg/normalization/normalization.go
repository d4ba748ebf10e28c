// Package normalization makes intensity-derived measurements comparable
// across radiographs taken with different exposure and contrast settings.
// It derives an affine rescale from a reference population of pixels and
// applies it to the pixels under a mask.
package normalization

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"gonum.org/v1/gonum/stat"

	"periometry/internal/models"
	"periometry/pkg/config"
)

// ErrNoReference is returned when no usable reference population exists
var ErrNoReference = errors.New("no usable normalization reference")

// Options selects the reference strategy and its acceptance limits
type Options struct {
	Strategy           string
	LowPercentile      float64
	HighPercentile     float64
	MinReferencePixels int
	MaxSaturation      float64
	MinContrast        float64
	SampleStride       int
}

// OptionsFromConfig extracts normalization options from the run configuration
func OptionsFromConfig(cfg *config.Config) Options {
	n := cfg.Normalization
	return Options{
		Strategy:           n.Strategy,
		LowPercentile:      n.LowPercentile,
		HighPercentile:     n.HighPercentile,
		MinReferencePixels: n.MinReferencePixels,
		MaxSaturation:      n.MaxSaturation,
		MinContrast:        n.MinContrast,
		SampleStride:       n.SampleStride,
	}
}

// Transform is the affine rescale v' = (v - Low) / (High - Low)
type Transform struct {
	// Strategy is the reference strategy the transform was derived with
	Strategy string `json:"strategy" yaml:"strategy"`

	// Low and High are the raw intensities mapped to 0 and 1
	Low  float64 `json:"low" yaml:"low"`
	High float64 `json:"high" yaml:"high"`

	// ReferencePixels is the size of the reference population
	ReferencePixels int `json:"referencePixels" yaml:"referencePixels"`

	// Saturation is the fraction of reference pixels clipped at 0 or full scale
	Saturation float64 `json:"saturation" yaml:"saturation"`
}

// Apply rescales one raw intensity
func (t Transform) Apply(v float64) float64 {
	return (v - t.Low) / (t.High - t.Low)
}

// MeanOver returns the normalized mean intensity of the image pixels where
// the mask reaches threshold, and the number of pixels averaged. The mean
// is 0 when no pixel qualifies.
func (t Transform) MeanOver(img *models.ImageRecord, mask *models.Mask, threshold float64) (float64, int) {
	var values []float64
	for y := mask.Bounds.Min.Y; y < mask.Bounds.Max.Y; y++ {
		if y < 0 || y >= img.Height {
			continue
		}
		for x := mask.Bounds.Min.X; x < mask.Bounds.Max.X; x++ {
			if x < 0 || x >= img.Width || !mask.Inside(x, y, threshold) {
				continue
			}
			values = append(values, t.Apply(img.At(x, y)))
		}
	}
	if len(values) == 0 {
		return 0, 0
	}
	return stat.Mean(values, nil), len(values)
}

// Compute derives the transform for one image. Regions are used to split
// pixels into background (outside every region) and tooth (inside a tooth
// region) populations. It fails with ErrNoReference when the reference is
// too small, too saturated or has too little contrast.
func Compute(img *models.ImageRecord, regions []models.Region, opts Options) (Transform, error) {
	if img == nil || img.Width <= 0 || img.Height <= 0 || len(img.Pixels) != img.Width*img.Height {
		return Transform{}, fmt.Errorf("%w: image has no pixel data", ErrNoReference)
	}
	stride := opts.SampleStride
	if stride < 1 {
		stride = 1
	}
	fullScale := img.MaxValue
	if fullScale <= 0 {
		for _, v := range img.Pixels {
			fullScale = math.Max(fullScale, v)
		}
	}
	if fullScale <= 0 {
		return Transform{}, fmt.Errorf("%w: image is black", ErrNoReference)
	}

	background, teeth, all := partition(img, regions, stride)

	t := Transform{Strategy: opts.Strategy}
	var reference []float64

	switch opts.Strategy {
	case config.StrategyBackgroundTooth, "":
		t.Strategy = config.StrategyBackgroundTooth
		if err := enough("background", background, opts.MinReferencePixels); err != nil {
			return Transform{}, err
		}
		if err := enough("tooth", teeth, opts.MinReferencePixels); err != nil {
			return Transform{}, err
		}
		t.Low = quantile(0.5, background)
		t.High = quantile(0.5, teeth)
		reference = append(append(reference, background...), teeth...)
	case config.StrategyBackground:
		if err := enough("background", background, opts.MinReferencePixels); err != nil {
			return Transform{}, err
		}
		t.Low = quantile(0.5, background)
		t.High = quantile(opts.HighPercentile, all)
		reference = background
	case config.StrategyPercentile:
		if err := enough("image", all, opts.MinReferencePixels); err != nil {
			return Transform{}, err
		}
		t.Low = quantile(opts.LowPercentile, all)
		t.High = quantile(opts.HighPercentile, all)
		reference = all
	default:
		return Transform{}, fmt.Errorf("%w: unknown strategy %q", ErrNoReference, opts.Strategy)
	}

	t.ReferencePixels = len(reference)
	t.Saturation = saturation(reference, fullScale)
	if t.Saturation > opts.MaxSaturation {
		return Transform{}, fmt.Errorf("%w: %.0f%% of reference pixels saturated", ErrNoReference, 100*t.Saturation)
	}
	if (t.High-t.Low)/fullScale < opts.MinContrast {
		return Transform{}, fmt.Errorf("%w: reference contrast %.4g below %.4g", ErrNoReference,
			(t.High-t.Low)/fullScale, opts.MinContrast)
	}
	return t, nil
}

// partition samples the image on a stride grid and splits pixel values
// by region membership. Pixel (x, y) is tested at its center.
func partition(img *models.ImageRecord, regions []models.Region, stride int) (background, teeth, all []float64) {
	type outline struct {
		ring  orb.Ring
		bound orb.Bound
		tooth bool
	}
	var outlines []outline
	for _, r := range regions {
		ring := r.Outline()
		if len(ring) < 4 {
			continue
		}
		outlines = append(outlines, outline{ring: ring, bound: ring.Bound(), tooth: r.Class == models.Tooth})
	}

	for y := 0; y < img.Height; y += stride {
		for x := 0; x < img.Width; x += stride {
			v := img.At(x, y)
			all = append(all, v)

			p := orb.Point{float64(x) + 0.5, float64(y) + 0.5}
			inside, inTooth := false, false
			for _, o := range outlines {
				if !o.bound.Contains(p) || !planar.RingContains(o.ring, p) {
					continue
				}
				inside = true
				if o.tooth {
					inTooth = true
					break
				}
			}
			if !inside {
				background = append(background, v)
			}
			if inTooth {
				teeth = append(teeth, v)
			}
		}
	}
	return background, teeth, all
}

func enough(name string, values []float64, min int) error {
	if len(values) < min {
		return fmt.Errorf("%w: %d %s pixels, need %d", ErrNoReference, len(values), name, min)
	}
	return nil
}

// quantile sorts a copy of values and returns the empirical p-quantile
func quantile(p float64, values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

func saturation(values []float64, fullScale float64) float64 {
	if len(values) == 0 {
		return 0
	}
	clipped := 0
	for _, v := range values {
		if v <= 0 || v >= fullScale {
			clipped++
		}
	}
	return float64(clipped) / float64(len(values))
}
