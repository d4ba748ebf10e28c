package metrics

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"periometry/internal/models"
	"periometry/pkg/config"
	"periometry/pkg/correspondence"
	"periometry/pkg/normalization"
)

const toothCX, toothCY = 50.0, 100.0

// rotate turns p around the tooth center by deg degrees, with the same
// convention as oriented boxes
func rotate(p orb.Point, deg float64) orb.Point {
	rad := deg * math.Pi / 180
	dx, dy := p[0]-toothCX, p[1]-toothCY
	return orb.Point{
		toothCX + dx*math.Cos(rad) - dy*math.Sin(rad),
		toothCY + dx*math.Sin(rad) + dy*math.Cos(rad),
	}
}

// scenario is one upright tooth spanning x in [35,65], y in [40,160], an
// alveolar-bone region overlapping it at 0.5, and CEJ, crest and apex
// landmarks at axis positions 0, 20 and 100 measured from the CEJ.
func scenario(deg float64) *models.Input {
	return &models.Input{
		Image: &models.ImageRecord{ID: "scenario", Width: 120, Height: 200, MaxValue: 255},
		Regions: []models.Region{
			{
				Class:      models.Tooth,
				Box:        &models.OrientedBox{Center: orb.Point{toothCX, toothCY}, Width: 30, Height: 120, Rotation: deg},
				Confidence: 0.9,
				Label:      "36",
			},
			{
				Class:      models.AlveolarBone,
				Box:        &models.OrientedBox{Center: rotate(orb.Point{65, 130}, deg), Width: 30, Height: 60, Rotation: deg},
				Confidence: 0.8,
			},
		},
		Landmarks: []models.Landmark{
			{Role: models.CEJ, Point: rotate(orb.Point{50, 60}, deg)},
			{Role: models.Crest, Point: rotate(orb.Point{50, 80}, deg)},
			{Role: models.Apex, Point: rotate(orb.Point{50, 160}, deg)},
		},
	}
}

// fill returns a mask over bounds whose pixels inside any of the given
// rectangles are set to 1
func fill(class models.Class, bounds image.Rectangle, conf float64, rects ...image.Rectangle) models.Mask {
	m := models.Mask{Class: class, Bounds: bounds, Confidence: conf, Data: make([]float64, bounds.Dx()*bounds.Dy())}
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			for _, r := range rects {
				if image.Pt(x, y).In(r) {
					m.Data[(y-bounds.Min.Y)*bounds.Dx()+(x-bounds.Min.X)] = 1
				}
			}
		}
	}
	return m
}

// pdlMask covers both sides of the root with bands of the given width
func pdlMask(width int) models.Mask {
	return fill(models.PDLSpace, image.Rect(20, 60, 80, 165), 0.9,
		image.Rect(35-width, 70, 35, 160),
		image.Rect(65, 70, 65+width, 160),
	)
}

func defaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig())
}

func measure(t *testing.T, in *models.Input, table *DensityTable, tooth int) Report {
	t.Helper()
	res := correspondence.Resolve(in, correspondence.OptionsFromConfig(config.DefaultConfig()))
	b, ok := res.Bundle(tooth)
	if !ok {
		t.Fatalf("No bundle for tooth %d", tooth)
	}
	return Measure(in, b, table, defaultOptions())
}

func TestPBLScenario(t *testing.T) {
	for _, deg := range []float64{0, 30, -75, 180} {
		t.Run(fmt.Sprintf("rotation %g", deg), func(t *testing.T) {
			r := measure(t, scenario(deg), nil, 0)
			if !r.PBL.Determined() {
				t.Fatalf("Expected PBL determined, got %s: %s", r.PBL.Reason, r.PBL.Detail)
			}
			if math.Abs(*r.PBL.Value-20) > 1e-6 {
				t.Errorf("Expected PBL 20, got %g", *r.PBL.Value)
			}
			if r.PBL.Flag != "" {
				t.Errorf("Expected no flag, got %s", r.PBL.Flag)
			}
			if len(r.PBL.Sites) != 1 || math.Abs(r.PBL.Sites[0].Span-100) > 1e-6 {
				t.Errorf("Expected one site spanning 100 px, got %+v", r.PBL.Sites)
			}
		})
	}
}

func TestPBLWorstSite(t *testing.T) {
	in := scenario(0)
	in.Landmarks = []models.Landmark{
		{Role: models.CEJ, Point: orb.Point{36, 60}},
		{Role: models.Crest, Point: orb.Point{36, 75}},
		{Role: models.CEJ, Point: orb.Point{64, 60}},
		{Role: models.Crest, Point: orb.Point{64, 90}},
		{Role: models.Apex, Point: orb.Point{50, 160}},
	}

	r := measure(t, in, nil, 0)
	if len(r.PBL.Sites) != 2 {
		t.Fatalf("Expected 2 sites, got %d", len(r.PBL.Sites))
	}
	if s := r.PBL.Sites[0]; s.Crest != 1 || math.Abs(*s.Value-15) > 1e-9 {
		t.Errorf("Expected first site paired with crest 1 at 15%%, got crest %d at %g", s.Crest, *s.Value)
	}
	if s := r.PBL.Sites[1]; s.Crest != 3 || math.Abs(*s.Value-30) > 1e-9 {
		t.Errorf("Expected second site paired with crest 3 at 30%%, got crest %d at %g", s.Crest, *s.Value)
	}
	if math.Abs(*r.PBL.Value-30) > 1e-9 {
		t.Errorf("Expected bundle PBL 30, got %g", *r.PBL.Value)
	}
}

func TestPBLFlaggedNotClamped(t *testing.T) {
	tests := []struct {
		name  string
		crest orb.Point
		want  float64
	}{
		{"crest above CEJ", orb.Point{50, 50}, -10},
		{"crest below apex", orb.Point{50, 170}, 110},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := scenario(0)
			in.Landmarks[1] = models.Landmark{Role: models.Crest, Point: tt.crest, Tooth: models.Index(0)}

			r := measure(t, in, nil, 0)
			if !r.PBL.Determined() {
				t.Fatalf("Expected PBL determined, got %s", r.PBL.Reason)
			}
			if math.Abs(*r.PBL.Value-tt.want) > 1e-9 {
				t.Errorf("Expected unclamped PBL %g, got %g", tt.want, *r.PBL.Value)
			}
			if r.PBL.Flag != FlagCrestOutsideSpan {
				t.Errorf("Expected flag %s, got %q", FlagCrestOutsideSpan, r.PBL.Flag)
			}
		})
	}
}

func TestPBLUndetermined(t *testing.T) {
	t.Run("missing apex", func(t *testing.T) {
		in := scenario(0)
		in.Landmarks = in.Landmarks[:2]
		r := measure(t, in, nil, 0)
		if r.PBL.Reason != ReasonMissingLandmark || r.PBL.Value != nil {
			t.Errorf("Expected %s, got %q (value %v)", ReasonMissingLandmark, r.PBL.Reason, r.PBL.Value)
		}
		if !strings.Contains(r.PBL.Detail, "APEX") {
			t.Errorf("Expected detail to name the missing role, got %q", r.PBL.Detail)
		}
	})

	t.Run("CEJ beyond apex", func(t *testing.T) {
		in := scenario(0)
		in.Landmarks[0] = models.Landmark{Role: models.CEJ, Point: orb.Point{50, 165}, Tooth: models.Index(0)}
		r := measure(t, in, nil, 0)
		if r.PBL.Reason != ReasonDegenerateAxis {
			t.Errorf("Expected %s, got %q", ReasonDegenerateAxis, r.PBL.Reason)
		}
	})

	t.Run("degenerate tooth box", func(t *testing.T) {
		in := scenario(0)
		in.Regions[0].Box.Width = 0
		r := measure(t, in, nil, 0)
		if r.PBL.Reason != ReasonDegenerateAxis {
			t.Errorf("Expected %s, got %q", ReasonDegenerateAxis, r.PBL.Reason)
		}
	})
}

func TestPBLCalibrated(t *testing.T) {
	in := scenario(0)
	in.Image.PixelSpacing = 0.1
	r := measure(t, in, nil, 0)
	site := r.PBL.Sites[0]
	if site.LossMM == nil || math.Abs(*site.LossMM-2) > 1e-9 {
		t.Errorf("Expected 2 mm loss, got %v", site.LossMM)
	}
}

func TestPDLThickness(t *testing.T) {
	in := scenario(0)
	in.Masks = []models.Mask{pdlMask(3)}

	r := measure(t, in, nil, 0)
	pdl := r.PDLThickness
	if !pdl.Determined() {
		t.Fatalf("Expected PDL determined, got %s: %s", pdl.Reason, pdl.Detail)
	}
	if len(pdl.Stats.Samples) != 90 {
		t.Errorf("Expected 90 samples along the root, got %d", len(pdl.Stats.Samples))
	}
	if math.Abs(pdl.Stats.Pixels.Mean-3) > 0.15 {
		t.Errorf("Expected mean thickness 3, got %g", pdl.Stats.Pixels.Mean)
	}
	if pdl.Stats.Pixels.Max < pdl.Stats.Pixels.Mean || pdl.Stats.Pixels.Min > pdl.Stats.Pixels.Mean {
		t.Errorf("Inconsistent summary %+v", pdl.Stats.Pixels)
	}
	if pdl.Stats.MM != nil {
		t.Error("Expected no mm summary for an uncalibrated image")
	}
	if pdl.Mask == nil || *pdl.Mask != 0 {
		t.Errorf("Expected mask 0, got %v", pdl.Mask)
	}
}

func TestPDLThicknessCalibrated(t *testing.T) {
	in := scenario(0)
	in.Image.PixelSpacing = 0.05
	in.Masks = []models.Mask{pdlMask(4)}

	r := measure(t, in, nil, 0)
	if r.PDLThickness.Stats == nil || r.PDLThickness.Stats.MM == nil {
		t.Fatalf("Expected calibrated stats, got %+v", r.PDLThickness)
	}
	if math.Abs(r.PDLThickness.Stats.MM.Mean-0.2) > 0.01 {
		t.Errorf("Expected 0.2 mm mean, got %g", r.PDLThickness.Stats.MM.Mean)
	}
}

func TestMissingPDLMask(t *testing.T) {
	r := measure(t, scenario(0), nil, 0)
	if r.PDLThickness.Reason != ReasonMissingMask {
		t.Errorf("Expected %s, got %q", ReasonMissingMask, r.PDLThickness.Reason)
	}
	if r.PDLThickness.Stats != nil || r.PDLThickness.Mask != nil {
		t.Errorf("Expected no thickness fields, got %+v", r.PDLThickness)
	}
	if !r.PBL.Determined() {
		t.Error("A missing PDL mask must not affect PBL")
	}
}

func TestLaminaDuraBelowPresence(t *testing.T) {
	in := scenario(0)
	ld := fill(models.LaminaDura, image.Rect(20, 60, 80, 165), 0.3,
		image.Rect(33, 70, 35, 160), image.Rect(65, 70, 67, 160))
	in.Masks = []models.Mask{ld}

	r := measure(t, in, nil, 0)
	got := r.LaminaDura
	if !got.Determined() {
		t.Fatalf("Expected a presence verdict, got %s", got.Reason)
	}
	if got.Present == nil || *got.Present {
		t.Fatalf("Expected present=false, got %v", got.Present)
	}
	if got.Confidence != 0.3 {
		t.Errorf("Expected the actual confidence 0.3, got %g", got.Confidence)
	}
	if got.Stats != nil {
		t.Errorf("Expected no thickness when absent, got %+v", got.Stats)
	}
	if got.Note != NoteBelowPresence {
		t.Errorf("Expected note %s, got %q", NoteBelowPresence, got.Note)
	}
}

func TestLaminaDuraSmallArea(t *testing.T) {
	in := scenario(0)
	in.Masks = []models.Mask{fill(models.LaminaDura, image.Rect(30, 70, 40, 80), 0.95, image.Rect(35, 70, 37, 75))}

	r := measure(t, in, nil, 0)
	if r.LaminaDura.Present == nil || *r.LaminaDura.Present {
		t.Errorf("Expected present=false for a %d px mask", r.LaminaDura.Area)
	}
}

func TestLaminaDuraPresent(t *testing.T) {
	in := scenario(0)
	in.Masks = []models.Mask{fill(models.LaminaDura, image.Rect(20, 60, 80, 165), 0.9,
		image.Rect(34, 70, 35, 160), image.Rect(65, 70, 66, 160))}

	r := measure(t, in, nil, 0)
	got := r.LaminaDura
	if got.Present == nil || !*got.Present {
		t.Fatalf("Expected present=true, got %v (%s)", got.Present, got.Reason)
	}
	if got.Stats == nil || math.Abs(got.Stats.Pixels.Mean-1) > 0.15 {
		t.Errorf("Expected thickness 1, got %+v", got.Stats)
	}
	if got.Area != 180 {
		t.Errorf("Expected area 180, got %d", got.Area)
	}
}

func TestCrestSmoothnessFromBoundary(t *testing.T) {
	in := scenario(0)
	var line orb.LineString
	for x := 35.0; x <= 65; x++ {
		line = append(line, orb.Point{x, 80})
	}
	in.Boundaries = []models.Boundary{{Points: line, Scope: models.ScopeTooth, Tooth: models.Index(0)}}

	r := measure(t, in, nil, 0)
	cs := r.CrestSmoothness
	if !cs.Determined() {
		t.Fatalf("Expected smoothness determined, got %s: %s", cs.Reason, cs.Detail)
	}
	if cs.Source != SourceBoundary {
		t.Errorf("Expected source %s, got %s", SourceBoundary, cs.Source)
	}
	if math.Abs(*cs.Score-1) > 1e-6 {
		t.Errorf("Expected a straight crest to score 1, got %g", *cs.Score)
	}
}

func TestCrestSmoothnessFromMask(t *testing.T) {
	in := scenario(0)
	in.Masks = []models.Mask{fill(models.AlveolarBone, image.Rect(20, 100, 80, 165), 0.9, image.Rect(20, 100, 80, 165))}

	r := measure(t, in, nil, 0)
	cs := r.CrestSmoothness
	if !cs.Determined() {
		t.Fatalf("Expected smoothness determined, got %s: %s", cs.Reason, cs.Detail)
	}
	if cs.Source != SourceMask {
		t.Errorf("Expected source %s, got %s", SourceMask, cs.Source)
	}
	if cs.Points < 50 {
		t.Errorf("Expected the trace to cover the tooth span, got %d points", cs.Points)
	}
	if *cs.Score < 0.9 {
		t.Errorf("Expected a flat crest to score above 0.9, got %g", *cs.Score)
	}
}

func TestCrestSmoothnessMissing(t *testing.T) {
	r := measure(t, scenario(0), nil, 0)
	if r.CrestSmoothness.Reason != ReasonMissingMask {
		t.Errorf("Expected %s, got %q", ReasonMissingMask, r.CrestSmoothness.Reason)
	}
}

// sharedInput has two teeth and one free alveolar-bone mask straddling them
func sharedInput() *models.Input {
	in := &models.Input{
		Image: &models.ImageRecord{ID: "shared", Width: 120, Height: 200, MaxValue: 255},
		Regions: []models.Region{
			{Class: models.Tooth, Box: &models.OrientedBox{Center: orb.Point{50, 100}, Width: 30, Height: 120}, Confidence: 0.9},
			{Class: models.Tooth, Box: &models.OrientedBox{Center: orb.Point{90, 100}, Width: 30, Height: 120}, Confidence: 0.9},
		},
		Masks: []models.Mask{
			fill(models.AlveolarBone, image.Rect(55, 100, 85, 160), 0.9, image.Rect(55, 100, 85, 160)),
		},
	}
	in.Image.Pixels = make([]float64, in.Image.Width*in.Image.Height)
	for y := 0; y < in.Image.Height; y++ {
		for x := 0; x < in.Image.Width; x++ {
			v := 40.0
			if x >= 55 && x < 85 && y >= 100 && y < 160 {
				v = 120
			}
			in.Image.Pixels[y*in.Image.Width+x] = v
		}
	}
	return in
}

func TestBoneDensityShared(t *testing.T) {
	in := sharedInput()
	table := NewDensityTable(in, normalization.Transform{Low: 40, High: 200}, nil, 0.5)

	first := measure(t, in, table, 0)
	second := measure(t, in, table, 1)
	for _, r := range []Report{first, second} {
		bd := r.BoneDensity
		if !bd.Determined() {
			t.Fatalf("Tooth %d: expected density determined, got %s", r.Tooth, bd.Reason)
		}
		if math.Abs(*bd.Value-0.5) > 1e-12 {
			t.Errorf("Tooth %d: expected density 0.5, got %g", r.Tooth, *bd.Value)
		}
		if !bd.Shared {
			t.Errorf("Tooth %d: expected density marked shared", r.Tooth)
		}
		found := false
		for _, m := range r.SharedDerived {
			if m == MetricBoneDensity {
				found = true
			}
		}
		if !found {
			t.Errorf("Tooth %d: expected %s in shared metrics, got %v", r.Tooth, MetricBoneDensity, r.SharedDerived)
		}
	}
}

func TestBoneDensityUndetermined(t *testing.T) {
	t.Run("normalization failed", func(t *testing.T) {
		in := sharedInput()
		err := fmt.Errorf("%w: too dark", normalization.ErrNoReference)
		table := NewDensityTable(in, normalization.Transform{}, err, 0.5)
		r := measure(t, in, table, 0)
		if r.BoneDensity.Reason != ReasonNormalizationFailed {
			t.Errorf("Expected %s, got %q", ReasonNormalizationFailed, r.BoneDensity.Reason)
		}
		if !errors.Is(table.Err, normalization.ErrNoReference) {
			t.Errorf("Expected the table to keep the normalization error, got %v", table.Err)
		}
	})

	t.Run("missing mask", func(t *testing.T) {
		in := sharedInput()
		in.Masks = nil
		table := NewDensityTable(in, normalization.Transform{Low: 40, High: 200}, nil, 0.5)
		r := measure(t, in, table, 0)
		if r.BoneDensity.Reason != ReasonMissingMask {
			t.Errorf("Expected %s, got %q", ReasonMissingMask, r.BoneDensity.Reason)
		}
	})

	t.Run("malformed mask", func(t *testing.T) {
		in := sharedInput()
		in.Masks[0].Data = in.Masks[0].Data[:5]
		in.Masks[0].Region = models.Index(0)

		table := NewDensityTable(in, normalization.Transform{Low: 40, High: 200}, nil, 0.5)
		if _, failed := table.Failure(0); !failed {
			t.Error("Expected the malformed mask recorded as a failure")
		}
		if _, ok := table.Lookup(0); ok {
			t.Error("Expected no density for the malformed mask")
		}

		r := measure(t, in, table, 0)
		if r.BoneDensity.Reason != ReasonInternalError {
			t.Errorf("Expected %s, got %q", ReasonInternalError, r.BoneDensity.Reason)
		}
	})
}

func TestPanicIsolatedToMetric(t *testing.T) {
	in := scenario(0)
	// Data is shorter than Bounds, so sampling the mask panics
	in.Masks = []models.Mask{{
		Class:      models.PDLSpace,
		Bounds:     image.Rect(30, 60, 70, 165),
		Data:       []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
		Confidence: 0.9,
		Region:     models.Index(0),
	}}

	r := measure(t, in, nil, 0)
	if r.PDLThickness.Reason != ReasonInternalError {
		t.Errorf("Expected %s, got %q", ReasonInternalError, r.PDLThickness.Reason)
	}
	if !r.PBL.Determined() || math.Abs(*r.PBL.Value-20) > 1e-6 {
		t.Errorf("Expected PBL unaffected, got %+v", r.PBL)
	}
}
