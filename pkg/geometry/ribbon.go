package geometry

import (
	"math"

	"github.com/paulmach/orb"

	"periometry/internal/models"
)

// CrossSection is the ribbon width measured on one line perpendicular to
// the sample axis
type CrossSection struct {
	// Offset is the position of the cross-section along the axis
	Offset float64

	// Thickness is the mean width of the ribbon runs crossed by the line
	Thickness float64

	// Runs holds each crossed run's width, ordered from the negative to the
	// positive side of the axis normal
	Runs []float64
}

// SampleOptions controls how a mask is sampled relative to an axis
type SampleOptions struct {
	// Start and End bound the sampled axis positions, relative to the axis origin
	Start, End float64

	// Step is the spacing between consecutive samples along the axis
	Step float64

	// Reach is how far each cross-section extends on either side of the axis
	Reach float64

	// NormalStep is the sub-pixel step used when walking a cross-section
	NormalStep float64

	// Threshold is the mask value counted as foreground
	Threshold float64
}

// RibbonThickness samples perpendicular cross-sections of a thin ribbon
// mask along axis and returns the local thickness at each sample, in axis
// order. Samples where the mask has zero width are left out, so a mask
// that never crosses the axis yields an empty result.
func RibbonThickness(mask *models.Mask, axis Axis, opts SampleOptions) []CrossSection {
	if mask == nil || !axis.Valid() || opts.Step <= 0 || opts.NormalStep <= 0 || opts.End < opts.Start {
		return nil
	}

	normal := axis.Normal()
	samples := int(math.Floor((opts.End-opts.Start)/opts.Step+epsilon)) + 1
	walk := int(math.Floor(2*opts.Reach/opts.NormalStep+epsilon)) + 1

	var result []CrossSection
	for i := 0; i < samples; i++ {
		t := opts.Start + float64(i)*opts.Step
		center := axis.PointAt(t, 0)

		var runs []float64
		count := 0
		for k := 0; k < walk; k++ {
			s := -opts.Reach + float64(k)*opts.NormalStep
			x := center[0] + s*normal[0]
			y := center[1] + s*normal[1]
			if mask.Inside(int(math.Floor(x)), int(math.Floor(y)), opts.Threshold) {
				count++
				continue
			}
			if count > 0 {
				runs = append(runs, float64(count)*opts.NormalStep)
				count = 0
			}
		}
		if count > 0 {
			runs = append(runs, float64(count)*opts.NormalStep)
		}
		if len(runs) == 0 {
			continue
		}

		var sum float64
		for _, r := range runs {
			sum += r
		}
		result = append(result, CrossSection{
			Offset:    t,
			Thickness: sum / float64(len(runs)),
			Runs:      runs,
		})
	}
	return result
}

// Thicknesses flattens cross-sections into their thickness values
func Thicknesses(sections []CrossSection) []float64 {
	values := make([]float64, len(sections))
	for i, cs := range sections {
		values[i] = cs.Thickness
	}
	return values
}

// TraceEdge walks along the axis from Start towards End at each lateral
// offset in [-halfSpan, halfSpan] and records the first foreground mask
// point it meets. Used to extract the crest line of an alveolar-bone mask
// when walking from the crown towards the apex.
func TraceEdge(mask *models.Mask, axis Axis, halfSpan float64, opts SampleOptions) orb.LineString {
	if mask == nil || !axis.Valid() || opts.Step <= 0 || opts.NormalStep <= 0 || halfSpan <= 0 {
		return nil
	}

	lateral := int(math.Floor(2*halfSpan/opts.Step+epsilon)) + 1
	depth := int(math.Floor(math.Abs(opts.End-opts.Start)/opts.NormalStep+epsilon)) + 1
	dir := 1.0
	if opts.End < opts.Start {
		dir = -1
	}

	var line orb.LineString
	for i := 0; i < lateral; i++ {
		s := -halfSpan + float64(i)*opts.Step
		for k := 0; k < depth; k++ {
			t := opts.Start + dir*float64(k)*opts.NormalStep
			p := axis.PointAt(t, s)
			if mask.Inside(int(math.Floor(p[0])), int(math.Floor(p[1])), opts.Threshold) {
				line = append(line, p)
				break
			}
		}
	}
	return line
}
