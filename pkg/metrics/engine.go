// Package metrics computes the periodontal indices of one tooth bundle:
// percent bone loss, crest smoothness, PDL thickness, lamina dura status
// and bone density. Each index is computed independently; a failure in one
// leaves it undetermined with a reason and never affects the others.
package metrics

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"

	"periometry/internal/models"
	"periometry/pkg/config"
	"periometry/pkg/correspondence"
	"periometry/pkg/geometry"
	"periometry/pkg/normalization"
)

// Crest line sources
const (
	SourceBoundary = "boundary"
	SourceMask     = "mask"
)

// Options holds the sampling and presence parameters used by the engine
type Options struct {
	MaskThreshold float64
	AxisStep      float64
	NormalStep    float64
	ReachMargin   float64

	SmoothnessDegree    int
	SmoothnessMinPoints int

	PresenceConfidence float64
	MinArea            int
}

// OptionsFromConfig extracts engine options from the run configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaskThreshold:       cfg.Sampling.MaskThreshold,
		AxisStep:            cfg.Sampling.AxisStep,
		NormalStep:          cfg.Sampling.NormalStep,
		ReachMargin:         cfg.Sampling.ReachMargin,
		SmoothnessDegree:    cfg.Smoothness.Degree,
		SmoothnessMinPoints: cfg.Smoothness.MinPoints,
		PresenceConfidence:  cfg.LaminaDura.PresenceConfidence,
		MinArea:             cfg.LaminaDura.MinArea,
	}
}

// Density is the normalized bone density of one alveolar-bone mask
type Density struct {
	Value  float64
	Pixels int
}

// DensityTable holds bone density per mask index. It is computed once per
// image so that a mask shared by two teeth is measured once.
type DensityTable struct {
	// Err is the normalization failure, nil when the transform was usable
	Err error

	values   map[int]Density
	failures map[int]string
}

// NewDensityTable measures every alveolar-bone mask of the image with the
// given transform. When normErr is set no mask is measured and every
// density lookup reports the failure. A mask that cannot be measured is
// recorded as a failure of that mask alone.
func NewDensityTable(in *models.Input, tr normalization.Transform, normErr error, threshold float64) *DensityTable {
	table := &DensityTable{Err: normErr, values: make(map[int]Density), failures: make(map[int]string)}
	if normErr != nil || in.Image == nil {
		return table
	}
	for i := range in.Masks {
		m := &in.Masks[i]
		if m.Class != models.AlveolarBone {
			continue
		}
		if err := table.measure(i, in.Image, m, tr, threshold); err != nil {
			table.failures[i] = err.Error()
		}
	}
	return table
}

func (d *DensityTable) measure(i int, img *models.ImageRecord, m *models.Mask, tr normalization.Transform, threshold float64) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("density of mask %d: %v", i, rec)
		}
	}()
	if !m.WellFormed() {
		return fmt.Errorf("mask %d has %d values for %dx%d bounds", i, len(m.Data), m.Bounds.Dx(), m.Bounds.Dy())
	}
	value, n := tr.MeanOver(img, m, threshold)
	d.values[i] = Density{Value: value, Pixels: n}
	return nil
}

// Lookup returns the density of a mask
func (d *DensityTable) Lookup(mask int) (Density, bool) {
	v, ok := d.values[mask]
	return v, ok
}

// Failure returns why a mask could not be measured
func (d *DensityTable) Failure(mask int) (string, bool) {
	detail, ok := d.failures[mask]
	return detail, ok
}

// tooth carries what every metric of one bundle needs
type tooth struct {
	in      *models.Input
	bundle  *correspondence.Bundle
	region  models.Region
	axis    geometry.Axis
	axisErr error
	spacing float64
	opts    Options
}

// Measure computes the report of one bundle. Panics inside a metric are
// recovered and recorded as internal-error on that metric alone.
func Measure(in *models.Input, b *correspondence.Bundle, density *DensityTable, opts Options) Report {
	region := in.Regions[b.Tooth]
	t := &tooth{in: in, bundle: b, region: region, opts: opts}
	t.axis, t.axisErr = geometry.RegionAxis(region)
	if in.Image != nil {
		t.spacing = in.Image.PixelSpacing
	}

	r := Report{Tooth: b.Tooth, Label: region.Label, Confidence: region.Confidence}
	r.PBL = safely(t.pbl, func(s Status) PBL { return PBL{Status: s} })
	r.CrestSmoothness = safely(t.crestSmoothness, func(s Status) CrestSmoothness { return CrestSmoothness{Status: s} })
	r.PDLThickness = safely(t.pdlThickness, func(s Status) PDLThickness { return PDLThickness{Status: s} })
	r.LaminaDura = safely(t.laminaDura, func(s Status) LaminaDura { return LaminaDura{Status: s} })
	r.BoneDensity = safely(func() BoneDensity { return t.boneDensity(density) },
		func(s Status) BoneDensity { return BoneDensity{Status: s} })

	if r.CrestSmoothness.Shared {
		r.SharedDerived = append(r.SharedDerived, MetricCrestSmoothness)
	}
	if r.PDLThickness.Shared {
		r.SharedDerived = append(r.SharedDerived, MetricPDLThickness)
	}
	if r.LaminaDura.Shared {
		r.SharedDerived = append(r.SharedDerived, MetricLaminaDura)
	}
	if r.BoneDensity.Shared {
		r.SharedDerived = append(r.SharedDerived, MetricBoneDensity)
	}
	return r
}

// safely runs compute and converts a panic into an internal-error result
func safely[T any](compute func() T, fail func(Status) T) (result T) {
	defer func() {
		if rec := recover(); rec != nil {
			result = fail(undetermined(ReasonInternalError, fmt.Sprint(rec)))
		}
	}()
	return compute()
}

func (t *tooth) landmarks(role models.Role) []int {
	var idx []int
	for _, i := range t.bundle.Landmarks {
		if t.in.Landmarks[i].Role == role {
			idx = append(idx, i)
		}
	}
	return idx
}

func (t *tooth) centroid(idx []int) orb.Point {
	var c orb.Point
	for _, i := range idx {
		c[0] += t.in.Landmarks[i].Point[0]
		c[1] += t.in.Landmarks[i].Point[1]
	}
	return orb.Point{c[0] / float64(len(idx)), c[1] / float64(len(idx))}
}

func (t *tooth) pbl() PBL {
	cejs := t.landmarks(models.CEJ)
	crests := t.landmarks(models.Crest)
	apexes := t.landmarks(models.Apex)

	var missing []string
	if len(cejs) == 0 {
		missing = append(missing, string(models.CEJ))
	}
	if len(crests) == 0 {
		missing = append(missing, string(models.Crest))
	}
	if len(apexes) == 0 {
		missing = append(missing, string(models.Apex))
	}
	if len(missing) > 0 {
		return PBL{Status: undetermined(ReasonMissingLandmark, "no "+strings.Join(missing, ", ")+" landmark")}
	}
	if t.axisErr != nil {
		return PBL{Status: undetermined(ReasonDegenerateAxis, t.axisErr.Error())}
	}

	// Positive axis positions run from the crown towards the root
	axis := t.axis.Toward(t.centroid(apexes))

	apex := apexes[0]
	deepest, _ := axis.Project(t.in.Landmarks[apex].Point)
	for _, i := range apexes[1:] {
		if d, _ := axis.Project(t.in.Landmarks[i].Point); d > deepest {
			apex, deepest = i, d
		}
	}
	apexPoint := t.in.Landmarks[apex].Point

	crestPoints := make([]orb.Point, len(crests))
	for k, i := range crests {
		crestPoints[k] = t.in.Landmarks[i].Point
	}
	index := geometry.NewPointIndex(crestPoints)

	result := PBL{}
	for _, c := range cejs {
		cej := t.in.Landmarks[c].Point
		nearest, _, _ := index.Nearest(cej)
		crest := crests[nearest]

		site := PBLSite{CEJ: c, Crest: crest, Apex: apex}
		site.Span = geometry.AxisDistance(cej, apexPoint, axis)
		site.Loss = geometry.AxisDistance(cej, t.in.Landmarks[crest].Point, axis)
		if t.spacing > 0 {
			site.LossMM = ptr(site.Loss * t.spacing)
		}
		if site.Span <= 0 {
			site.Status = undetermined(ReasonDegenerateAxis, fmt.Sprintf("CEJ-apex distance %.3g", site.Span))
			result.Sites = append(result.Sites, site)
			continue
		}

		value := 100 * site.Loss / site.Span
		site.Value = ptr(value)
		if value < 0 || value > 100 {
			site.Flag = FlagCrestOutsideSpan
			result.Flag = FlagCrestOutsideSpan
		}
		result.Sites = append(result.Sites, site)

		if result.Value == nil || value > *result.Value {
			result.Value = ptr(value)
		}
	}

	if result.Value == nil {
		result.Status = undetermined(ReasonDegenerateAxis, "CEJ-apex distance is not positive at any site")
	}
	return result
}

// rootward returns the tooth axis oriented from the crown towards the root.
// The apex landmarks decide when present; otherwise the foreground of the
// alveolar-bone mask, which sits around the root, does.
func (t *tooth) rootward(bone *models.Mask) geometry.Axis {
	if apexes := t.landmarks(models.Apex); len(apexes) > 0 {
		return t.axis.Toward(t.centroid(apexes))
	}
	if bone != nil {
		ext := bone.Extent(t.opts.MaskThreshold)
		if !ext.Empty() {
			return t.axis.Toward(orb.Point{
				float64(ext.Min.X+ext.Max.X) / 2,
				float64(ext.Min.Y+ext.Max.Y) / 2,
			})
		}
	}
	return t.axis
}

func (t *tooth) crestLine() (orb.LineString, string, bool, Status) {
	halfSpan := t.axis.Width/2 + t.opts.ReachMargin

	var best orb.LineString
	shared := false
	for _, att := range t.bundle.Boundaries {
		bd := t.in.Boundaries[att.Index]
		line := bd.Points
		if bd.Scope != models.ScopeTooth {
			if t.axisErr != nil {
				return nil, "", false, undetermined(ReasonDegenerateAxis, t.axisErr.Error())
			}
			line = geometry.ClipToSpan(line, t.axis, halfSpan)
		}
		if len(line) > len(best) {
			best = line
			shared = att.Shared()
		}
	}
	if len(best) > 0 {
		return best, SourceBoundary, shared, Status{}
	}

	att, ok := t.bundle.PrimaryMask(models.AlveolarBone)
	if !ok {
		return nil, "", false, undetermined(ReasonMissingMask, "no alveolar-bone mask or crest boundary attached")
	}
	if t.axisErr != nil {
		return nil, "", false, undetermined(ReasonDegenerateAxis, t.axisErr.Error())
	}
	bone := &t.in.Masks[att.Index]
	axis := t.rootward(bone)
	reach := axis.Length/2 + t.opts.ReachMargin
	line := geometry.TraceEdge(bone, axis, halfSpan, geometry.SampleOptions{
		Start:      -reach,
		End:        reach,
		Step:       t.opts.AxisStep,
		NormalStep: t.opts.NormalStep,
		Threshold:  t.opts.MaskThreshold,
	})
	return line, SourceMask, att.Shared(), Status{}
}

func (t *tooth) crestSmoothness() CrestSmoothness {
	line, source, shared, status := t.crestLine()
	if !status.Determined() {
		return CrestSmoothness{Status: status}
	}
	result := CrestSmoothness{Source: source, Shared: shared, Points: len(line)}
	if len(line) < t.opts.SmoothnessMinPoints {
		result.Status = undetermined(ReasonDegenerateGeometry,
			fmt.Sprintf("%d crest points, need %d", len(line), t.opts.SmoothnessMinPoints))
		return result
	}

	s, err := geometry.CurveSmoothness(line, t.opts.SmoothnessDegree)
	if err != nil {
		result.Status = undetermined(ReasonDegenerateGeometry, err.Error())
		return result
	}
	result.Score = ptr(s.Score)
	result.RMS = s.RMS
	result.MaxDeviation = s.MaxDeviation
	result.MeanCurvature = s.MeanCurvature
	result.ArcLength = s.ArcLength
	result.Points = s.Points
	return result
}

// ribbon samples a thin mask along the tooth axis
func (t *tooth) ribbon(mask *models.Mask) (*ThicknessStats, Status) {
	if t.axisErr != nil {
		return nil, undetermined(ReasonDegenerateAxis, t.axisErr.Error())
	}
	if mask.Area(t.opts.MaskThreshold) == 0 {
		return nil, undetermined(ReasonDegenerateGeometry, "mask has zero area")
	}
	sections := geometry.RibbonThickness(mask, t.axis, geometry.SampleOptions{
		Start:      -t.axis.Length / 2,
		End:        t.axis.Length / 2,
		Step:       t.opts.AxisStep,
		Reach:      t.axis.Width/2 + t.opts.ReachMargin,
		NormalStep: t.opts.NormalStep,
		Threshold:  t.opts.MaskThreshold,
	})
	if len(sections) == 0 {
		return nil, undetermined(ReasonDegenerateGeometry, "mask is not crossed along the tooth axis")
	}
	return thicknessStats(geometry.Thicknesses(sections), t.spacing), Status{}
}

func (t *tooth) pdlThickness() PDLThickness {
	att, ok := t.bundle.PrimaryMask(models.PDLSpace)
	if !ok {
		return PDLThickness{Status: undetermined(ReasonMissingMask, "no pdl-space mask attached")}
	}
	stats, status := t.ribbon(&t.in.Masks[att.Index])
	return PDLThickness{Stats: stats, Mask: ptr(att.Index), Shared: att.Shared(), Status: status}
}

func (t *tooth) laminaDura() LaminaDura {
	att, ok := t.bundle.PrimaryMask(models.LaminaDura)
	if !ok {
		return LaminaDura{Status: undetermined(ReasonMissingMask, "no lamina-dura mask attached")}
	}
	mask := &t.in.Masks[att.Index]
	result := LaminaDura{
		Confidence: mask.Confidence,
		Area:       mask.Area(t.opts.MaskThreshold),
		Mask:       ptr(att.Index),
		Shared:     att.Shared(),
	}
	if result.Confidence < t.opts.PresenceConfidence || result.Area < t.opts.MinArea {
		result.Present = ptr(false)
		result.Note = NoteBelowPresence
		return result
	}
	result.Present = ptr(true)
	result.Stats, result.Status = t.ribbon(mask)
	return result
}

func (t *tooth) boneDensity(table *DensityTable) BoneDensity {
	att, ok := t.bundle.PrimaryMask(models.AlveolarBone)
	if !ok {
		return BoneDensity{Status: undetermined(ReasonMissingMask, "no alveolar-bone mask attached")}
	}
	result := BoneDensity{Mask: ptr(att.Index), Shared: att.Shared()}
	if table == nil {
		result.Status = undetermined(ReasonNormalizationFailed, "no density table")
		return result
	}
	if table.Err != nil {
		result.Status = undetermined(ReasonNormalizationFailed, table.Err.Error())
		return result
	}
	if detail, failed := table.Failure(att.Index); failed {
		result.Status = undetermined(ReasonInternalError, detail)
		return result
	}
	d, ok := table.Lookup(att.Index)
	if !ok || d.Pixels == 0 || math.IsNaN(d.Value) || math.IsInf(d.Value, 0) {
		result.Status = undetermined(ReasonDegenerateGeometry, "mask has zero area")
		return result
	}
	result.Value = ptr(d.Value)
	result.Pixels = d.Pixels
	return result
}
