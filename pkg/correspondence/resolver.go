// Package correspondence groups the raw detections of one image into
// per-tooth bundles. Bundles hold indices into the input slices rather
// than copies, so a structure shared by two neighbouring teeth is the same
// structure in both bundles.
package correspondence

import (
	"math"
	"sort"

	"github.com/paulmach/orb"

	"periometry/internal/models"
	"periometry/pkg/config"
	"periometry/pkg/geometry"
)

// Kind identifies which input collection an orphan came from
type Kind string

const (
	KindRegion   Kind = "region"
	KindMask     Kind = "mask"
	KindLandmark Kind = "landmark"
	KindBoundary Kind = "boundary"
)

// Orphan reasons
const (
	ReasonBelowThreshold = "below-overlap-threshold"
	ReasonOutsideTeeth   = "outside-all-teeth"
	ReasonInvalidTooth   = "invalid-tooth-index"
	ReasonInvalidRegion  = "invalid-region-index"
	ReasonNoTeeth        = "no-tooth-regions"
	ReasonUnknownClass   = "unknown-class"
	ReasonEmptyMask      = "empty-mask"
	ReasonMalformedMask  = "malformed-mask"
)

// Options holds the thresholds used during resolution
type Options struct {
	// OverlapThreshold is the overlap fraction an item must exceed to attach
	OverlapThreshold float64

	// LandmarkMargin grows tooth outlines when testing landmark containment
	LandmarkMargin float64

	// SpanMargin widens a tooth's lateral span when attaching crest boundaries
	SpanMargin float64

	// MaskThreshold is the value at which mask pixels count as foreground
	MaskThreshold float64
}

// OptionsFromConfig extracts resolver options from the run configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		OverlapThreshold: cfg.Correspondence.OverlapThreshold,
		LandmarkMargin:   cfg.Correspondence.LandmarkMargin,
		SpanMargin:       cfg.Sampling.ReachMargin,
		MaskThreshold:    cfg.Sampling.MaskThreshold,
	}
}

// Attachment links an input item to a bundle
type Attachment struct {
	// Index is the position of the item in its input slice
	Index int

	// Overlap is the overlap fraction with the bundle's tooth
	Overlap float64

	// Confidence is the item's detection confidence
	Confidence float64

	// SharedWith lists the other tooth indices the item is attached to
	SharedWith []int
}

// Shared reports whether the item also belongs to another bundle
func (a Attachment) Shared() bool {
	return len(a.SharedWith) > 0
}

// Bundle is one tooth with everything attached to it
type Bundle struct {
	// Tooth is the index of the anchoring tooth Region
	Tooth int

	// Regions holds attached non-tooth regions per class, best first
	Regions map[models.Class][]Attachment

	// Masks holds attached masks per class, best first
	Masks map[models.Class][]Attachment

	// Landmarks holds indices of attached landmarks, in input order
	Landmarks []int

	// Boundaries holds attachments of crest polylines, in input order
	Boundaries []Attachment
}

// PrimaryRegion returns the best attached region of a class
func (b *Bundle) PrimaryRegion(class models.Class) (Attachment, bool) {
	if list := b.Regions[class]; len(list) > 0 {
		return list[0], true
	}
	return Attachment{}, false
}

// PrimaryMask returns the best attached mask of a class
func (b *Bundle) PrimaryMask(class models.Class) (Attachment, bool) {
	if list := b.Masks[class]; len(list) > 0 {
		return list[0], true
	}
	return Attachment{}, false
}

// Orphan is an input item no tooth could claim
type Orphan struct {
	Kind   Kind         `json:"kind" yaml:"kind"`
	Index  int          `json:"index" yaml:"index"`
	Class  models.Class `json:"class,omitempty" yaml:"class,omitempty"`
	Role   models.Role  `json:"role,omitempty" yaml:"role,omitempty"`
	Reason string       `json:"reason" yaml:"reason"`

	// BestOverlap is the highest overlap seen against any tooth, for regions and masks
	BestOverlap float64 `json:"bestOverlap,omitempty" yaml:"bestOverlap,omitempty"`
}

// Resolution is the outcome of grouping one image's detections
type Resolution struct {
	Bundles []Bundle
	Orphans []Orphan
}

// Bundle returns the bundle anchored on the given tooth index
func (r *Resolution) Bundle(tooth int) (*Bundle, bool) {
	for i := range r.Bundles {
		if r.Bundles[i].Tooth == tooth {
			return &r.Bundles[i], true
		}
	}
	return nil, false
}

type tooth struct {
	index   int
	outline orb.Ring
	center  orb.Point
	axis    geometry.Axis
	axisOK  bool
}

// Resolve groups regions, masks, landmarks and boundaries into one bundle
// per tooth region. It is deterministic: resolving the same input twice
// yields identical bundles and orphans. Items that match no tooth are
// returned as orphans, never dropped.
func Resolve(in *models.Input, opts Options) *Resolution {
	res := &Resolution{}

	var teeth []tooth
	for i, r := range in.Regions {
		if r.Class != models.Tooth {
			continue
		}
		outline := r.Outline()
		axis, err := geometry.RegionAxis(r)
		teeth = append(teeth, tooth{
			index:   i,
			outline: outline,
			center:  geometry.Centroid(outline),
			axis:    axis,
			axisOK:  err == nil,
		})
		res.Bundles = append(res.Bundles, Bundle{
			Tooth:   i,
			Regions: make(map[models.Class][]Attachment),
			Masks:   make(map[models.Class][]Attachment),
		})
	}
	bundleOf := make(map[int]int, len(teeth))
	for b, t := range teeth {
		bundleOf[t.index] = b
	}

	// Region index -> teeth it was attached to, used by masks tied to a region
	regionTeeth := make(map[int][]Attachment)

	for i, r := range in.Regions {
		if r.Class == models.Tooth {
			continue
		}
		if !r.Class.Valid() {
			res.Orphans = append(res.Orphans, Orphan{Kind: KindRegion, Index: i, Class: r.Class, Reason: ReasonUnknownClass})
			continue
		}
		matches, best := overlapTeeth(teeth, r.Outline(), opts.OverlapThreshold)
		if len(matches) == 0 {
			res.Orphans = append(res.Orphans, regionOrphan(KindRegion, i, r.Class, best, len(teeth)))
			continue
		}
		regionTeeth[i] = matches
		for _, m := range matches {
			b := &res.Bundles[bundleOf[m.Index]]
			b.Regions[r.Class] = append(b.Regions[r.Class], Attachment{Index: i, Overlap: m.Overlap, Confidence: r.Confidence})
		}
	}

	for i := range in.Masks {
		m := &in.Masks[i]
		if !m.Class.Valid() {
			res.Orphans = append(res.Orphans, Orphan{Kind: KindMask, Index: i, Class: m.Class, Reason: ReasonUnknownClass})
			continue
		}

		matches, best, reason := maskTeeth(in, m, teeth, regionTeeth, opts)
		if len(matches) == 0 {
			o := regionOrphan(KindMask, i, m.Class, best, len(teeth))
			if reason != "" {
				o.Reason = reason
			}
			res.Orphans = append(res.Orphans, o)
			continue
		}
		for _, match := range matches {
			b := &res.Bundles[bundleOf[match.Index]]
			b.Masks[m.Class] = append(b.Masks[m.Class], Attachment{Index: i, Overlap: match.Overlap, Confidence: m.Confidence})
		}
	}

	for i, lm := range in.Landmarks {
		t, reason := landmarkTooth(in, lm, teeth, opts.LandmarkMargin)
		if reason != "" {
			res.Orphans = append(res.Orphans, Orphan{Kind: KindLandmark, Index: i, Role: lm.Role, Reason: reason})
			continue
		}
		b := &res.Bundles[bundleOf[t]]
		b.Landmarks = append(b.Landmarks, i)
	}

	for i, bd := range in.Boundaries {
		owners, reason := boundaryTeeth(in, bd, teeth, opts.SpanMargin)
		if reason != "" {
			res.Orphans = append(res.Orphans, Orphan{Kind: KindBoundary, Index: i, Reason: reason})
			continue
		}
		for _, t := range owners {
			b := &res.Bundles[bundleOf[t]]
			b.Boundaries = append(b.Boundaries, Attachment{Index: i, Overlap: 1, Confidence: 1})
		}
	}

	markShared(res)
	return res
}

// overlapTeeth returns every tooth whose overlap with outline exceeds the
// threshold, keyed by tooth index, and the best overlap seen overall
func overlapTeeth(teeth []tooth, outline orb.Ring, threshold float64) ([]Attachment, float64) {
	return matchTeeth(teeth, threshold, func(t tooth) float64 {
		return geometry.RegionOverlap(t.outline, outline)
	})
}

// matchTeeth keeps the teeth whose overlap strictly exceeds threshold
func matchTeeth(teeth []tooth, threshold float64, overlap func(tooth) float64) ([]Attachment, float64) {
	var matches []Attachment
	best := 0.0
	for _, t := range teeth {
		ov := overlap(t)
		best = math.Max(best, ov)
		if ov > threshold {
			matches = append(matches, Attachment{Index: t.index, Overlap: ov})
		}
	}
	return matches, best
}

func maskTeeth(in *models.Input, m *models.Mask, teeth []tooth, regionTeeth map[int][]Attachment, opts Options) ([]Attachment, float64, string) {
	if m.Region != nil {
		ri := *m.Region
		if ri < 0 || ri >= len(in.Regions) {
			return nil, 0, ReasonInvalidRegion
		}
		if in.Regions[ri].Class == models.Tooth {
			return []Attachment{{Index: ri, Overlap: 1}}, 1, ""
		}
		if matches, ok := regionTeeth[ri]; ok {
			return matches, 1, ""
		}
		// The parent region is itself an orphan; fall back to the mask footprint
	}

	if !m.WellFormed() {
		return nil, 0, ReasonMalformedMask
	}
	if m.Area(opts.MaskThreshold) == 0 {
		return nil, 0, ReasonEmptyMask
	}
	matches, best := matchTeeth(teeth, opts.OverlapThreshold, func(t tooth) float64 {
		return geometry.MaskOverlap(t.outline, m, opts.MaskThreshold)
	})
	return matches, best, ""
}

func landmarkTooth(in *models.Input, lm models.Landmark, teeth []tooth, margin float64) (int, string) {
	if len(teeth) == 0 {
		return 0, ReasonNoTeeth
	}
	if lm.Tooth != nil {
		ti := *lm.Tooth
		if ti < 0 || ti >= len(in.Regions) || in.Regions[ti].Class != models.Tooth {
			return 0, ReasonInvalidTooth
		}
		return ti, ""
	}

	found := -1
	bestDist := math.Inf(1)
	for _, t := range teeth {
		if !geometry.Contains(t.outline, lm.Point, margin) {
			continue
		}
		d := math.Hypot(lm.Point[0]-t.center[0], lm.Point[1]-t.center[1])
		if d < bestDist {
			bestDist = d
			found = t.index
		}
	}
	if found < 0 {
		return 0, ReasonOutsideTeeth
	}
	return found, ""
}

func boundaryTeeth(in *models.Input, bd models.Boundary, teeth []tooth, spanMargin float64) ([]int, string) {
	if len(teeth) == 0 {
		return nil, ReasonNoTeeth
	}
	if bd.Tooth != nil {
		ti := *bd.Tooth
		if ti < 0 || ti >= len(in.Regions) || in.Regions[ti].Class != models.Tooth {
			return nil, ReasonInvalidTooth
		}
		return []int{ti}, ""
	}

	var owners []int
	for _, t := range teeth {
		if !t.axisOK {
			continue
		}
		halfSpan := t.axis.Width/2 + spanMargin
		halfLength := t.axis.Length / 2
		for _, p := range bd.Points {
			along, across := t.axis.Project(p)
			if math.Abs(across) <= halfSpan && math.Abs(along) <= halfLength {
				owners = append(owners, t.index)
				break
			}
		}
	}
	if len(owners) == 0 {
		return nil, ReasonOutsideTeeth
	}
	return owners, ""
}

func regionOrphan(kind Kind, index int, class models.Class, best float64, teeth int) Orphan {
	reason := ReasonBelowThreshold
	if teeth == 0 {
		reason = ReasonNoTeeth
	}
	return Orphan{Kind: kind, Index: index, Class: class, Reason: reason, BestOverlap: best}
}

// markShared orders attachments best first and records which items are
// held by more than one bundle
func markShared(res *Resolution) {
	regionOwners := make(map[int][]int)
	maskOwners := make(map[int][]int)
	boundaryOwners := make(map[int][]int)
	for _, b := range res.Bundles {
		for _, list := range b.Regions {
			for _, a := range list {
				regionOwners[a.Index] = append(regionOwners[a.Index], b.Tooth)
			}
		}
		for _, list := range b.Masks {
			for _, a := range list {
				maskOwners[a.Index] = append(maskOwners[a.Index], b.Tooth)
			}
		}
		for _, a := range b.Boundaries {
			boundaryOwners[a.Index] = append(boundaryOwners[a.Index], b.Tooth)
		}
	}

	for bi := range res.Bundles {
		b := &res.Bundles[bi]
		for class, list := range b.Regions {
			sortAttachments(list)
			for i := range list {
				list[i].SharedWith = others(regionOwners[list[i].Index], b.Tooth)
			}
			b.Regions[class] = list
		}
		for class, list := range b.Masks {
			sortAttachments(list)
			for i := range list {
				list[i].SharedWith = others(maskOwners[list[i].Index], b.Tooth)
			}
			b.Masks[class] = list
		}
		for i := range b.Boundaries {
			b.Boundaries[i].SharedWith = others(boundaryOwners[b.Boundaries[i].Index], b.Tooth)
		}
	}
}

// sortAttachments orders by overlap, then confidence, then input order
func sortAttachments(list []Attachment) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Overlap != list[j].Overlap {
			return list[i].Overlap > list[j].Overlap
		}
		if list[i].Confidence != list[j].Confidence {
			return list[i].Confidence > list[j].Confidence
		}
		return list[i].Index < list[j].Index
	})
}

func others(owners []int, self int) []int {
	var out []int
	for _, o := range owners {
		if o != self {
			out = append(out, o)
		}
	}
	return out
}
