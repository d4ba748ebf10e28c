package metrics

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Reasons recorded on undetermined metrics
const (
	ReasonMissingLandmark     = "missing-landmark"
	ReasonMissingMask         = "missing-mask"
	ReasonDegenerateAxis      = "degenerate-axis"
	ReasonDegenerateGeometry  = "degenerate-geometry"
	ReasonNormalizationFailed = "normalization-failed"
	ReasonInternalError       = "internal-error"
)

// FlagCrestOutsideSpan marks a PBL value outside [0,100]. The value is
// reported as computed; it usually points to an upstream landmark error.
const FlagCrestOutsideSpan = "crest-outside-cej-apex-span"

// NoteBelowPresence marks a lamina dura reported absent because its mask
// was below the presence confidence or area
const NoteBelowPresence = "below-presence-threshold"

// Metric names, as listed in Report.SharedDerived
const (
	MetricPBL             = "pbl"
	MetricCrestSmoothness = "crestSmoothness"
	MetricPDLThickness    = "pdlThickness"
	MetricLaminaDura      = "laminaDura"
	MetricBoneDensity     = "boneDensity"
)

// Status records why a metric could not be computed. The zero value means
// the metric was determined.
type Status struct {
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Determined reports whether the metric carries a value
func (s Status) Determined() bool {
	return s.Reason == ""
}

func undetermined(reason, detail string) Status {
	return Status{Reason: reason, Detail: detail}
}

// Report holds the five indices for one tooth bundle. Every metric is
// determined or not independently of the others.
type Report struct {
	// Tooth is the index of the anchoring tooth Region
	Tooth int `json:"tooth" yaml:"tooth"`

	// Label is the tooth number supplied upstream, if any
	Label string `json:"label,omitempty" yaml:"label,omitempty"`

	// Confidence is the detection confidence of the tooth Region
	Confidence float64 `json:"confidence" yaml:"confidence"`

	PBL             PBL             `json:"pbl" yaml:"pbl"`
	CrestSmoothness CrestSmoothness `json:"crestSmoothness" yaml:"crestSmoothness"`
	PDLThickness    PDLThickness    `json:"pdlThickness" yaml:"pdlThickness"`
	LaminaDura      LaminaDura      `json:"laminaDura" yaml:"laminaDura"`
	BoneDensity     BoneDensity     `json:"boneDensity" yaml:"boneDensity"`

	// SharedDerived names the metrics computed from a structure that is
	// also attached to a neighbouring tooth
	SharedDerived []string `json:"sharedDerived,omitempty" yaml:"sharedDerived,omitempty"`
}

// PBLSite is the bone loss measured from one CEJ landmark
type PBLSite struct {
	// CEJ, Crest and Apex are landmark indices
	CEJ   int `json:"cej" yaml:"cej"`
	Crest int `json:"crest" yaml:"crest"`
	Apex  int `json:"apex" yaml:"apex"`

	// Value is the percent bone loss at this site
	Value *float64 `json:"value,omitempty" yaml:"value,omitempty"`

	// Loss and Span are the CEJ-crest and CEJ-apex axis distances in pixels
	Loss float64 `json:"loss" yaml:"loss"`
	Span float64 `json:"span" yaml:"span"`

	// LossMM is Loss in mm when the image is calibrated
	LossMM *float64 `json:"lossMM,omitempty" yaml:"lossMM,omitempty"`

	Flag   string `json:"flag,omitempty" yaml:"flag,omitempty"`
	Status `yaml:",inline"`
}

// PBL is percent bone loss. The bundle value is the worst site.
type PBL struct {
	Value  *float64  `json:"value,omitempty" yaml:"value,omitempty"`
	Flag   string    `json:"flag,omitempty" yaml:"flag,omitempty"`
	Sites  []PBLSite `json:"sites,omitempty" yaml:"sites,omitempty"`
	Status `yaml:",inline"`
}

// CrestSmoothness scores the alveolar crest boundary within the tooth span
type CrestSmoothness struct {
	// Score is 1/(1+RMS), higher is smoother
	Score *float64 `json:"score,omitempty" yaml:"score,omitempty"`

	RMS           float64 `json:"rms,omitempty" yaml:"rms,omitempty"`
	MaxDeviation  float64 `json:"maxDeviation,omitempty" yaml:"maxDeviation,omitempty"`
	MeanCurvature float64 `json:"meanCurvature,omitempty" yaml:"meanCurvature,omitempty"`
	ArcLength     float64 `json:"arcLength,omitempty" yaml:"arcLength,omitempty"`
	Points        int     `json:"points,omitempty" yaml:"points,omitempty"`

	// Source is "boundary" when an upstream crest line was used and
	// "mask" when the crest was traced from the alveolar-bone mask
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	Shared bool `json:"shared,omitempty" yaml:"shared,omitempty"`
	Status `yaml:",inline"`
}

// Summary holds descriptive statistics of a thickness profile
type Summary struct {
	Mean float64 `json:"mean" yaml:"mean"`
	Max  float64 `json:"max" yaml:"max"`
	Min  float64 `json:"min" yaml:"min"`
	Std  float64 `json:"std" yaml:"std"`
}

// ThicknessStats summarises a ribbon thickness profile along the root
type ThicknessStats struct {
	// Pixels summarises the profile in pixels
	Pixels Summary `json:"pixels" yaml:"pixels"`

	// MM summarises the profile in mm, when the image is calibrated
	MM *Summary `json:"mm,omitempty" yaml:"mm,omitempty"`

	// Samples is the profile in pixels, ordered along the tooth axis
	Samples []float64 `json:"samples" yaml:"samples"`
}

// PDLThickness describes the periodontal ligament space width
type PDLThickness struct {
	Stats  *ThicknessStats `json:"stats,omitempty" yaml:"stats,omitempty"`
	Mask   *int            `json:"mask,omitempty" yaml:"mask,omitempty"`
	Shared bool            `json:"shared,omitempty" yaml:"shared,omitempty"`
	Status `yaml:",inline"`
}

// LaminaDura reports presence and, when present, thickness of the lamina dura
type LaminaDura struct {
	Present    *bool           `json:"present,omitempty" yaml:"present,omitempty"`
	Confidence float64         `json:"confidence" yaml:"confidence"`
	Area       int             `json:"area" yaml:"area"`
	Stats      *ThicknessStats `json:"stats,omitempty" yaml:"stats,omitempty"`
	Note       string          `json:"note,omitempty" yaml:"note,omitempty"`
	Mask       *int            `json:"mask,omitempty" yaml:"mask,omitempty"`
	Shared     bool            `json:"shared,omitempty" yaml:"shared,omitempty"`
	Status     `yaml:",inline"`
}

// BoneDensity is the normalized mean intensity of the alveolar-bone mask
type BoneDensity struct {
	Value  *float64 `json:"value,omitempty" yaml:"value,omitempty"`
	Pixels int      `json:"pixels,omitempty" yaml:"pixels,omitempty"`
	Mask   *int     `json:"mask,omitempty" yaml:"mask,omitempty"`
	Shared bool     `json:"shared,omitempty" yaml:"shared,omitempty"`
	Status `yaml:",inline"`
}

// summarize computes descriptive statistics; samples must not be empty
func summarize(samples []float64) Summary {
	mean, std := stat.PopMeanStdDev(samples, nil)
	return Summary{
		Mean: mean,
		Max:  floats.Max(samples),
		Min:  floats.Min(samples),
		Std:  std,
	}
}

func thicknessStats(samples []float64, spacing float64) *ThicknessStats {
	ts := &ThicknessStats{Pixels: summarize(samples), Samples: samples}
	if spacing > 0 {
		scaled := make([]float64, len(samples))
		copy(scaled, samples)
		floats.Scale(spacing, scaled)
		mm := summarize(scaled)
		ts.MM = &mm
	}
	return ts
}

func ptr[T any](v T) *T {
	return &v
}
