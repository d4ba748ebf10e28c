package dataset

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/paulmach/orb"

	"periometry/internal/models"
	"periometry/pkg/geometry"
)

// Box labels written by the annotation tool
const (
	LabelUnlabeled = "Unlabeled"
	LabelTooth     = "Tooth"
	LabelCrest     = "Crest"
	LabelPDL       = "PDL"
	LabelLD        = "LD"
)

// labelClasses maps box labels to region classes. Labels missing from the
// table are treated as teeth and keep their text as the region label.
var labelClasses = map[string]models.Class{
	LabelTooth: models.Tooth,
	LabelCrest: models.AlveolarBone,
	LabelPDL:   models.PDLSpace,
	LabelLD:    models.LaminaDura,
}

// Point is an annotated landmark
type Point struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Class  string  `json:"class"`
	Radius float64 `json:"radius,omitempty"`
}

// XY is one vertex of a bone line
type XY struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BBox is an annotated box, either oriented (cx, cy, width, height,
// rotation) or axis-aligned in the older xmin..ymax form.
type BBox struct {
	ID       int      `json:"id,omitempty"`
	CX       *float64 `json:"cx,omitempty"`
	CY       float64  `json:"cy,omitempty"`
	Width    float64  `json:"width,omitempty"`
	Height   float64  `json:"height,omitempty"`
	Rotation float64  `json:"rotation,omitempty"`
	Label    string   `json:"label"`

	XMin float64 `json:"xmin,omitempty"`
	YMin float64 `json:"ymin,omitempty"`
	XMax float64 `json:"xmax,omitempty"`
	YMax float64 `json:"ymax,omitempty"`
}

// Oriented returns the box in center/extent/rotation form
func (b BBox) Oriented() models.OrientedBox {
	if b.CX != nil {
		return models.OrientedBox{
			Center:   orb.Point{*b.CX, b.CY},
			Width:    b.Width,
			Height:   b.Height,
			Rotation: b.Rotation,
		}
	}
	return models.OrientedBox{
		Center: orb.Point{(b.XMin + b.XMax) / 2, (b.YMin + b.YMax) / 2},
		Width:  b.XMax - b.XMin,
		Height: b.YMax - b.YMin,
	}
}

// Annotation is the per-image annotation file of the labelling tool
type Annotation struct {
	FileName  string  `json:"file_name"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Points    []Point `json:"points"`
	BBoxes    []BBox  `json:"bboxes"`
	BoneLines [][]XY  `json:"bone_lines"`
}

// Export is the combined file holding every annotation of a directory
type Export struct {
	Images []Annotation `json:"images"`
}

// ParseAnnotation decodes a single annotation file
func ParseAnnotation(r io.Reader) (*Annotation, error) {
	a := &Annotation{}
	if err := json.NewDecoder(r).Decode(a); err != nil {
		return nil, fmt.Errorf("error decoding annotation: %w", err)
	}
	return a, nil
}

// ReadAnnotation loads the annotation file at path
func ReadAnnotation(path string) (*Annotation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening annotation file: %w", err)
	}
	defer f.Close()

	a, err := ParseAnnotation(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// ReadExport loads a combined export file
func ReadExport(path string) (*Export, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading export file: %w", err)
	}
	exp := &Export{}
	if err := json.Unmarshal(data, exp); err != nil {
		return nil, fmt.Errorf("error decoding export file %s: %w", path, err)
	}
	return exp, nil
}

// landmarkRole normalizes a point class the way the tool does: case is
// ignored and unknown classes fall back to CEJ
func landmarkRole(class string) models.Role {
	switch models.Role(strings.ToUpper(class)) {
	case models.Crest:
		return models.Crest
	case models.Apex:
		return models.Apex
	}
	return models.CEJ
}

// Input converts the annotation into analysis input for img.
//
// Parameters:
//   - img: The decoded radiograph the annotation belongs to
//   - syncRadius: Bone-line endpoints farther than this from every CREST
//     point become CREST landmarks themselves; 0 disables the sync
//
// Returns:
//   - The analysis input, and the region index of every kept box keyed
//     by its position in BBoxes
func (a *Annotation) Input(img *models.ImageRecord, syncRadius float64) (*models.Input, map[int]int) {
	in := &models.Input{Image: img}
	regionOf := make(map[int]int)

	for i, b := range a.BBoxes {
		if b.Label == LabelUnlabeled {
			continue
		}
		box := b.Oriented()
		region := models.Region{Class: models.Tooth, Box: &box, Confidence: 1}
		if class, ok := labelClasses[b.Label]; ok {
			region.Class = class
		} else {
			region.Label = b.Label
		}
		regionOf[i] = len(in.Regions)
		in.Regions = append(in.Regions, region)
	}

	for _, p := range a.Points {
		in.Landmarks = append(in.Landmarks, models.Landmark{Role: landmarkRole(p.Class), Point: orb.Point{p.X, p.Y}})
	}

	for _, line := range a.BoneLines {
		if len(line) < 2 {
			continue
		}
		ls := make(orb.LineString, len(line))
		for i, v := range line {
			ls[i] = orb.Point{v.X, v.Y}
		}
		in.Boundaries = append(in.Boundaries, models.Boundary{Points: ls, Scope: models.ScopeImage})
	}

	if syncRadius > 0 {
		in.Landmarks = append(in.Landmarks, syncCrests(in.Landmarks, in.Boundaries, syncRadius)...)
	}
	return in, regionOf
}

// syncCrests returns a CREST landmark for every bone-line endpoint with no
// CREST point within radius. Endpoints added earlier count as CREST points
// for the later ones.
func syncCrests(landmarks []models.Landmark, lines []models.Boundary, radius float64) []models.Landmark {
	var crests []orb.Point
	for _, l := range landmarks {
		if l.Role == models.Crest {
			crests = append(crests, l.Point)
		}
	}
	index := geometry.NewPointIndex(crests)

	var added []models.Landmark
	covered := func(p orb.Point) bool {
		if len(index.Within(p, radius)) > 0 {
			return true
		}
		for _, l := range added {
			dx, dy := l.Point[0]-p[0], l.Point[1]-p[1]
			if dx*dx+dy*dy <= radius*radius {
				return true
			}
		}
		return false
	}

	for _, line := range lines {
		for _, end := range []orb.Point{line.Points[0], line.Points[len(line.Points)-1]} {
			if !covered(end) {
				added = append(added, models.Landmark{Role: models.Crest, Point: end})
			}
		}
	}
	return added
}
