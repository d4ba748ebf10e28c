package models

import (
	"image"
	"math"

	"github.com/paulmach/orb"
)

// Class tags a Region or Mask with the anatomical structure it covers
type Class string

const (
	Tooth        Class = "tooth"
	AlveolarBone Class = "alveolar-bone"
	PDLSpace     Class = "pdl-space"
	LaminaDura   Class = "lamina-dura"
)

// Classes lists every region class in report order
var Classes = []Class{Tooth, AlveolarBone, PDLSpace, LaminaDura}

// Valid reports whether c is one of the known classes
func (c Class) Valid() bool {
	for _, known := range Classes {
		if c == known {
			return true
		}
	}
	return false
}

// Role is the semantic role of a Landmark
type Role string

const (
	CEJ   Role = "CEJ"
	Apex  Role = "APEX"
	Crest Role = "CREST"
)

// Scope declares whether a crest Boundary was traced for a single tooth
// or for the whole image
type Scope string

const (
	ScopeTooth Scope = "tooth"
	ScopeImage Scope = "image"
)

// ImageRecord represents one periapical radiograph with its metadata.
// It is read-only once loaded.
type ImageRecord struct {
	// ID identifies the radiograph, usually its file name
	ID string

	// Width and Height are the dimensions of the pixel array
	Width  int
	Height int

	// Pixels holds grayscale intensities in row-major order
	Pixels []float64

	// MaxValue is the full-scale intensity of the acquisition (255, 4095, 65535...)
	MaxValue float64

	// PixelSpacing is the physical size of one pixel in mm, 0 when unknown
	PixelSpacing float64

	// Metadata carries optional acquisition attributes
	Metadata map[string]string
}

// At returns the intensity at (x, y), or 0 outside the image
func (im *ImageRecord) At(x, y int) float64 {
	if x < 0 || y < 0 || x >= im.Width || y >= im.Height {
		return 0
	}
	return im.Pixels[y*im.Width+x]
}

// Calibrated reports whether pixel distances can be converted to mm
func (im *ImageRecord) Calibrated() bool {
	return im.PixelSpacing > 0
}

// OrientedBox is a rectangle defined by its center, extents and rotation.
// Rotation is in degrees, positive clockwise in image coordinates (y down).
type OrientedBox struct {
	Center   orb.Point
	Width    float64
	Height   float64
	Rotation float64
}

// Corners returns the four corners of the box in image coordinates,
// starting at the local top-left and going around the box.
func (b OrientedBox) Corners() [4]orb.Point {
	rad := b.Rotation * math.Pi / 180
	cosA, sinA := math.Cos(rad), math.Sin(rad)
	hw, hh := b.Width/2, b.Height/2

	local := [4][2]float64{{-hw, -hh}, {hw, -hh}, {hw, hh}, {-hw, hh}}
	var corners [4]orb.Point
	for i, l := range local {
		corners[i] = orb.Point{
			b.Center[0] + l[0]*cosA - l[1]*sinA,
			b.Center[1] + l[0]*sinA + l[1]*cosA,
		}
	}
	return corners
}

// Region is an oriented detection produced by the external detector.
// Either Box or Polygon is set; Box wins when both are.
type Region struct {
	Class      Class
	Box        *OrientedBox
	Polygon    orb.Ring
	Confidence float64

	// Label is an optional tooth number or free-form tag from upstream
	Label string
}

// Outline returns the closed ring bounding the region
func (r Region) Outline() orb.Ring {
	if r.Box != nil {
		c := r.Box.Corners()
		return orb.Ring{c[0], c[1], c[2], c[3], c[0]}
	}
	if len(r.Polygon) == 0 {
		return nil
	}
	ring := append(orb.Ring(nil), r.Polygon...)
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return ring
}

// Mask is a binary or probability raster aligned to the image frame.
// Data covers Bounds only; everything outside Bounds reads as 0.
type Mask struct {
	Class      Class
	Bounds     image.Rectangle
	Data       []float64
	Confidence float64

	// Region optionally ties the mask to the Region it was segmented from
	Region *int
}

// At returns the mask value at image coordinates (x, y)
func (m *Mask) At(x, y int) float64 {
	p := image.Pt(x, y)
	if !p.In(m.Bounds) {
		return 0
	}
	return m.Data[(y-m.Bounds.Min.Y)*m.Bounds.Dx()+(x-m.Bounds.Min.X)]
}

// WellFormed reports whether Data holds exactly one value per pixel of Bounds
func (m *Mask) WellFormed() bool {
	return len(m.Data) == m.Bounds.Dx()*m.Bounds.Dy()
}

// Inside reports whether the mask value at (x, y) reaches threshold
func (m *Mask) Inside(x, y int, threshold float64) bool {
	return m.At(x, y) >= threshold
}

// Area counts the pixels at or above threshold
func (m *Mask) Area(threshold float64) int {
	n := 0
	for _, v := range m.Data {
		if v >= threshold {
			n++
		}
	}
	return n
}

// Extent returns the tight rectangle around the pixels at or above threshold.
// The rectangle is empty when no pixel qualifies.
func (m *Mask) Extent(threshold float64) image.Rectangle {
	var ext image.Rectangle
	w := m.Bounds.Dx()
	for i, v := range m.Data {
		if v < threshold {
			continue
		}
		x := m.Bounds.Min.X + i%w
		y := m.Bounds.Min.Y + i/w
		ext = ext.Union(image.Rect(x, y, x+1, y+1))
	}
	return ext
}

// Landmark is a single anatomical point
type Landmark struct {
	Role  Role
	Point orb.Point

	// Tooth optionally names the index of the tooth Region the point belongs to
	Tooth *int
}

// Boundary is a crest polyline traced upstream (the "bone lines" of the
// annotation tool)
type Boundary struct {
	Points orb.LineString
	Scope  Scope

	// Tooth optionally names the tooth Region index for tooth-scoped lines
	Tooth *int
}

// Input bundles everything the external detection/segmentation stage
// supplies for one image. Indices used by Mask.Region, Landmark.Tooth
// and Boundary.Tooth refer to positions in Regions.
type Input struct {
	Image      *ImageRecord
	Regions    []Region
	Masks      []Mask
	Landmarks  []Landmark
	Boundaries []Boundary
}

// Index returns a pointer to i, for optional index fields
func Index(i int) *int {
	return &i
}
