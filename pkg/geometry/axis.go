package geometry

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"periometry/internal/models"
)

// Axis is a directed line segment through a tooth. Positions along the
// axis (t) and across it (s) are measured from Origin in pixels.
type Axis struct {
	// Origin is the center of the axis
	Origin orb.Point

	// Direction is the unit vector along the axis
	Direction orb.Point

	// Length is the extent along Direction, centered on Origin
	Length float64

	// Width is the extent across Direction, centered on Origin
	Width float64
}

// Valid reports whether the axis has a usable direction and length
func (a Axis) Valid() bool {
	n := math.Hypot(a.Direction[0], a.Direction[1])
	return a.Length > epsilon && math.Abs(n-1) < 1e-6
}

// Normal returns the unit vector perpendicular to the axis
func (a Axis) Normal() orb.Point {
	return orb.Point{-a.Direction[1], a.Direction[0]}
}

// PointAt maps axis coordinates (t along, s across) to image coordinates
func (a Axis) PointAt(t, s float64) orb.Point {
	n := a.Normal()
	return orb.Point{
		a.Origin[0] + t*a.Direction[0] + s*n[0],
		a.Origin[1] + t*a.Direction[1] + s*n[1],
	}
}

// Project maps an image point to axis coordinates (t along, s across)
func (a Axis) Project(p orb.Point) (t, s float64) {
	dx, dy := p[0]-a.Origin[0], p[1]-a.Origin[1]
	n := a.Normal()
	return dx*a.Direction[0] + dy*a.Direction[1], dx*n[0] + dy*n[1]
}

// Toward returns the axis flipped, if needed, so that p projects to a
// non-negative position
func (a Axis) Toward(p orb.Point) Axis {
	if t, _ := a.Project(p); t < 0 {
		a.Direction = orb.Point{-a.Direction[0], -a.Direction[1]}
	}
	return a
}

// AxisDistance returns the signed distance from a to b projected onto the axis.
// The axis is the tooth's own long axis, not the image vertical.
func AxisDistance(a, b orb.Point, axis Axis) float64 {
	return (b[0]-a[0])*axis.Direction[0] + (b[1]-a[1])*axis.Direction[1]
}

// LongAxis returns the axis along the longer side of an oriented box
func LongAxis(b models.OrientedBox) Axis {
	rad := b.Rotation * math.Pi / 180
	cosA, sinA := math.Cos(rad), math.Sin(rad)

	if b.Height >= b.Width {
		return Axis{
			Origin:    b.Center,
			Direction: orb.Point{-sinA, cosA},
			Length:    b.Height,
			Width:     b.Width,
		}
	}
	return Axis{
		Origin:    b.Center,
		Direction: orb.Point{cosA, sinA},
		Length:    b.Width,
		Width:     b.Height,
	}
}

// RegionAxis returns the long axis of a region. Boxes use their major side;
// polygons use the first principal component of their vertices.
func RegionAxis(r models.Region) (Axis, error) {
	if r.Box != nil {
		axis := LongAxis(*r.Box)
		if !axis.Valid() || axis.Width <= 0 {
			return Axis{}, fmt.Errorf("%w: box %gx%g", ErrDegenerate, r.Box.Width, r.Box.Height)
		}
		return axis, nil
	}

	v := vertices(r.Polygon)
	if len(v) < 3 || math.Abs(signedArea(v)) < epsilon {
		return Axis{}, fmt.Errorf("%w: polygon with %d vertices", ErrDegenerate, len(v))
	}

	origin, dir, err := principalDirection(v)
	if err != nil {
		return Axis{}, err
	}
	axis := Axis{Origin: origin, Direction: dir}

	minT, maxT := math.Inf(1), math.Inf(-1)
	minS, maxS := math.Inf(1), math.Inf(-1)
	for _, p := range v {
		t, s := axis.Project(p)
		minT, maxT = math.Min(minT, t), math.Max(maxT, t)
		minS, maxS = math.Min(minS, s), math.Max(maxS, s)
	}
	axis.Origin = axis.PointAt((minT+maxT)/2, (minS+maxS)/2)
	axis.Length = maxT - minT
	axis.Width = maxS - minS
	return axis, nil
}

// principalDirection returns the mean of the points and the unit vector
// of their first principal component
func principalDirection(points []orb.Point) (orb.Point, orb.Point, error) {
	data := mat.NewDense(len(points), 2, nil)
	var mx, my float64
	for i, p := range points {
		data.Set(i, 0, p[0])
		data.Set(i, 1, p[1])
		mx += p[0]
		my += p[1]
	}
	mean := orb.Point{mx / float64(len(points)), my / float64(len(points))}

	var pc stat.PC
	if ok := pc.PrincipalComponents(data, nil); !ok {
		return orb.Point{}, orb.Point{}, fmt.Errorf("%w: principal components failed", ErrDegenerate)
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)

	dir := orb.Point{vecs.At(0, 0), vecs.At(1, 0)}
	n := math.Hypot(dir[0], dir[1])
	if n < epsilon {
		return orb.Point{}, orb.Point{}, fmt.Errorf("%w: zero principal direction", ErrDegenerate)
	}
	return mean, orb.Point{dir[0] / n, dir[1] / n}, nil
}
