// Package geometry is the shared kernel of pure, stateless geometric
// operations on oriented boxes, polygons, polylines and masks. Every
// function is deterministic for identical inputs and safe for concurrent use.
package geometry

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"periometry/internal/models"
)

var (
	// ErrDegenerate reports zero-length axes, zero-area shapes and
	// point sets too small to measure
	ErrDegenerate = errors.New("degenerate geometry")

	// ErrSelfIntersecting reports a polyline that crosses itself
	ErrSelfIntersecting = errors.New("self-intersecting polyline")
)

const epsilon = 1e-9

// overlapSamples is the grid resolution per side used when neither
// polygon is convex and clipping cannot be applied
const overlapSamples = 256

// RegionOverlap returns the intersection area of a and b divided by the
// area of the smaller of the two. Rotated outlines are clipped exactly;
// no axis-aligned approximation is made. The result is in [0,1],
// symmetric in its arguments, and 1 for identical outlines.
func RegionOverlap(a, b orb.Ring) float64 {
	va, vb := vertices(a), vertices(b)
	if len(va) < 3 || len(vb) < 3 {
		return 0
	}

	areaA, areaB := math.Abs(signedArea(va)), math.Abs(signedArea(vb))
	if areaA < epsilon || areaB < epsilon {
		return 0
	}
	if sameVertices(va, vb) {
		return 1
	}

	// Fixed operand order keeps the floating point result symmetric
	if lessPolygon(vb, va) {
		va, vb = vb, va
		areaA, areaB = areaB, areaA
	}

	var inter float64
	switch {
	case isConvex(vb):
		inter = math.Abs(signedArea(clipConvex(va, vb)))
	case isConvex(va):
		inter = math.Abs(signedArea(clipConvex(vb, va)))
	default:
		inter = sampledIntersection(a, b)
	}

	frac := inter / math.Min(areaA, areaB)
	return math.Max(0, math.Min(1, frac))
}

// MaskOverlap returns the number of foreground pixels of m whose centres
// lie inside r, divided by the smaller of the foreground area and the area
// of r. Only foreground pixels count, never the mask's bounding rectangle.
// The result is in [0,1]; a malformed or empty mask yields 0.
func MaskOverlap(r orb.Ring, m *models.Mask, threshold float64) float64 {
	if m == nil || !m.WellFormed() || len(vertices(r)) < 3 {
		return 0
	}
	ringArea := PolygonArea(r)
	if ringArea < epsilon {
		return 0
	}

	ring := closed(r)
	bound := ring.Bound()
	w := m.Bounds.Dx()
	area, inside := 0, 0
	for i, v := range m.Data {
		if v < threshold {
			continue
		}
		area++
		p := orb.Point{float64(m.Bounds.Min.X+i%w) + 0.5, float64(m.Bounds.Min.Y+i/w) + 0.5}
		if bound.Contains(p) && planar.RingContains(ring, p) {
			inside++
		}
	}
	if area == 0 {
		return 0
	}
	return math.Max(0, math.Min(1, float64(inside)/math.Min(float64(area), ringArea)))
}

// PolygonArea returns the unsigned area of a ring
func PolygonArea(r orb.Ring) float64 {
	if len(r) < 3 {
		return 0
	}
	return planar.Area(closed(r))
}

// IsConvex reports whether the ring describes a convex polygon
func IsConvex(r orb.Ring) bool {
	return isConvex(vertices(r))
}

// Contains reports whether p lies inside the ring or within margin of its edges
func Contains(r orb.Ring, p orb.Point, margin float64) bool {
	if len(r) < 3 {
		return false
	}
	if planar.RingContains(closed(r), p) {
		return true
	}
	return margin > 0 && DistanceToRing(r, p) <= margin
}

// DistanceToRing returns the shortest distance from p to the edges of r
func DistanceToRing(r orb.Ring, p orb.Point) float64 {
	v := vertices(r)
	if len(v) == 0 {
		return math.Inf(1)
	}
	best := math.Inf(1)
	for i := range v {
		a, b := v[i], v[(i+1)%len(v)]
		best = math.Min(best, segmentDistance(p, a, b))
	}
	return best
}

// Centroid returns the vertex mean of the ring
func Centroid(r orb.Ring) orb.Point {
	v := vertices(r)
	if len(v) == 0 {
		return orb.Point{}
	}
	var sx, sy float64
	for _, p := range v {
		sx += p[0]
		sy += p[1]
	}
	return orb.Point{sx / float64(len(v)), sy / float64(len(v))}
}

// vertices returns the ring's vertices without the closing duplicate
func vertices(r orb.Ring) []orb.Point {
	n := len(r)
	if n > 1 && r[0] == r[n-1] {
		n--
	}
	return r[:n]
}

func closed(r orb.Ring) orb.Ring {
	if len(r) > 0 && r[0] != r[len(r)-1] {
		return append(append(orb.Ring(nil), r...), r[0])
	}
	return r
}

// signedArea is the shoelace area, positive for counter-clockwise
// vertices in a y-up frame
func signedArea(v []orb.Point) float64 {
	if len(v) < 3 {
		return 0
	}
	var sum float64
	for i := range v {
		j := (i + 1) % len(v)
		sum += v[i][0]*v[j][1] - v[j][0]*v[i][1]
	}
	return sum / 2
}

func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

func isConvex(v []orb.Point) bool {
	if len(v) < 3 {
		return false
	}
	sign := 0
	for i := range v {
		c := cross(v[i], v[(i+1)%len(v)], v[(i+2)%len(v)])
		switch {
		case c > epsilon:
			if sign < 0 {
				return false
			}
			sign = 1
		case c < -epsilon:
			if sign > 0 {
				return false
			}
			sign = -1
		}
	}
	return sign != 0
}

// clipConvex clips subject against the convex polygon clip
// (Sutherland–Hodgman) and returns the intersection polygon.
func clipConvex(subject, clip []orb.Point) []orb.Point {
	if signedArea(clip) < 0 {
		reversed := make([]orb.Point, len(clip))
		for i, p := range clip {
			reversed[len(clip)-1-i] = p
		}
		clip = reversed
	}

	output := append([]orb.Point(nil), subject...)
	for i := range clip {
		if len(output) == 0 {
			break
		}
		a, b := clip[i], clip[(i+1)%len(clip)]
		input := output
		output = make([]orb.Point, 0, len(input)+2)

		for j := range input {
			cur := input[j]
			prev := input[(j+len(input)-1)%len(input)]
			curIn := cross(a, b, cur) >= -epsilon
			prevIn := cross(a, b, prev) >= -epsilon

			if curIn {
				if !prevIn {
					output = append(output, lineIntersection(prev, cur, a, b))
				}
				output = append(output, cur)
			} else if prevIn {
				output = append(output, lineIntersection(prev, cur, a, b))
			}
		}
	}
	return output
}

// lineIntersection intersects segment pq with the infinite line ab
func lineIntersection(p, q, a, b orb.Point) orb.Point {
	d1x, d1y := q[0]-p[0], q[1]-p[1]
	d2x, d2y := b[0]-a[0], b[1]-a[1]
	den := d1x*d2y - d1y*d2x
	if math.Abs(den) < epsilon {
		return q
	}
	t := ((a[0]-p[0])*d2y - (a[1]-p[1])*d2x) / den
	return orb.Point{p[0] + t*d1x, p[1] + t*d1y}
}

func sampledIntersection(a, b orb.Ring) float64 {
	ba, bb := closed(a).Bound(), closed(b).Bound()
	if !ba.Intersects(bb) {
		return 0
	}
	minX, minY := math.Max(ba.Min[0], bb.Min[0]), math.Max(ba.Min[1], bb.Min[1])
	maxX, maxY := math.Min(ba.Max[0], bb.Max[0]), math.Min(ba.Max[1], bb.Max[1])
	dx, dy := (maxX-minX)/overlapSamples, (maxY-minY)/overlapSamples
	if dx <= 0 || dy <= 0 {
		return 0
	}

	ca, cb := closed(a), closed(b)
	count := 0
	for i := 0; i < overlapSamples; i++ {
		for j := 0; j < overlapSamples; j++ {
			p := orb.Point{minX + (float64(i)+0.5)*dx, minY + (float64(j)+0.5)*dy}
			if planar.RingContains(ca, p) && planar.RingContains(cb, p) {
				count++
			}
		}
	}
	return float64(count) * dx * dy
}

func sameVertices(a, b []orb.Point) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func lessPolygon(a, b []orb.Point) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	for i := range a {
		if a[i][0] != b[i][0] {
			return a[i][0] < b[i][0]
		}
		if a[i][1] != b[i][1] {
			return a[i][1] < b[i][1]
		}
	}
	return false
}

func segmentDistance(p, a, b orb.Point) float64 {
	dx, dy := b[0]-a[0], b[1]-a[1]
	lenSq := dx*dx + dy*dy
	if lenSq < epsilon {
		return math.Hypot(p[0]-a[0], p[1]-a[1])
	}
	t := ((p[0]-a[0])*dx + (p[1]-a[1])*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(p[0]-(a[0]+t*dx), p[1]-(a[1]+t*dy))
}
