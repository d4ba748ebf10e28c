package geometry

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"gonum.org/v1/gonum/mat"
)

// Smoothness summarises how far a boundary deviates from a smooth
// reference curve fitted through it
type Smoothness struct {
	// RMS is the root-mean-square perpendicular deviation in pixels
	RMS float64

	// MaxDeviation is the largest perpendicular deviation in pixels
	MaxDeviation float64

	// Score is 1/(1+RMS): 1 for a perfectly smooth boundary, falling
	// towards 0 as the boundary gets rougher
	Score float64

	// Points is the number of boundary points used in the fit
	Points int

	// ArcLength is the length of the observed boundary
	ArcLength float64

	// MeanCurvature is the total absolute turning angle per unit length
	MeanCurvature float64
}

// CurveSmoothness fits a polynomial reference curve of the given degree
// to the polyline and scores the deviation of the observed points from it.
// The fit is done in the polyline's principal frame, so the score does not
// change when the whole image is translated or rotated.
func CurveSmoothness(line orb.LineString, degree int) (Smoothness, error) {
	points := dedupe(line)
	if degree < 1 {
		return Smoothness{}, fmt.Errorf("%w: degree %d", ErrDegenerate, degree)
	}
	if len(points) < degree+2 {
		return Smoothness{}, fmt.Errorf("%w: %d points for degree %d fit", ErrDegenerate, len(points), degree)
	}
	if SelfIntersects(points) {
		return Smoothness{}, ErrSelfIntersecting
	}

	origin, dir, err := principalDirection(points)
	if err != nil {
		return Smoothness{}, err
	}
	frame := Axis{Origin: origin, Direction: dir, Length: 1}

	u := make([]float64, len(points))
	w := make([]float64, len(points))
	scale := 0.0
	for i, p := range points {
		u[i], w[i] = frame.Project(p)
		scale = math.Max(scale, math.Abs(u[i]))
	}
	if scale < epsilon {
		return Smoothness{}, fmt.Errorf("%w: boundary has no extent", ErrDegenerate)
	}

	coeffs, err := fitPolynomial(u, w, degree, scale)
	if err != nil {
		return Smoothness{}, err
	}

	var sumSq, maxDev float64
	for i := range u {
		value, slope := evalPolynomial(coeffs, u[i], scale)
		d := math.Abs(w[i]-value) / math.Sqrt(1+slope*slope)
		sumSq += d * d
		maxDev = math.Max(maxDev, d)
	}
	rms := math.Sqrt(sumSq / float64(len(u)))

	return Smoothness{
		RMS:           rms,
		MaxDeviation:  maxDev,
		Score:         1 / (1 + rms),
		Points:        len(points),
		ArcLength:     ArcLength(points),
		MeanCurvature: MeanCurvature(points),
	}, nil
}

// fitPolynomial solves the least-squares Vandermonde system on u/scale
func fitPolynomial(u, w []float64, degree int, scale float64) ([]float64, error) {
	a := mat.NewDense(len(u), degree+1, nil)
	for i, x := range u {
		xs := x / scale
		term := 1.0
		for k := 0; k <= degree; k++ {
			a.Set(i, k, term)
			term *= xs
		}
	}

	var c mat.VecDense
	if err := c.SolveVec(a, mat.NewVecDense(len(w), w)); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("%w: reference curve fit: %v", ErrDegenerate, err)
		}
	}
	if c.Len() != degree+1 {
		return nil, fmt.Errorf("%w: reference curve fit produced no coefficients", ErrDegenerate)
	}
	return c.RawVector().Data, nil
}

// evalPolynomial returns the value and first derivative (in unscaled units)
func evalPolynomial(coeffs []float64, x, scale float64) (float64, float64) {
	xs := x / scale
	var value, slope float64
	for k := len(coeffs) - 1; k >= 0; k-- {
		value = value*xs + coeffs[k]
	}
	for k := len(coeffs) - 1; k >= 1; k-- {
		slope = slope*xs + float64(k)*coeffs[k]
	}
	return value, slope / scale
}

// ArcLength returns the length of the polyline
func ArcLength(line orb.LineString) float64 {
	return planar.Length(line)
}

// MeanCurvature returns the summed absolute turning angle divided by arc length
func MeanCurvature(line orb.LineString) float64 {
	length := ArcLength(line)
	if len(line) < 3 || length < epsilon {
		return 0
	}
	var turning float64
	for i := 1; i < len(line)-1; i++ {
		a1 := math.Atan2(line[i][1]-line[i-1][1], line[i][0]-line[i-1][0])
		a2 := math.Atan2(line[i+1][1]-line[i][1], line[i+1][0]-line[i][0])
		d := a2 - a1
		for d > math.Pi {
			d -= 2 * math.Pi
		}
		for d < -math.Pi {
			d += 2 * math.Pi
		}
		turning += math.Abs(d)
	}
	return turning / length
}

// SelfIntersects reports whether any two non-adjacent segments of the
// polyline cross or touch
func SelfIntersects(line orb.LineString) bool {
	n := len(line)
	for i := 0; i+1 < n; i++ {
		for j := i + 2; j+1 < n; j++ {
			if segmentsIntersect(line[i], line[i+1], line[j], line[j+1]) {
				return true
			}
		}
	}
	return false
}

// ClipToSpan keeps, in order, the points of line whose lateral offset
// from axis lies in [-halfSpan, halfSpan]
func ClipToSpan(line orb.LineString, axis Axis, halfSpan float64) orb.LineString {
	var clipped orb.LineString
	for _, p := range line {
		if _, s := axis.Project(p); math.Abs(s) <= halfSpan {
			clipped = append(clipped, p)
		}
	}
	return clipped
}

func dedupe(line orb.LineString) orb.LineString {
	var out orb.LineString
	for _, p := range line {
		if len(out) > 0 && math.Hypot(p[0]-out[len(out)-1][0], p[1]-out[len(out)-1][1]) < epsilon {
			continue
		}
		out = append(out, p)
	}
	return out
}

func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)

	if ((d1 > epsilon && d2 < -epsilon) || (d1 < -epsilon && d2 > epsilon)) &&
		((d3 > epsilon && d4 < -epsilon) || (d3 < -epsilon && d4 > epsilon)) {
		return true
	}
	return (math.Abs(d1) <= epsilon && onSegment(q1, q2, p1)) ||
		(math.Abs(d2) <= epsilon && onSegment(q1, q2, p2)) ||
		(math.Abs(d3) <= epsilon && onSegment(p1, p2, q1)) ||
		(math.Abs(d4) <= epsilon && onSegment(p1, p2, q2))
}

func onSegment(a, b, p orb.Point) bool {
	return p[0] >= math.Min(a[0], b[0])-epsilon && p[0] <= math.Max(a[0], b[0])+epsilon &&
		p[1] >= math.Min(a[1], b[1])-epsilon && p[1] <= math.Max(a[1], b[1])+epsilon
}
