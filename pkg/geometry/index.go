package geometry

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// IndexedPoint is a 2D point carrying the position it had in the caller's slice
type IndexedPoint struct {
	X, Y float64
	ID   int
}

// Compare implements the kdtree.Comparable interface
func (p IndexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(IndexedPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p IndexedPoint) Dims() int { return 2 }

// Distance returns the squared Euclidean distance between two points
func (p IndexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(IndexedPoint)
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx + dy*dy
}

// IndexedPoints is a collection of IndexedPoint that satisfies kdtree.Interface
type IndexedPoints []IndexedPoint

func (p IndexedPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p IndexedPoints) Len() int                              { return len(p) }
func (p IndexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method. Median of medians keeps
// the tree layout independent of any random source.
func (p IndexedPoints) Pivot(d kdtree.Dim) int {
	plane := pointPlane{IndexedPoints: p, Dim: d}
	return kdtree.Partition(plane, kdtree.MedianOfMedians(plane))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for IndexedPoints
type pointPlane struct {
	IndexedPoints
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.IndexedPoints[i].X < p.IndexedPoints[j].X
	case 1:
		return p.IndexedPoints[i].Y < p.IndexedPoints[j].Y
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{IndexedPoints: p.IndexedPoints[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.IndexedPoints[i], p.IndexedPoints[j] = p.IndexedPoints[j], p.IndexedPoints[i]
}

// PointIndex answers nearest-neighbour queries over a fixed set of points
type PointIndex struct {
	tree *kdtree.Tree
	size int
}

// NewPointIndex builds a KD-tree over points. IDs reported by queries are
// positions in points.
func NewPointIndex(points []orb.Point) *PointIndex {
	idx := &PointIndex{size: len(points)}
	if len(points) == 0 {
		return idx
	}
	data := make(IndexedPoints, len(points))
	for i, p := range points {
		data[i] = IndexedPoint{X: p[0], Y: p[1], ID: i}
	}
	idx.tree = kdtree.New(data, false)
	return idx
}

// Len returns the number of indexed points
func (idx *PointIndex) Len() int {
	return idx.size
}

// Nearest returns the ID of the point closest to p and its distance.
// Equidistant points resolve to the lowest ID. ok is false when the
// index is empty.
func (idx *PointIndex) Nearest(p orb.Point) (id int, dist float64, ok bool) {
	if idx.tree == nil {
		return 0, 0, false
	}
	q := IndexedPoint{X: p[0], Y: p[1]}
	best, d2 := idx.tree.Nearest(q)
	if best == nil {
		return 0, 0, false
	}

	keeper := kdtree.NewDistKeeper(d2 + epsilon)
	idx.tree.NearestSet(keeper, q)
	id = best.(IndexedPoint).ID
	for _, item := range keeper.Heap {
		if item.Comparable == nil {
			continue
		}
		if cand := item.Comparable.(IndexedPoint).ID; cand < id {
			id = cand
		}
	}
	return id, math.Sqrt(d2), true
}

// Within returns the IDs of every point no farther than radius from p,
// in ascending order
func (idx *PointIndex) Within(p orb.Point, radius float64) []int {
	if idx.tree == nil || radius < 0 {
		return nil
	}
	keeper := kdtree.NewDistKeeper(radius * radius)
	idx.tree.NearestSet(keeper, IndexedPoint{X: p[0], Y: p[1]})

	var ids []int
	for _, item := range keeper.Heap {
		if item.Comparable == nil {
			continue
		}
		ids = append(ids, item.Comparable.(IndexedPoint).ID)
	}
	sort.Ints(ids)
	return ids
}
