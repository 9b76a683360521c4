package octree

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Box is an axis-aligned bounding box. Min is component-wise <= Max.
type Box struct {
	Min mgl64.Vec3 `json:"min"`
	Max mgl64.Vec3 `json:"max"`
}

// NewBox builds a box from two opposite corners in any order.
func NewBox(a, b mgl64.Vec3) Box {
	return Box{
		Min: mgl64.Vec3{math.Min(a[0], b[0]), math.Min(a[1], b[1]), math.Min(a[2], b[2])},
		Max: mgl64.Vec3{math.Max(a[0], b[0]), math.Max(a[1], b[1]), math.Max(a[2], b[2])},
	}
}

// Around returns the cube of half-size r centred on c.
func Around(c mgl64.Vec3, r float64) Box {
	d := mgl64.Vec3{r, r, r}
	return Box{Min: c.Sub(d), Max: c.Add(d)}
}

// BlockBox is the unit box of the voxel at (x,y,z).
func BlockBox(x, y, z int) Box {
	min := mgl64.Vec3{float64(x), float64(y), float64(z)}
	return Box{Min: min, Max: min.Add(mgl64.Vec3{1, 1, 1})}
}

// Overlaps reports whether the interiors of b and o intersect. Boxes that only
// share a face do not overlap.
func (b Box) Overlaps(o Box) bool {
	return b.Min[0] < o.Max[0] && b.Max[0] > o.Min[0] &&
		b.Min[1] < o.Max[1] && b.Max[1] > o.Min[1] &&
		b.Min[2] < o.Max[2] && b.Max[2] > o.Min[2]
}

// Contains reports whether o lies entirely inside b (faces may touch).
func (b Box) Contains(o Box) bool {
	return o.Min[0] >= b.Min[0] && o.Max[0] <= b.Max[0] &&
		o.Min[1] >= b.Min[1] && o.Max[1] <= b.Max[1] &&
		o.Min[2] >= b.Min[2] && o.Max[2] <= b.Max[2]
}

func (b Box) Center() mgl64.Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

// octant returns child i of b split at its centre. Bit 2 of i selects the
// upper x half, bit 1 y, bit 0 z.
func (b Box) octant(i int) Box {
	c := b.Center()
	var out Box
	for axis, bit := range [3]int{4, 2, 1} {
		if i&bit == 0 {
			out.Min[axis], out.Max[axis] = b.Min[axis], c[axis]
		} else {
			out.Min[axis], out.Max[axis] = c[axis], b.Max[axis]
		}
	}
	return out
}
