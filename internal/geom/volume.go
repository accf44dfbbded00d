package geom

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Kind selects the shape of a Volume.
type Kind uint8

const (
	KindBox Kind = iota + 1
	KindSphere
)

func (k Kind) String() string {
	switch k {
	case KindBox:
		return "box"
	case KindSphere:
		return "sphere"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// unboundedExtent is large enough to cover any world while keeping corner
// arithmetic finite under rotation.
const unboundedExtent = 1e12

// Volume is an axis-aligned box or a sphere.
type Volume struct {
	Kind   Kind
	Center mgl64.Vec3
	Extent mgl64.Vec3 // box half extents
	Radius float64    // sphere radius
}

func Box(center, extent mgl64.Vec3) Volume {
	return Volume{Kind: KindBox, Center: center, Extent: extent}
}

func Sphere(center mgl64.Vec3, radius float64) Volume {
	return Volume{Kind: KindSphere, Center: center, Radius: radius}
}

// Unbounded covers the whole world. Used for the world root.
func Unbounded() Volume {
	return Box(mgl64.Vec3{}, mgl64.Vec3{unboundedExtent, unboundedExtent, unboundedExtent})
}

func (v Volume) String() string {
	if v.Kind == KindSphere {
		return fmt.Sprintf("sphere(c=%v r=%g)", v.Center, v.Radius)
	}
	return fmt.Sprintf("box(c=%v e=%v)", v.Center, v.Extent)
}

// Min returns the lower corner of the axis-aligned bounding box.
func (v Volume) Min() mgl64.Vec3 {
	if v.Kind == KindSphere {
		r := v.Radius
		return v.Center.Sub(mgl64.Vec3{r, r, r})
	}
	return v.Center.Sub(v.Extent)
}

// Max returns the upper corner of the axis-aligned bounding box.
func (v Volume) Max() mgl64.Vec3 {
	if v.Kind == KindSphere {
		r := v.Radius
		return v.Center.Add(mgl64.Vec3{r, r, r})
	}
	return v.Center.Add(v.Extent)
}

// Contains reports whether p lies inside or on the surface of v.
func (v Volume) Contains(p mgl64.Vec3) bool {
	if v.Kind == KindSphere {
		d := p.Sub(v.Center)
		return d.Dot(d) <= v.Radius*v.Radius
	}
	lo, hi := v.Min(), v.Max()
	for i := 0; i < 3; i++ {
		if p[i] < lo[i] || p[i] > hi[i] {
			return false
		}
	}
	return true
}

// Transformed maps a local-frame volume through t. Boxes stay axis-aligned:
// the result is the AABB of the eight transformed corners.
func (v Volume) Transformed(t Transform) Volume {
	if v.Kind == KindSphere {
		return Sphere(t.Apply(v.Center), v.Radius*t.maxScale())
	}
	lo := mgl64.Vec3{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := mgl64.Vec3{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for i := 0; i < 8; i++ {
		corner := v.Center
		for axis := 0; axis < 3; axis++ {
			if i&(1<<axis) != 0 {
				corner[axis] += v.Extent[axis]
			} else {
				corner[axis] -= v.Extent[axis]
			}
		}
		p := t.Apply(corner)
		for axis := 0; axis < 3; axis++ {
			lo[axis] = math.Min(lo[axis], p[axis])
			hi[axis] = math.Max(hi[axis], p[axis])
		}
	}
	return Box(lo.Add(hi).Mul(0.5), hi.Sub(lo).Mul(0.5))
}

// Intersects reports whether a and b overlap. Touching counts as overlap.
func Intersects(a, b Volume) bool {
	switch {
	case a.Kind == KindSphere && b.Kind == KindSphere:
		d := a.Center.Sub(b.Center)
		r := a.Radius + b.Radius
		return d.Dot(d) <= r*r
	case a.Kind == KindSphere:
		return boxSphere(b, a)
	case b.Kind == KindSphere:
		return boxSphere(a, b)
	default:
		amin, amax := a.Min(), a.Max()
		bmin, bmax := b.Min(), b.Max()
		for i := 0; i < 3; i++ {
			if amax[i] < bmin[i] || bmax[i] < amin[i] {
				return false
			}
		}
		return true
	}
}

func boxSphere(box, sphere Volume) bool {
	lo, hi := box.Min(), box.Max()
	var d2 float64
	for i := 0; i < 3; i++ {
		c := sphere.Center[i]
		switch {
		case c < lo[i]:
			d2 += (lo[i] - c) * (lo[i] - c)
		case c > hi[i]:
			d2 += (c - hi[i]) * (c - hi[i])
		}
	}
	return d2 <= sphere.Radius*sphere.Radius
}

// MaxQuantized bounds Quantize's result in both directions.
const MaxQuantized = 1 << 53

// Quantize maps a world coordinate onto an integer grid of the given cell
// size, rounding toward negative infinity. Plain truncation would put -0.5
// and +0.5 into the same cell. Results saturate at ±MaxQuantized; NaN maps
// to 0.
func Quantize(v, size float64) int64 {
	q := math.Floor(v / size)
	switch {
	case math.IsNaN(q):
		return 0
	case q >= MaxQuantized:
		return MaxQuantized
	case q <= -MaxQuantized:
		return -MaxQuantized
	}
	return int64(q)
}
