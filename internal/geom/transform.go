package geom

import "github.com/go-gl/mathgl/mgl64"

// Transform places a frame relative to its parent: scale, then rotate, then
// translate. Composition is exact for uniform scale.
type Transform struct {
	Translation mgl64.Vec3
	Rotation    mgl64.Quat
	Scale       mgl64.Vec3
}

func Identity() Transform {
	return Transform{
		Rotation: mgl64.QuatIdent(),
		Scale:    mgl64.Vec3{1, 1, 1},
	}
}

// Translate returns an unrotated, unscaled transform at (x, y, z).
func Translate(x, y, z float64) Transform {
	t := Identity()
	t.Translation = mgl64.Vec3{x, y, z}
	return t
}

// IsZero reports whether t is the zero value (not a valid transform).
func (t Transform) IsZero() bool {
	return t == Transform{}
}

// Normalized replaces a zero value with Identity.
func (t Transform) Normalized() Transform {
	if t.IsZero() {
		return Identity()
	}
	if t.Scale == (mgl64.Vec3{}) {
		t.Scale = mgl64.Vec3{1, 1, 1}
	}
	if t.Rotation == (mgl64.Quat{}) {
		t.Rotation = mgl64.QuatIdent()
	}
	return t
}

// Apply maps a point from the local frame into the parent frame.
func (t Transform) Apply(p mgl64.Vec3) mgl64.Vec3 {
	scaled := mgl64.Vec3{p[0] * t.Scale[0], p[1] * t.Scale[1], p[2] * t.Scale[2]}
	return t.Rotation.Rotate(scaled).Add(t.Translation)
}

// Mul composes t (outer) with child (inner): the result maps child-local
// points straight into t's parent frame.
func (t Transform) Mul(child Transform) Transform {
	return Transform{
		Translation: t.Apply(child.Translation),
		Rotation:    t.Rotation.Mul(child.Rotation).Normalize(),
		Scale: mgl64.Vec3{
			t.Scale[0] * child.Scale[0],
			t.Scale[1] * child.Scale[1],
			t.Scale[2] * child.Scale[2],
		},
	}
}

// Mat4 returns the homogeneous matrix form.
func (t Transform) Mat4() mgl64.Mat4 {
	return mgl64.Translate3D(t.Translation[0], t.Translation[1], t.Translation[2]).
		Mul4(t.Rotation.Mat4()).
		Mul4(mgl64.Scale3D(t.Scale[0], t.Scale[1], t.Scale[2]))
}

func (t Transform) ApproxEqual(o Transform) bool {
	return t.Translation.ApproxEqual(o.Translation) &&
		t.Rotation.ApproxEqual(o.Rotation) &&
		t.Scale.ApproxEqual(o.Scale)
}

// maxScale is the largest absolute scale component, used to grow spheres.
func (t Transform) maxScale() float64 {
	m := 0.0
	for _, s := range t.Scale {
		if s < 0 {
			s = -s
		}
		if s > m {
			m = s
		}
	}
	return m
}
