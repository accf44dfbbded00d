package space

import (
	"math"
	"sync"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cellview/server/internal/geom"
)

func newTestGrid() *Grid {
	return NewGrid(Config{HalfWidth: 25}, zap.NewNop())
}

func resolve(t *testing.T, g *Grid, p mgl64.Vec3) *Space {
	t.Helper()
	s, err := g.Resolve(p)
	assert.NoError(t, err)
	return s
}

func TestResolveContainsPointAndIsStable(t *testing.T) {
	g := newTestGrid()
	points := []mgl64.Vec3{
		{0, 0, 0},
		{25, 25, 25}, // exactly S from every boundary
		{49.999, 0, 0},
		{50, 0, 0},
		{-0.001, 0, 0},
		{-50, -50, -50},
		{-75.5, 12, 130},
	}
	for _, p := range points {
		s := resolve(t, g, p)
		require.True(t, s.Bounds().Contains(p), "space %s must contain %v", s.Name(), p)
		assert.Same(t, s, resolve(t, g, p), "repeated resolve of %v", p)
	}
}

func TestResolveNegativeCoordinates(t *testing.T) {
	g := newTestGrid()
	s := resolve(t, g, mgl64.Vec3{-1, -1, -1})
	assert.Equal(t, Coord{X: -1, Y: -1, Z: -1}, s.Coord())
	assert.Equal(t, "space_-1_-1_-1", s.Name())
	assert.True(t, s.Bounds().Center.ApproxEqual(mgl64.Vec3{-25, -25, -25}))

	pos := resolve(t, g, mgl64.Vec3{1, 1, 1})
	assert.NotSame(t, s, pos)
}

func TestSpaceExtentOverlapsNeighbours(t *testing.T) {
	g := newTestGrid()
	s := resolve(t, g, mgl64.Vec3{10, 10, 10})
	assert.InDelta(t, 25*(1+DefaultOverlap), s.Bounds().Extent[0], 1e-9)
	// A point just across the boundary still lies inside the overlap.
	assert.True(t, s.Bounds().Contains(mgl64.Vec3{50.001, 10, 10}))
}

func TestNeighbourLinksAreSymmetric(t *testing.T) {
	g := newTestGrid()
	for x := -2; x <= 2; x++ {
		for z := -2; z <= 2; z++ {
			resolve(t, g, mgl64.Vec3{float64(x)*50 + 1, 1, float64(z)*50 + 1})
		}
	}
	// A space in another vertical layer is never a planar neighbour.
	resolve(t, g, mgl64.Vec3{1, 51, 1})

	center, ok := g.Lookup(Coord{})
	require.True(t, ok)
	assert.Len(t, center.Neighbors(), 8)

	g.spaces.Range(func(_, v any) bool {
		a := v.(*Space)
		for _, b := range a.Neighbors() {
			assert.Contains(t, b.Neighbors(), a, "%s lists %s but not the reverse", a.Name(), b.Name())
			assert.Equal(t, a.Coord().Y, b.Coord().Y)
		}
		return true
	})

	corner, _ := g.Lookup(Coord{X: 2, Z: 2})
	assert.Len(t, corner.Neighbors(), 3)
}

func TestConcurrentResolveBindsOneSpace(t *testing.T) {
	g := newTestGrid()
	const racers = 32

	var wg sync.WaitGroup
	got := make([]*Space, racers)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got[i] = resolve(t, g, mgl64.Vec3{1, 2, 3})
		}(i)
	}
	close(start)
	wg.Wait()

	for _, s := range got {
		assert.Same(t, got[0], s)
	}
	assert.Equal(t, 1, g.Count())
}

func TestConcurrentNeighbourCreationStaysSymmetric(t *testing.T) {
	g := newTestGrid()
	var wg sync.WaitGroup
	for x := 0; x < 4; x++ {
		for z := 0; z < 4; z++ {
			wg.Add(1)
			go func(x, z int) {
				defer wg.Done()
				resolve(t, g, mgl64.Vec3{float64(x)*50 + 5, 5, float64(z)*50 + 5})
			}(x, z)
		}
	}
	wg.Wait()

	inner, ok := g.Lookup(Coord{X: 1, Z: 1})
	require.True(t, ok)
	assert.Len(t, inner.Neighbors(), 8)
	g.spaces.Range(func(_, v any) bool {
		a := v.(*Space)
		for _, b := range a.Neighbors() {
			assert.Contains(t, b.Neighbors(), a)
		}
		return true
	})
}

func TestSpacesForSpanAndOversized(t *testing.T) {
	g := NewGrid(Config{HalfWidth: 25, MaxSpan: 2}, zap.NewNop())

	small, ok := g.SpacesFor(geom.Sphere(mgl64.Vec3{10, 10, 10}, 1))
	require.True(t, ok)
	assert.Len(t, small, 1)

	straddle, ok := g.SpacesFor(geom.Sphere(mgl64.Vec3{50, 10, 10}, 1))
	require.True(t, ok)
	assert.Len(t, straddle, 2)

	_, ok = g.SpacesFor(geom.Box(mgl64.Vec3{}, mgl64.Vec3{100, 1, 1}))
	assert.False(t, ok)
}

func TestSpacesNear(t *testing.T) {
	g := newTestGrid()
	// Populate the 3x3 layer around the origin plus one above it.
	for x := -1; x <= 1; x++ {
		for z := -1; z <= 1; z++ {
			resolve(t, g, mgl64.Vec3{float64(x)*50 + 1, 1, float64(z)*50 + 1})
		}
	}
	above := resolve(t, g, mgl64.Vec3{1, 51, 1})

	// Fits in one layer: owner plus the neighbours it touches.
	near := g.SpacesNear(geom.Sphere(mgl64.Vec3{25, 25, 25}, 10))
	assert.Len(t, near, 1)

	edge := g.SpacesNear(geom.Sphere(mgl64.Vec3{45, 25, 25}, 10))
	assert.Len(t, edge, 2)

	// Crosses layers: falls back to coordinate lookups.
	tall := g.SpacesNear(geom.Sphere(mgl64.Vec3{25, 45, 25}, 10))
	assert.Contains(t, tall, above)

	// The origin straddles eight coordinates; empty ones are not created.
	empty := newTestGrid()
	got := empty.SpacesNear(geom.Sphere(mgl64.Vec3{}, 25))
	assert.Len(t, got, 1)
	assert.Equal(t, 1, empty.Count(), "only the owner may be created")
}

func TestResolveRejectsPointsOutsideWorld(t *testing.T) {
	g := newTestGrid()
	for _, p := range []mgl64.Vec3{
		{1e12, 0, 0},
		{0, -1e300, 0},
		{0, 0, math.Inf(1)},
		{math.NaN(), 0, 0},
	} {
		_, err := g.Resolve(p)
		assert.ErrorIs(t, err, ErrOutOfWorld, "resolve %v", p)
	}
	assert.Zero(t, g.Count())

	// The outermost point inside the world still resolves to a space that
	// contains it.
	edge := mgl64.Vec3{g.Extent(), -g.Extent(), 0}
	s := resolve(t, g, edge)
	require.NotNil(t, s)
	assert.True(t, s.Bounds().Contains(edge))
}

func TestExtentIsConfigurable(t *testing.T) {
	g := NewGrid(Config{HalfWidth: 25, Extent: 1000}, zap.NewNop())
	assert.Equal(t, 1000.0, g.Extent())
	assert.True(t, g.InWorld(mgl64.Vec3{1000, -1000, 0}))
	assert.False(t, g.InWorld(mgl64.Vec3{1000.5, 0, 0}))

	huge := NewGrid(Config{HalfWidth: 25, Extent: 1e300}, zap.NewNop())
	assert.Equal(t, 50.0*maxCoord, huge.Extent())
}

func TestExtremeVolumesStayBounded(t *testing.T) {
	g := newTestGrid()

	// A volume ending past the old int32 coordinate range must not be
	// iterated.
	_, ok := g.SpacesFor(geom.Sphere(mgl64.Vec3{2147483647*50 + 25, 0, 0}, 1))
	assert.False(t, ok)
	_, ok = g.SpacesFor(geom.Box(mgl64.Vec3{}, mgl64.Vec3{1e15, 1e15, 1e15}))
	assert.False(t, ok)
	assert.Zero(t, g.Count())

	resolve(t, g, mgl64.Vec3{1, 1, 1})
	near := g.SpacesNear(geom.Box(mgl64.Vec3{}, mgl64.Vec3{1e15, 1e15, 1e15}))
	assert.Len(t, near, 1, "scans the existing spaces instead of every coordinate")

	far := g.SpacesNear(geom.Sphere(mgl64.Vec3{1e12, 0, 0}, 10))
	assert.Empty(t, far)
	assert.Equal(t, 1, g.Count(), "nothing is created outside the world")
}
