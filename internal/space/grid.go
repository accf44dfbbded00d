// Package space partitions the world into fixed-size, slightly overlapping
// regions ("spaces") and keeps a per-space index of the live cells inside.
//
// Grid coordinate (x, y, z) owns the region [2S·x, 2S·(x+1)) on each axis,
// where S is the configured half width. Spaces are created on first use and
// never destroyed. Only points inside the configured world extent resolve.
package space

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/cellview/server/internal/geom"
)

// DefaultOverlap is the fraction by which each space's half extent grows
// so that neighbours overlap and no point falls into a gap.
const DefaultOverlap = 0.0001

// ErrOutOfWorld is returned for points outside the grid's world extent.
var ErrOutOfWorld = errors.New("outside the world extent")

// maxCoord bounds grid coordinates on every axis, so span and neighbour
// arithmetic stays well inside int32.
const maxCoord = 1 << 30

// Coord is an integer grid coordinate.
type Coord struct {
	X, Y, Z int32
}

// Name is the deterministic binding name of the space at c.
func (c Coord) Name() string {
	return fmt.Sprintf("space_%d_%d_%d", c.X, c.Y, c.Z)
}

// planarOffsets are the eight horizontal (x/z) neighbours.
var planarOffsets = [8][2]int32{
	{-1, -1}, {-1, 0}, {-1, 1},
	{0, -1}, {0, 1},
	{1, -1}, {1, 0}, {1, 1},
}

// Space is one partition region.
type Space struct {
	coord  Coord
	name   string
	bounds geom.Volume
	index  *Index

	mu        sync.RWMutex
	neighbors []*Space
}

func (s *Space) Coord() Coord        { return s.coord }
func (s *Space) Name() string        { return s.name }
func (s *Space) Bounds() geom.Volume { return s.bounds }
func (s *Space) Index() *Index       { return s.index }

// Neighbors returns the adjacent spaces currently linked to s.
func (s *Space) Neighbors() []*Space {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Space, len(s.neighbors))
	copy(out, s.neighbors)
	return out
}

func (s *Space) addNeighbor(n *Space) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.neighbors {
		if existing == n {
			return
		}
	}
	s.neighbors = append(s.neighbors, n)
}

// Config tunes a Grid.
type Config struct {
	HalfWidth float64 // S; regions are 2S wide
	Overlap   float64 // ε; 0 means DefaultOverlap
	MaxSpan   int32   // cells spanning more grid coords per axis go to the oversized index
	// Extent is the world's half size on every axis, centred on the origin.
	// 0, or anything past what maxCoord allows, means the largest extent.
	Extent float64
}

// Grid resolves points to spaces. Safe for concurrent use; at most one
// Space is ever bound per coordinate.
type Grid struct {
	halfWidth float64
	overlap   float64
	maxSpan   int32
	extent    float64

	spaces    sync.Map // Coord → *Space
	oversized *Index
	count     atomic.Int64

	log *zap.Logger
}

func NewGrid(cfg Config, log *zap.Logger) *Grid {
	if cfg.Overlap <= 0 {
		cfg.Overlap = DefaultOverlap
	}
	if cfg.MaxSpan <= 0 {
		cfg.MaxSpan = 4
	}
	if limit := 2 * cfg.HalfWidth * maxCoord; cfg.Extent <= 0 || cfg.Extent > limit {
		cfg.Extent = limit
	}
	return &Grid{
		halfWidth: cfg.HalfWidth,
		overlap:   cfg.Overlap,
		maxSpan:   cfg.MaxSpan,
		extent:    cfg.Extent,
		oversized: NewIndex(),
		log:       log,
	}
}

func (g *Grid) HalfWidth() float64 { return g.halfWidth }

// Count returns the number of spaces created so far.
func (g *Grid) Count() int { return int(g.count.Load()) }

// Oversized is the index of cells too large to bucket; every query scans it.
func (g *Grid) Oversized() *Index { return g.oversized }

// Extent is the world's half size per axis.
func (g *Grid) Extent() float64 { return g.extent }

// InWorld reports whether p lies inside the world extent. NaN never does.
func (g *Grid) InWorld(p mgl64.Vec3) bool {
	for _, v := range p {
		if !(v >= -g.extent && v <= g.extent) {
			return false
		}
	}
	return true
}

// VolumeInWorld reports whether all of v lies inside the world extent.
func (g *Grid) VolumeInWorld(v geom.Volume) bool {
	return g.InWorld(v.Min()) && g.InWorld(v.Max())
}

// CoordOf quantizes a world point. Points outside the world are clamped to
// the outermost coordinates.
func (g *Grid) CoordOf(p mgl64.Vec3) Coord {
	return Coord{X: g.axis(p[0]), Y: g.axis(p[1]), Z: g.axis(p[2])}
}

func (g *Grid) axis(v float64) int32 {
	q := geom.Quantize(v, 2*g.halfWidth)
	switch {
	case q > maxCoord:
		q = maxCoord
	case q < -maxCoord:
		q = -maxCoord
	}
	return int32(q)
}

// Lookup returns the space at c without creating it.
func (g *Grid) Lookup(c Coord) (*Space, bool) {
	v, ok := g.spaces.Load(c)
	if !ok {
		return nil, false
	}
	return v.(*Space), true
}

// Resolve returns the space owning p, creating and linking it on first use.
// The space always contains p.
func (g *Grid) Resolve(p mgl64.Vec3) (*Space, error) {
	if !g.InWorld(p) {
		return nil, fmt.Errorf("resolve %v: %w", p, ErrOutOfWorld)
	}
	return g.resolveCoord(g.CoordOf(p)), nil
}

func (g *Grid) resolveCoord(c Coord) *Space {
	if s, ok := g.Lookup(c); ok {
		return s
	}

	fresh := g.newSpace(c)
	actual, loaded := g.spaces.LoadOrStore(c, fresh)
	if loaded {
		// Lost the race; the winner is already published.
		return actual.(*Space)
	}
	g.count.Add(1)

	for _, off := range planarOffsets {
		n, ok := g.Lookup(Coord{X: c.X + off[0], Y: c.Y, Z: c.Z + off[1]})
		if !ok {
			continue
		}
		fresh.addNeighbor(n)
		n.addNeighbor(fresh)
	}
	g.log.Debug("space created", zap.String("space", fresh.name), zap.Int("neighbors", len(fresh.Neighbors())))
	return fresh
}

func (g *Grid) newSpace(c Coord) *Space {
	s := g.halfWidth
	center := mgl64.Vec3{
		2*s*float64(c.X) + s,
		2*s*float64(c.Y) + s,
		2*s*float64(c.Z) + s,
	}
	he := s * (1 + g.overlap)
	return &Space{
		coord:  c,
		name:   c.Name(),
		bounds: geom.Box(center, mgl64.Vec3{he, he, he}),
		index:  NewIndex(),
	}
}

// span returns the inclusive coordinate range covered by v, clamped to
// the world.
func (g *Grid) span(v geom.Volume) (lo, hi Coord) {
	return g.CoordOf(v.Min()), g.CoordOf(v.Max())
}

// spanCount is the number of coordinates in [lo, hi], as a float so that
// huge spans cannot overflow.
func spanCount(lo, hi Coord) float64 {
	return float64(int64(hi.X)-int64(lo.X)+1) *
		float64(int64(hi.Y)-int64(lo.Y)+1) *
		float64(int64(hi.Z)-int64(lo.Z)+1)
}

// SpacesFor returns the spaces a cell with world bounds v must be indexed
// in, creating them as needed. ok is false when v leaves the world or spans
// more than MaxSpan coordinates on some axis; such cells belong in
// Oversized.
func (g *Grid) SpacesFor(v geom.Volume) (spaces []*Space, ok bool) {
	if !g.VolumeInWorld(v) {
		return nil, false
	}
	lo, hi := g.span(v)
	limit := int64(g.maxSpan)
	if int64(hi.X)-int64(lo.X) >= limit || int64(hi.Y)-int64(lo.Y) >= limit || int64(hi.Z)-int64(lo.Z) >= limit {
		return nil, false
	}
	for x := lo.X; x <= hi.X; x++ {
		for y := lo.Y; y <= hi.Y; y++ {
			for z := lo.Z; z <= hi.Z; z++ {
				spaces = append(spaces, g.resolveCoord(Coord{X: x, Y: y, Z: z}))
			}
		}
	}
	return spaces, true
}

// SpacesNear returns the existing spaces whose regions intersect v. The
// space owning v's center is resolved (and so created) when the center is
// inside the world; the rest are looked up only, since a space that does
// not exist holds no cells.
//
// When v stays within the owner's vertical layer and is no wider than one
// region, the owner's neighbour links cover every candidate. When v covers
// more coordinates than there are spaces, the spaces are scanned instead.
func (g *Grid) SpacesNear(v geom.Volume) []*Space {
	lo, hi := g.span(v)

	var out []*Space
	c := Coord{X: math.MinInt32}
	if g.InWorld(v.Center) {
		owner := g.resolveCoord(g.CoordOf(v.Center))
		c = owner.coord
		out = append(out, owner)
		if lo.Y == c.Y && hi.Y == c.Y && hi.X-lo.X <= 1 && hi.Z-lo.Z <= 1 {
			for _, n := range owner.Neighbors() {
				if geom.Intersects(n.bounds, v) {
					out = append(out, n)
				}
			}
			return out
		}
	}

	if spanCount(lo, hi) > float64(g.Count()) {
		g.spaces.Range(func(_, val any) bool {
			s := val.(*Space)
			if s.coord != c && geom.Intersects(s.bounds, v) {
				out = append(out, s)
			}
			return true
		})
		return out
	}

	for x := lo.X; x <= hi.X; x++ {
		for y := lo.Y; y <= hi.Y; y++ {
			for z := lo.Z; z <= hi.Z; z++ {
				k := Coord{X: x, Y: y, Z: z}
				if k == c {
					continue
				}
				if s, ok := g.Lookup(k); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

// ClearPending resets pending update kinds older than olderThan in every
// space. Returns the number of entries left pending; a cell indexed in
// several spaces counts once per space.
func (g *Grid) ClearPending(olderThan int64) int {
	left := g.oversized.ClearPending(olderThan)
	g.spaces.Range(func(_, v any) bool {
		left += v.(*Space).index.ClearPending(olderThan)
		return true
	})
	return left
}
