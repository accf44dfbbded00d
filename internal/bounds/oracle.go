// Package bounds computes and caches world-space bounds of live cells and
// answers "which cells intersect this volume" against the space grid.
package bounds

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cellview/server/internal/cell"
	"github.com/cellview/server/internal/geom"
	"github.com/cellview/server/internal/space"
)

// ErrNotLive is returned when bounds are requested for a cell that is not
// attached to the live world. Callers must treat it as a programming error
// or, during revalidation, as a cell that just left the world.
var ErrNotLive = errors.New("world bounds of non-live cell")

// Intersects reports whether two world volumes overlap.
func Intersects(a, b geom.Volume) bool { return geom.Intersects(a, b) }

type entry struct {
	mu    sync.Mutex
	epoch uint64 // bumped on every invalidation
	valid bool
	world geom.Volume
}

// Visible is one result of a visibility query.
type Visible struct {
	ID               cell.ID
	Cell             *cell.Cell
	Bounds           geom.Volume
	TransformVersion uint64
	ContentVersion   uint64
}

// Oracle is scoped to a single world root. It is safe for concurrent use.
type Oracle struct {
	grid    *space.Grid
	entries sync.Map // cell.ID → *entry
	log     *zap.Logger
}

func NewOracle(grid *space.Grid, log *zap.Logger) *Oracle {
	return &Oracle{grid: grid, log: log}
}

func (o *Oracle) Grid() *space.Grid { return o.grid }

// Register starts tracking c. Called when c becomes live.
func (o *Oracle) Register(c *cell.Cell) {
	o.entries.LoadOrStore(c.ID(), &entry{})
}

// Deregister stops tracking c. Called when c stops being live.
func (o *Oracle) Deregister(c *cell.Cell) {
	o.entries.Delete(c.ID())
}

// Registered reports whether c is tracked.
func (o *Oracle) Registered(id cell.ID) bool {
	_, ok := o.entries.Load(id)
	return ok
}

// Invalidate drops the cached bounds of c and every live descendant. Must be
// called whenever c's transform or local bounds change.
func (o *Oracle) Invalidate(c *cell.Cell) {
	c.Walk(func(d *cell.Cell) bool {
		if !d.IsLive() {
			return false
		}
		if v, ok := o.entries.Load(d.ID()); ok {
			e := v.(*entry)
			e.mu.Lock()
			e.valid = false
			e.epoch++
			e.mu.Unlock()
		}
		return true
	})
}

// WorldBounds returns c's local bounds composed with its ancestors'
// transforms. It never returns a stale or default value: a non-live cell
// yields ErrNotLive.
func (o *Oracle) WorldBounds(c *cell.Cell) (geom.Volume, error) {
	v, ok := o.entries.Load(c.ID())
	if !ok || !c.IsLive() {
		return geom.Volume{}, fmt.Errorf("%s: %w", c.ID(), ErrNotLive)
	}
	e := v.(*entry)

	e.mu.Lock()
	if e.valid {
		w := e.world
		e.mu.Unlock()
		return w, nil
	}
	epoch := e.epoch
	e.mu.Unlock()

	w := c.LocalBounds().Transformed(c.WorldTransform())

	e.mu.Lock()
	// An invalidation that raced the computation wins; the next caller
	// recomputes.
	if e.epoch == epoch {
		e.world = w
		e.valid = true
	}
	e.mu.Unlock()
	return w, nil
}

// VisibleCells returns the live cells whose current world bounds intersect
// v, sorted by ID. With changedSince > 0 only regions and dynamic entries
// changed after changedSince-drift are considered.
func (o *Oracle) VisibleCells(v geom.Volume, changedSince, drift int64) []Visible {
	indexes := []*space.Index{o.grid.Oversized()}
	for _, s := range o.grid.SpacesNear(v) {
		indexes = append(indexes, s.Index())
	}

	seen := make(map[cell.ID]struct{})
	var out []Visible
	for _, ix := range indexes {
		for _, snap := range ix.GetChangedCells(v, changedSince, drift) {
			if _, dup := seen[snap.ID]; dup {
				continue
			}
			seen[snap.ID] = struct{}{}

			w, err := o.WorldBounds(snap.Cell)
			if err != nil {
				// Left the world after the index snapshot; the mutator is
				// about to remove the entry.
				o.log.Debug("skip candidate", zap.Stringer("cell", snap.ID), zap.Error(err))
				continue
			}
			if !Intersects(w, v) {
				continue
			}
			out = append(out, Visible{
				ID:               snap.ID,
				Cell:             snap.Cell,
				Bounds:           w,
				TransformVersion: snap.Cell.TransformVersion(),
				ContentVersion:   snap.Cell.ContentVersion(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
