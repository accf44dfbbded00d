package space

import (
	"sort"
	"sync"

	"github.com/cellview/server/internal/cell"
	"github.com/cellview/server/internal/geom"
)

// UpdateKind is a bit set of pending changes on a dynamic entry.
type UpdateKind uint8

const (
	TransformChanged UpdateKind = 1 << iota
	ContentChanged
)

func (k UpdateKind) Has(flag UpdateKind) bool { return k&flag == flag }

// Snapshot is the index's view of one cell at its last notification.
type Snapshot struct {
	ID               cell.ID
	Cell             *cell.Cell
	Transform        geom.Transform
	TransformVersion uint64
	Bounds           geom.Volume // world bounds when last notified
	Timestamp        int64
	Pending          UpdateKind // dynamic entries only
	Static           bool
}

// Index is the per-Space bookkeeping of live cells. Immovable cells go to the
// static list, movable cells to the dynamic list. Only the cell whose
// membership is changing mutates an index; revalidation only reads it.
type Index struct {
	mu      sync.RWMutex
	static  map[cell.ID]*Snapshot
	dynamic map[cell.ID]*Snapshot
	changed int64 // max timestamp over every add/remove/mutate
}

func NewIndex() *Index {
	return &Index{
		static:  make(map[cell.ID]*Snapshot),
		dynamic: make(map[cell.ID]*Snapshot),
	}
}

// Changed returns the aggregate change timestamp.
func (ix *Index) Changed() int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.changed
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.static) + len(ix.dynamic)
}

func (ix *Index) Contains(id cell.ID) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, s := ix.static[id]
	_, d := ix.dynamic[id]
	return s || d
}

// AddCell records c with its current world bounds. Adding a cell already in
// the index refreshes its entry.
func (ix *Index) AddCell(c *cell.Cell, bounds geom.Volume, ts int64) {
	snap := &Snapshot{
		ID:               c.ID(),
		Cell:             c,
		Transform:        c.Transform(),
		TransformVersion: c.TransformVersion(),
		Bounds:           bounds,
		Timestamp:        ts,
		Static:           !c.Movable(),
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	list := ix.listFor(c)
	if prev, ok := list[snap.ID]; ok && prev.Timestamp > ts {
		snap.Timestamp = prev.Timestamp
	}
	list[snap.ID] = snap
	ix.touch(ts)
}

// RemoveCell drops the entry for id and reports whether it was present.
func (ix *Index) RemoveCell(id cell.ID, ts int64) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	_, s := ix.static[id]
	_, d := ix.dynamic[id]
	if !s && !d {
		return false
	}
	delete(ix.static, id)
	delete(ix.dynamic, id)
	ix.touch(ts)
	return true
}

// NotifyDetached records that the cell left the live world.
func (ix *Index) NotifyDetached(id cell.ID, ts int64) bool {
	return ix.RemoveCell(id, ts)
}

// NotifyTransformChanged refreshes the cached transform and bounds of c.
func (ix *Index) NotifyTransformChanged(c *cell.Cell, bounds geom.Volume, ts int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.listFor(c)[c.ID()]
	if !ok {
		return
	}
	e.Transform = c.Transform()
	e.TransformVersion = c.TransformVersion()
	e.Bounds = bounds
	ix.bump(e, TransformChanged, ts)
}

// NotifyContentChanged marks c's content as changed at ts.
func (ix *Index) NotifyContentChanged(c *cell.Cell, bounds geom.Volume, ts int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.listFor(c)[c.ID()]
	if !ok {
		return
	}
	e.Bounds = bounds
	ix.bump(e, ContentChanged, ts)
}

// ClearPending resets pending update kinds on dynamic entries last touched
// before olderThan and returns how many entries are still pending.
func (ix *Index) ClearPending(olderThan int64) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	left := 0
	for _, e := range ix.dynamic {
		if e.Timestamp < olderThan {
			e.Pending = 0
		}
		if e.Pending != 0 {
			left++
		}
	}
	return left
}

// GetChangedCells returns the entries whose cached bounds intersect bounds.
//
// With changedSince > 0 the whole index is skipped in O(1) when its
// aggregate timestamp is not newer than changedSince-drift, and dynamic
// entries at or below that threshold are skipped individually. Static
// entries are always bounds-tested once the index is scanned.
func (ix *Index) GetChangedCells(bounds geom.Volume, changedSince, drift int64) []Snapshot {
	threshold := changedSince - drift

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if changedSince > 0 && ix.changed <= threshold {
		return nil
	}

	var out []Snapshot
	for _, e := range ix.static {
		if geom.Intersects(bounds, e.Bounds) {
			out = append(out, *e)
		}
	}
	for _, e := range ix.dynamic {
		if changedSince > 0 && e.Timestamp <= threshold {
			continue
		}
		if geom.Intersects(bounds, e.Bounds) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (ix *Index) listFor(c *cell.Cell) map[cell.ID]*Snapshot {
	if c.Movable() {
		return ix.dynamic
	}
	return ix.static
}

func (ix *Index) bump(e *Snapshot, kind UpdateKind, ts int64) {
	if !e.Static {
		e.Pending |= kind
	}
	if ts > e.Timestamp {
		e.Timestamp = ts
	}
	ix.touch(ts)
}

func (ix *Index) touch(ts int64) {
	if ts > ix.changed {
		ix.changed = ts
	}
}
