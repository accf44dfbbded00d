// Package master owns the world root, allocates cell identities, applies
// structural and transform changes to the live world, and builds the
// notifications that describe them.
package master

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cellview/server/internal/bounds"
	"github.com/cellview/server/internal/cell"
	"github.com/cellview/server/internal/geom"
	"github.com/cellview/server/internal/space"
)

// RootID is reserved for the world root.
const RootID cell.ID = 1

var (
	// ErrUnknownCell is returned for a cell not bound in this registry.
	ErrUnknownCell = errors.New("cell not registered")
	// ErrRoot is returned when an operation would detach or destroy the root.
	ErrRoot = errors.New("operation not allowed on the world root")
	// ErrDuplicateID is returned when restoring a cell whose id is taken.
	ErrDuplicateID = errors.New("cell id already bound")
)

// Config tunes a Registry.
type Config struct {
	RootClass string
	// Now supplies change timestamps in milliseconds. Defaults to wall clock.
	Now func() int64
}

type placement struct {
	mu        sync.Mutex
	spaces    []*space.Space
	oversized bool
}

// Registry is the explicit world service handed to every caller. It is
// safe for concurrent use: structural changes serialize on a tree lock,
// transform and content changes only lock the placements they touch.
type Registry struct {
	nextID atomic.Uint64
	root   *cell.Cell
	cells  sync.Map // cell.ID → *cell.Cell

	oracle *bounds.Oracle
	grid   *space.Grid
	now    func() int64

	treeMu     sync.Mutex
	placements sync.Map // cell.ID → *placement

	dirty   sync.Map // cell.ID → struct{}
	deleted sync.Map // cell.ID → struct{}

	log *zap.Logger
}

func NewRegistry(cfg Config, oracle *bounds.Oracle, log *zap.Logger) *Registry {
	if cfg.Now == nil {
		cfg.Now = func() int64 { return time.Now().UnixMilli() }
	}
	if cfg.RootClass == "" {
		cfg.RootClass = "world.Root"
	}
	r := &Registry{
		oracle: oracle,
		grid:   oracle.Grid(),
		now:    cfg.Now,
		log:    log,
	}
	r.nextID.Store(uint64(RootID))
	r.root = cell.New(RootID, cell.Desc{
		ClassName:   cfg.RootClass,
		LocalBounds: geom.Unbounded(),
		Transform:   geom.Identity(),
	})
	r.root.SetLive(true)
	r.cells.Store(RootID, r.root)
	oracle.Register(r.root)
	return r
}

func (r *Registry) Root() *cell.Cell       { return r.root }
func (r *Registry) Oracle() *bounds.Oracle { return r.oracle }
func (r *Registry) Grid() *space.Grid      { return r.grid }
func (r *Registry) Now() int64             { return r.now() }

// AllocateCellID returns the next identity. Identities are never reused.
func (r *Registry) AllocateCellID() cell.ID {
	return cell.ID(r.nextID.Add(1))
}

// SeedIDs makes sure future identities are above max. Used after loading
// persisted cells.
func (r *Registry) SeedIDs(max cell.ID) {
	for {
		cur := r.nextID.Load()
		if uint64(max) <= cur || r.nextID.CompareAndSwap(cur, uint64(max)) {
			return
		}
	}
}

// Create allocates an identity and binds a new detached cell to it.
func (r *Registry) Create(d cell.Desc) (*cell.Cell, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	c := cell.New(r.AllocateCellID(), d)
	r.cells.Store(c.ID(), c)
	r.markDirty(c.ID())
	return c, nil
}

// Restore binds a persisted cell under its original identity.
func (r *Registry) Restore(id cell.ID, d cell.Desc) (*cell.Cell, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("restore %s: %w", id, err)
	}
	c := cell.New(id, d)
	if _, loaded := r.cells.LoadOrStore(id, c); loaded {
		return nil, fmt.Errorf("restore %s: %w", id, ErrDuplicateID)
	}
	r.SeedIDs(id)
	return c, nil
}

// Lookup is the durable cell lookup: ok is false once the cell has been
// destroyed.
func (r *Registry) Lookup(id cell.ID) (*cell.Cell, bool) {
	v, ok := r.cells.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*cell.Cell), true
}

// Count returns the number of bound cells including the root.
func (r *Registry) Count() int {
	n := 0
	r.cells.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// AddChild attaches child under parent. If parent is live, child and all
// of its descendants become live and are indexed.
func (r *Registry) AddChild(parent, child *cell.Cell) error {
	if err := r.bound(parent); err != nil {
		return err
	}
	if err := r.bound(child); err != nil {
		return err
	}

	r.treeMu.Lock()
	defer r.treeMu.Unlock()
	if err := parent.AttachChild(child); err != nil {
		return err
	}
	r.markDirty(child.ID())
	if parent.IsLive() {
		r.makeLive(child, r.now())
	}
	return nil
}

// Detach removes c from its parent. The cell stays bound (Lookup still
// finds it) but it and its descendants stop being live.
func (r *Registry) Detach(c *cell.Cell) error {
	if c == r.root {
		return fmt.Errorf("detach: %w", ErrRoot)
	}
	r.treeMu.Lock()
	defer r.treeMu.Unlock()
	return r.detachLocked(c)
}

func (r *Registry) detachLocked(c *cell.Cell) error {
	p := c.Parent()
	if p == nil {
		return nil
	}
	if err := p.DetachChild(c); err != nil {
		return err
	}
	r.makeNonLive(c, r.now())
	r.markDirty(c.ID())
	return nil
}

// Destroy detaches c and unbinds it and every descendant.
func (r *Registry) Destroy(c *cell.Cell) error {
	if c == r.root {
		return fmt.Errorf("destroy: %w", ErrRoot)
	}
	r.treeMu.Lock()
	defer r.treeMu.Unlock()
	if err := r.detachLocked(c); err != nil {
		return err
	}
	c.Walk(func(d *cell.Cell) bool {
		r.cells.Delete(d.ID())
		r.dirty.Delete(d.ID())
		r.deleted.Store(d.ID(), struct{}{})
		return true
	})
	return nil
}

// Move sets c's local transform and re-indexes c and its live descendants.
// A transform that puts c's origin outside the world is rejected.
func (r *Registry) Move(c *cell.Cell, t geom.Transform) error {
	if err := r.bound(c); err != nil {
		return err
	}
	wt := t
	if p := c.Parent(); p != nil {
		wt = p.WorldTransform().Mul(t)
	}
	if !r.grid.InWorld(wt.Translation) {
		return fmt.Errorf("move %s: %w", c.ID(), space.ErrOutOfWorld)
	}
	c.SetTransform(t)
	r.markDirty(c.ID())
	if !c.IsLive() {
		return nil
	}
	ts := r.now()
	r.oracle.Invalidate(c)
	c.Walk(func(d *cell.Cell) bool {
		if !d.IsLive() {
			return false
		}
		r.place(d, ts)
		return true
	})
	return nil
}

// UpdateContent replaces c's setup payload.
func (r *Registry) UpdateContent(c *cell.Cell, setup []byte) error {
	if err := r.bound(c); err != nil {
		return err
	}
	c.SetSetup(setup)
	r.markDirty(c.ID())
	if !c.IsLive() {
		return nil
	}
	r.notifyContent(c, r.now())
	return nil
}

// Resize replaces c's local bounds. Bounds are content; membership is
// recomputed because the world bounds change.
func (r *Registry) Resize(c *cell.Cell, local geom.Volume) error {
	if err := r.bound(c); err != nil {
		return err
	}
	c.SetLocalBounds(local)
	r.markDirty(c.ID())
	if !c.IsLive() {
		return nil
	}
	ts := r.now()
	r.oracle.Invalidate(c)
	r.place(c, ts)
	r.notifyContent(c, ts)
	return nil
}

// DrainChanges returns the cells changed and the ids destroyed since the
// previous call.
func (r *Registry) DrainChanges() (changed []*cell.Cell, destroyed []cell.ID) {
	r.dirty.Range(func(k, _ any) bool {
		id := k.(cell.ID)
		r.dirty.Delete(id)
		if c, ok := r.Lookup(id); ok {
			changed = append(changed, c)
		}
		return true
	})
	r.deleted.Range(func(k, _ any) bool {
		id := k.(cell.ID)
		r.deleted.Delete(id)
		destroyed = append(destroyed, id)
		return true
	})
	return changed, destroyed
}

// Requeue puts changes returned by DrainChanges back, for a caller that
// failed to persist them. Cells destroyed since are not resurrected.
func (r *Registry) Requeue(changed []*cell.Cell, destroyed []cell.ID) {
	for _, c := range changed {
		if _, ok := r.Lookup(c.ID()); ok {
			r.markDirty(c.ID())
		}
	}
	for _, id := range destroyed {
		r.deleted.Store(id, struct{}{})
	}
}

func (r *Registry) bound(c *cell.Cell) error {
	v, ok := r.cells.Load(c.ID())
	if !ok || v.(*cell.Cell) != c {
		return fmt.Errorf("%s: %w", c.ID(), ErrUnknownCell)
	}
	return nil
}

func (r *Registry) markDirty(id cell.ID) {
	if id == RootID {
		return
	}
	r.dirty.Store(id, struct{}{})
}

func (r *Registry) makeLive(c *cell.Cell, ts int64) {
	c.Walk(func(d *cell.Cell) bool {
		if d.SetLive(true) {
			r.oracle.Register(d)
			r.place(d, ts)
		}
		return true
	})
}

func (r *Registry) makeNonLive(c *cell.Cell, ts int64) {
	c.Walk(func(d *cell.Cell) bool {
		if d.SetLive(false) {
			r.unplace(d, ts)
			r.oracle.Deregister(d)
		}
		return true
	})
}

func (r *Registry) placementOf(id cell.ID) *placement {
	v, _ := r.placements.LoadOrStore(id, &placement{})
	return v.(*placement)
}

// place indexes c in the spaces its current world bounds overlap, removing
// it from spaces it left. Bounds are read under the placement lock, so the
// last of two concurrent moves indexes the later transform.
func (r *Registry) place(c *cell.Cell, ts int64) {
	p := r.placementOf(c.ID())
	p.mu.Lock()
	defer p.mu.Unlock()
	if !c.IsLive() {
		// Lost a race with makeNonLive, which already cleaned up.
		r.placements.CompareAndDelete(c.ID(), p)
		return
	}

	w, err := r.oracle.WorldBounds(c)
	if err != nil {
		r.log.Error("place non-live cell", zap.Stringer("cell", c.ID()), zap.Error(err))
		return
	}
	spaces, fits := r.grid.SpacesFor(w)

	if !fits {
		for _, s := range p.spaces {
			s.Index().RemoveCell(c.ID(), ts)
		}
		p.spaces = nil
		if p.oversized {
			r.grid.Oversized().NotifyTransformChanged(c, w, ts)
		} else {
			r.grid.Oversized().AddCell(c, w, ts)
			p.oversized = true
		}
		return
	}

	if p.oversized {
		r.grid.Oversized().RemoveCell(c.ID(), ts)
		p.oversized = false
	}
	keep := make(map[*space.Space]bool, len(spaces))
	for _, s := range spaces {
		keep[s] = true
	}
	old := make(map[*space.Space]bool, len(p.spaces))
	for _, s := range p.spaces {
		old[s] = true
		if !keep[s] {
			s.Index().RemoveCell(c.ID(), ts)
		}
	}
	for _, s := range spaces {
		if old[s] {
			s.Index().NotifyTransformChanged(c, w, ts)
		} else {
			s.Index().AddCell(c, w, ts)
		}
	}
	p.spaces = spaces
}

func (r *Registry) unplace(c *cell.Cell, ts int64) {
	v, ok := r.placements.LoadAndDelete(c.ID())
	if !ok {
		return
	}
	p := v.(*placement)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.spaces {
		s.Index().NotifyDetached(c.ID(), ts)
	}
	if p.oversized {
		r.grid.Oversized().NotifyDetached(c.ID(), ts)
	}
	p.spaces = nil
	p.oversized = false
}

func (r *Registry) notifyContent(c *cell.Cell, ts int64) {
	w, err := r.oracle.WorldBounds(c)
	if err != nil {
		r.log.Error("content change on non-live cell", zap.Stringer("cell", c.ID()), zap.Error(err))
		return
	}
	v, ok := r.placements.Load(c.ID())
	if !ok {
		return
	}
	p := v.(*placement)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.spaces {
		s.Index().NotifyContentChanged(c, w, ts)
	}
	if p.oversized {
		r.grid.Oversized().NotifyContentChanged(c, w, ts)
	}
}
