// Package cell holds the durable description of one world object: identity,
// local bounds and transform, parent/child links, liveness and versions.
//
// A Cell is shared by every avatar that can see it. Field access goes through
// a short-lived RWMutex; versions and liveness are atomics so the common
// "did it change?" check never takes a lock.
package cell

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cellview/server/internal/geom"
)

var (
	// ErrHasParent is returned when a cell that already has a parent is
	// attached a second time.
	ErrHasParent = errors.New("cell already has a parent")
	// ErrCycle is returned when attaching would make a cell its own ancestor.
	ErrCycle = errors.New("cell would become its own ancestor")
	// ErrNotChild is returned when detaching a cell from a parent it is not under.
	ErrNotChild = errors.New("cell is not a child of this parent")
	// ErrInvalidName is returned for a class or channel name the wire cannot
	// carry.
	ErrInvalidName = errors.New("invalid cell name")
)

// ID is a globally unique, monotonically allocated cell identity. Zero is
// never allocated.
type ID uint64

const InvalidID ID = 0

func (id ID) String() string { return fmt.Sprintf("cell#%d", uint64(id)) }

// Capabilities is the fixed set of optional behaviours a cell may carry.
type Capabilities uint8

const (
	// Movable cells change transform at runtime and are indexed as dynamic.
	Movable Capabilities = 1 << iota
	// Renderable cells have client-side presentation.
	Renderable
)

func (c Capabilities) Has(flag Capabilities) bool { return c&flag == flag }

// Desc is the immutable part of a cell plus its initial state.
type Desc struct {
	ClassName   string // client class to instantiate
	Channel     string // optional per-cell channel name
	Caps        Capabilities
	LocalBounds geom.Volume
	Transform   geom.Transform
	Setup       []byte // opaque client setup payload
}

// Validate rejects names containing NUL; the wire encodes strings
// NUL-terminated.
func (d Desc) Validate() error {
	if strings.IndexByte(d.ClassName, 0) >= 0 {
		return fmt.Errorf("class %q: %w", d.ClassName, ErrInvalidName)
	}
	if strings.IndexByte(d.Channel, 0) >= 0 {
		return fmt.Errorf("channel %q: %w", d.Channel, ErrInvalidName)
	}
	return nil
}

type Cell struct {
	id        ID
	className string
	channel   string
	caps      Capabilities

	mu          sync.RWMutex
	localBounds geom.Volume
	transform   geom.Transform
	setup       []byte
	parent      *Cell
	children    []*Cell

	live         atomic.Bool
	contentVer   atomic.Uint64
	transformVer atomic.Uint64
}

// New creates a detached, non-live cell. Both versions start at 1.
func New(id ID, d Desc) *Cell {
	c := &Cell{
		id:          id,
		className:   d.ClassName,
		channel:     d.Channel,
		caps:        d.Caps,
		localBounds: d.LocalBounds,
		transform:   d.Transform.Normalized(),
		setup:       cloneBytes(d.Setup),
	}
	c.contentVer.Store(1)
	c.transformVer.Store(1)
	return c
}

func (c *Cell) ID() ID                   { return c.id }
func (c *Cell) ClassName() string        { return c.className }
func (c *Cell) Channel() string          { return c.channel }
func (c *Cell) Caps() Capabilities       { return c.caps }
func (c *Cell) Movable() bool            { return c.caps.Has(Movable) }
func (c *Cell) IsLive() bool             { return c.live.Load() }
func (c *Cell) ContentVersion() uint64   { return c.contentVer.Load() }
func (c *Cell) TransformVersion() uint64 { return c.transformVer.Load() }

func (c *Cell) LocalBounds() geom.Volume {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localBounds
}

func (c *Cell) Transform() geom.Transform {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transform
}

// Setup returns a copy of the client setup payload.
func (c *Cell) Setup() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneBytes(c.setup)
}

func (c *Cell) Parent() *Cell {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.parent
}

// ParentID returns InvalidID for a cell without a parent.
func (c *Cell) ParentID() ID {
	if p := c.Parent(); p != nil {
		return p.id
	}
	return InvalidID
}

// Children returns a snapshot of the ordered child list.
func (c *Cell) Children() []*Cell {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Cell, len(c.children))
	copy(out, c.children)
	return out
}

// AttachChild appends child to c's children. A cell can have at most one
// parent and cannot become its own ancestor.
func (c *Cell) AttachChild(child *Cell) error {
	if child == c {
		return fmt.Errorf("attach %s to itself: %w", c.id, ErrCycle)
	}
	for a := c; a != nil; a = a.Parent() {
		if a == child {
			return fmt.Errorf("attach %s under %s: %w", child.id, c.id, ErrCycle)
		}
	}

	child.mu.Lock()
	if child.parent != nil {
		existing := child.parent.id
		child.mu.Unlock()
		return fmt.Errorf("attach %s under %s (parent %s): %w", child.id, c.id, existing, ErrHasParent)
	}
	child.parent = c
	child.mu.Unlock()

	c.mu.Lock()
	c.children = append(c.children, child)
	c.mu.Unlock()
	return nil
}

// DetachChild removes child from c's children and clears its parent link.
func (c *Cell) DetachChild(child *Cell) error {
	child.mu.Lock()
	if child.parent != c {
		child.mu.Unlock()
		return fmt.Errorf("detach %s from %s: %w", child.id, c.id, ErrNotChild)
	}
	child.parent = nil
	child.mu.Unlock()

	c.mu.Lock()
	for i, ch := range c.children {
		if ch == child {
			c.children = append(c.children[:i], c.children[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	return nil
}

// SetTransform replaces the local transform and returns the new transform
// version.
func (c *Cell) SetTransform(t geom.Transform) uint64 {
	c.mu.Lock()
	c.transform = t.Normalized()
	c.mu.Unlock()
	return c.transformVer.Add(1)
}

// SetSetup replaces the client setup payload and returns the new content
// version.
func (c *Cell) SetSetup(setup []byte) uint64 {
	c.mu.Lock()
	c.setup = cloneBytes(setup)
	c.mu.Unlock()
	return c.contentVer.Add(1)
}

// SetLocalBounds replaces the local bounds. Bounds are content, so the
// content version is bumped.
func (c *Cell) SetLocalBounds(v geom.Volume) uint64 {
	c.mu.Lock()
	c.localBounds = v
	c.mu.Unlock()
	return c.contentVer.Add(1)
}

// SetLive flips the liveness flag and reports whether it changed.
func (c *Cell) SetLive(live bool) bool {
	return c.live.Swap(live) != live
}

// WorldTransform composes the local transform with every ancestor's.
func (c *Cell) WorldTransform() geom.Transform {
	t := c.Transform()
	for p := c.Parent(); p != nil; p = p.Parent() {
		t = p.Transform().Mul(t)
	}
	return t
}

// Walk visits c and then its descendants depth first. Returning false from
// fn skips the subtree below that cell.
func (c *Cell) Walk(fn func(*Cell) bool) {
	if !fn(c) {
		return
	}
	for _, ch := range c.Children() {
		ch.Walk(fn)
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
