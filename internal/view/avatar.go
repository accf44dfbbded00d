package view

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cellview/server/internal/cell"
	"github.com/cellview/server/internal/geom"
)

// State is an avatar's position in its lifecycle.
type State int32

const (
	StateCreated State = iota
	StateLoggedIn
	StateActive
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateLoggedIn:
		return "LoggedIn"
	case StateActive:
		return "Active"
	case StateLoggedOut:
		return "LoggedOut"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Identity names an avatar to collaborators.
type Identity struct {
	SessionID uint64
	Name      string
	CellID    cell.ID // the avatar's own cell
}

// tracked is what the client has been told about one cell.
type tracked struct {
	transformVer uint64
	contentVer   uint64
	parent       cell.ID
}

// Avatar is the per-viewer cache of what its client believes exists. The
// tracked set is only changed by a revalidation pass (and cleared by
// logout).
type Avatar struct {
	id   Identity
	body *cell.Cell

	ctx    context.Context
	cancel context.CancelFunc

	passMu sync.Mutex // one pass at a time

	mu        sync.Mutex
	state     State
	transform geom.Transform
	tracked   map[cell.ID]tracked
	watermark int64  // start time of the last committed pass
	moveSeq   uint64 // bumped by every proximity change
	fullSeq   uint64 // moveSeq covered by the last full pass
	retry     bool   // the last pass faulted; the next one is full
}

func newAvatar(id Identity, body *cell.Cell, at geom.Transform) *Avatar {
	ctx, cancel := context.WithCancel(context.Background())
	return &Avatar{
		id:        id,
		body:      body,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateCreated,
		transform: at.Normalized(),
		tracked:   make(map[cell.ID]tracked),
		moveSeq:   1,
	}
}

func (a *Avatar) Identity() Identity { return a.id }

// Body is the avatar's own cell.
func (a *Avatar) Body() *cell.Cell { return a.body }

// Context is cancelled on logout; scheduled passes use it.
func (a *Avatar) Context() context.Context { return a.ctx }

func (a *Avatar) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Avatar) Transform() geom.Transform {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transform
}

// NeedsFull reports whether the avatar moved since its last full pass, or
// its last pass faulted.
func (a *Avatar) NeedsFull() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.moveSeq != a.fullSeq || a.retry
}

// Watermark is the start time of the last committed pass, 0 before the
// first one.
func (a *Avatar) Watermark() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watermark
}

// Tracked returns the sorted ids the client currently believes exist.
func (a *Avatar) Tracked() []cell.ID {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]cell.ID, 0, len(a.tracked))
	for id := range a.tracked {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (a *Avatar) IsTracking(id cell.ID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.tracked[id]
	return ok
}

func (a *Avatar) login(root *cell.Cell) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = StateLoggedIn
	a.tracked[root.ID()] = tracked{
		transformVer: root.TransformVersion(),
		contentVer:   root.ContentVersion(),
	}
}

// logout cancels scheduled work and clears the tracked set in one step.
func (a *Avatar) logout() {
	a.cancel()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = StateLoggedOut
	a.tracked = nil
}

func (a *Avatar) moved(t geom.Transform) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transform = t.Normalized()
	a.moveSeq++
}
