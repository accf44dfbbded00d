package system

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cellview/server/internal/cell"
	"github.com/cellview/server/internal/core/event"
	coresys "github.com/cellview/server/internal/core/system"
	"github.com/cellview/server/internal/view"
)

// EventDispatchSystem delivers the previous tick's events. Phase 1
// (PreUpdate).
type EventDispatchSystem struct {
	bus *event.Bus
}

func NewEventDispatchSystem(bus *event.Bus) *EventDispatchSystem {
	return &EventDispatchSystem{bus: bus}
}

func (s *EventDispatchSystem) Phase() coresys.Phase { return coresys.PhasePreUpdate }

func (s *EventDispatchSystem) Update(_ time.Duration) {
	s.bus.SwapBuffers()
	s.bus.DispatchAll()
}

// BridgeViewEvents forwards the view manager's hooks onto the bus.
func BridgeViewEvents(views *view.Manager, bus *event.Bus) {
	views.OnTrackedChange(func(ch view.TrackedChange) {
		if ch.Entered {
			event.Emit(bus, event.CellEntered{SessionID: ch.Avatar.SessionID, Avatar: ch.Avatar.CellID, Cell: ch.Cell})
		} else {
			event.Emit(bus, event.CellExited{SessionID: ch.Avatar.SessionID, Avatar: ch.Avatar.CellID, Cell: ch.Cell})
		}
	})
	views.OnLogout(func(id view.Identity) {
		event.Emit(bus, event.AvatarLeft{SessionID: id.SessionID, Avatar: id.CellID})
	})
}

// Audience counts, per cell, the avatars currently tracking it. It lags
// the view caches by one tick.
type Audience struct {
	mu       sync.RWMutex
	viewers  map[cell.ID]int
	watching map[uint64]map[cell.ID]struct{} // session → cells
	log      *zap.Logger
}

// NewAudience subscribes a new Audience to bus.
func NewAudience(bus *event.Bus, log *zap.Logger) *Audience {
	a := &Audience{
		viewers:  make(map[cell.ID]int),
		watching: make(map[uint64]map[cell.ID]struct{}),
		log:      log,
	}
	event.Subscribe(bus, a.entered)
	event.Subscribe(bus, a.exited)
	event.Subscribe(bus, a.left)
	return a
}

// Viewers returns how many avatars track id.
func (a *Audience) Viewers(id cell.ID) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.viewers[id]
}

// Watched returns how many distinct cells are tracked by anyone.
func (a *Audience) Watched() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.viewers)
}

func (a *Audience) entered(e event.CellEntered) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set := a.watching[e.SessionID]
	if set == nil {
		set = make(map[cell.ID]struct{})
		a.watching[e.SessionID] = set
	}
	if _, ok := set[e.Cell]; ok {
		return
	}
	set[e.Cell] = struct{}{}
	a.viewers[e.Cell]++
}

func (a *Audience) exited(e event.CellExited) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set := a.watching[e.SessionID]
	if _, ok := set[e.Cell]; !ok {
		return
	}
	delete(set, e.Cell)
	a.release(e.Cell)
}

func (a *Audience) left(e event.AvatarLeft) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.watching[e.SessionID] {
		a.release(id)
	}
	delete(a.watching, e.SessionID)
	a.log.Debug("audience released avatar", zap.Uint64("session", e.SessionID))
}

func (a *Audience) release(id cell.ID) {
	if a.viewers[id] <= 1 {
		delete(a.viewers, id)
		return
	}
	a.viewers[id]--
}
