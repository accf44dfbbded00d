package system

import (
	"time"

	"go.uber.org/zap"

	coresys "github.com/cellview/server/internal/core/system"
	"github.com/cellview/server/internal/handler"
	"github.com/cellview/server/internal/net"
	"github.com/cellview/server/internal/net/packet"
)

// InputSystem drains packet queues from all sessions and dispatches them
// through the packet registry. Phase 0 (Input).
type InputSystem struct {
	netServer  *net.Server
	registry   *packet.Registry
	hub        *net.Hub
	deps       *handler.Deps
	maxPerTick int
	log        *zap.Logger
}

func NewInputSystem(netServer *net.Server, registry *packet.Registry, hub *net.Hub, deps *handler.Deps, maxPerTick int, log *zap.Logger) *InputSystem {
	return &InputSystem{
		netServer:  netServer,
		registry:   registry,
		hub:        hub,
		deps:       deps,
		maxPerTick: maxPerTick,
		log:        log,
	}
}

func (s *InputSystem) Phase() coresys.Phase { return coresys.PhaseInput }

func (s *InputSystem) Update(_ time.Duration) {
	// Accept new sessions
	for {
		select {
		case sess := <-s.netServer.NewSessions():
			s.hub.Add(sess)
		default:
			goto doneNew
		}
	}
doneNew:

	// Process dead sessions
	for {
		select {
		case id := <-s.netServer.DeadSessions():
			s.hub.Remove(id)
		default:
			goto doneDead
		}
	}
doneDead:

	s.hub.ForEach(func(sess *net.Session) {
		if sess.IsClosed() {
			// Drain packets sent just before the disconnect; a trailing
			// move still updates the stored avatar position.
			s.drain(sess)
			handler.HandleDisconnect(sess.ID, s.deps)
			s.netServer.NotifyDead(sess.ID)
			s.hub.Remove(sess.ID)
			return
		}
		s.drain(sess)
	})

	// Early flush: replies produced here reach OutQueue while the other
	// phases run. OutputSystem flushes the rest.
	s.hub.ForEach(func(sess *net.Session) {
		sess.FlushOutput()
	})
}

// drain dispatches up to maxPerTick queued packets. The state is re-read
// per packet so a hello followed by a move in the same tick works.
func (s *InputSystem) drain(sess *net.Session) {
	for i := 0; i < s.maxPerTick; i++ {
		select {
		case data := <-sess.InQueue:
			if err := s.registry.Dispatch(sess, sess.State(), data); err != nil {
				s.log.Debug("packet dispatch error",
					zap.Uint64("session", sess.ID),
					zap.Error(err),
				)
			}
		default:
			return
		}
	}
}

// OutputSystem flushes every session's buffered packets to its writer.
// Phase 4 (Output).
type OutputSystem struct {
	hub *net.Hub
}

func NewOutputSystem(hub *net.Hub) *OutputSystem {
	return &OutputSystem{hub: hub}
}

func (s *OutputSystem) Phase() coresys.Phase { return coresys.PhaseOutput }

func (s *OutputSystem) Update(_ time.Duration) {
	s.hub.ForEach(func(sess *net.Session) {
		sess.FlushOutput()
	})
}
