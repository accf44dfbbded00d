package packet

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// SessionState represents the session's current protocol phase.
type SessionState int

const (
	StateHandshake SessionState = iota // connected, awaiting hello
	StateInWorld                       // avatar logged in
	StateDisconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateHandshake:
		return "Handshake"
	case StateInWorld:
		return "InWorld"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

var (
	ErrEmptyPacket = errors.New("empty packet")
	// ErrNotAllowed rejects an opcode the session's state does not permit.
	ErrNotAllowed = errors.New("opcode not allowed in state")
	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("handler panicked")
)

// HandlerFunc is the callback signature for packet handlers.
// The session pointer is passed as an opaque interface to avoid import cycles.
type HandlerFunc func(sess any, r *Reader)

type route struct {
	fn      HandlerFunc
	allowed uint32 // bit per SessionState
	hits    atomic.Uint64
}

func (rt *route) allows(s SessionState) bool {
	return s >= 0 && s < 32 && rt.allowed&(1<<uint(s)) != 0
}

// Stats counts dispatch outcomes since the registry was created.
type Stats struct {
	Handled  uint64
	Unknown  uint64
	Rejected uint64
	Panics   uint64
}

// Registry routes client packets by opcode. Routes are registered at boot;
// Dispatch runs on the tick loop.
type Registry struct {
	routes [256]*route
	log    *zap.Logger

	unknown  atomic.Uint64
	rejected atomic.Uint64
	panics   atomic.Uint64
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{log: log}
}

// Register routes opcode to fn for sessions in one of states.
func (reg *Registry) Register(opcode byte, states []SessionState, fn HandlerFunc) {
	rt := &route{fn: fn}
	for _, s := range states {
		rt.allowed |= 1 << uint(s)
	}
	reg.routes[opcode] = rt
}

// Dispatch runs the handler for data[0]. Unknown opcodes are dropped
// without error; an opcode outside its allowed states is ErrNotAllowed.
func (reg *Registry) Dispatch(sess any, state SessionState, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyPacket
	}
	opcode := data[0]
	rt := reg.routes[opcode]
	switch {
	case rt == nil:
		reg.unknown.Add(1)
		reg.log.Debug("unknown opcode", zap.Uint8("opcode", opcode), zap.Stringer("state", state))
		return nil
	case !rt.allows(state):
		reg.rejected.Add(1)
		reg.log.Warn("opcode not allowed in state",
			zap.Uint8("opcode", opcode),
			zap.Stringer("state", state),
		)
		return fmt.Errorf("opcode 0x%02x in %s: %w", opcode, state, ErrNotAllowed)
	}

	rt.hits.Add(1)
	reg.log.Debug("packet received",
		zap.Uint8("opcode", opcode),
		zap.Int("size", len(data)),
		zap.Stringer("state", state),
	)
	return reg.safeCall(rt.fn, sess, NewReader(data), opcode)
}

// Stats returns the dispatch counters.
func (reg *Registry) Stats() Stats {
	st := Stats{
		Unknown:  reg.unknown.Load(),
		Rejected: reg.rejected.Load(),
		Panics:   reg.panics.Load(),
	}
	for _, rt := range reg.routes {
		if rt != nil {
			st.Handled += rt.hits.Load()
		}
	}
	return st
}

// safeCall recovers a handler panic so one bad packet only costs its own
// session.
func (reg *Registry) safeCall(fn HandlerFunc, sess any, r *Reader, opcode byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reg.panics.Add(1)
			reg.log.Error("handler panic recovered",
				zap.Uint8("opcode", opcode),
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("opcode 0x%02x: %w: %v", opcode, ErrHandlerPanic, rec)
		}
	}()
	fn(sess, r)
	return nil
}
