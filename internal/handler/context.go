package handler

import (
	"go.uber.org/zap"

	"github.com/cellview/server/internal/config"
	"github.com/cellview/server/internal/net/packet"
	"github.com/cellview/server/internal/view"
)

// Client is the part of a session handlers use. *net.Session satisfies it.
type Client interface {
	SessionID() uint64
	State() packet.SessionState
	SetState(packet.SessionState)
	Send(data []byte)
	Close()
}

// Deps holds shared dependencies injected into all packet handlers.
type Deps struct {
	Config *config.Config
	Log    *zap.Logger
	Views  *view.Manager
}

// RegisterAll registers all packet handlers into the registry.
func RegisterAll(reg *packet.Registry, deps *Deps) {
	anyState := []packet.SessionState{packet.StateHandshake, packet.StateInWorld}

	reg.Register(packet.C_OPCODE_HELLO,
		[]packet.SessionState{packet.StateHandshake},
		func(sess any, r *packet.Reader) {
			HandleHello(sess.(Client), r, deps)
		},
	)
	reg.Register(packet.C_OPCODE_PING, anyState,
		func(sess any, r *packet.Reader) {
			HandlePing(sess.(Client), r, deps)
		},
	)

	// In-world phase
	inWorldStates := []packet.SessionState{packet.StateInWorld}

	reg.Register(packet.C_OPCODE_MOVE, inWorldStates,
		func(sess any, r *packet.Reader) {
			HandleMove(sess.(Client), r, deps)
		},
	)
	reg.Register(packet.C_OPCODE_LOGOUT, inWorldStates,
		func(sess any, r *packet.Reader) {
			HandleLogout(sess.(Client), r, deps)
		},
	)
}
