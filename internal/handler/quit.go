package handler

import (
	"errors"

	"go.uber.org/zap"

	"github.com/cellview/server/internal/net/packet"
	"github.com/cellview/server/internal/view"
)

// HandleLogout processes C_LOGOUT. The session stays open and may say
// hello again.
func HandleLogout(sess Client, _ *packet.Reader, deps *Deps) {
	if err := deps.Views.Logout(sess.SessionID()); err != nil {
		deps.Log.Warn("logout failed", zap.Uint64("session", sess.SessionID()), zap.Error(err))
	}
	sess.SetState(packet.StateHandshake)
}

// HandleDisconnect cleans up after a closed session. Called by the input
// system, not through the packet registry.
func HandleDisconnect(sessionID uint64, deps *Deps) {
	err := deps.Views.Logout(sessionID)
	if err != nil && !errors.Is(err, view.ErrNotLoggedIn) {
		deps.Log.Error("disconnect cleanup", zap.Uint64("session", sessionID), zap.Error(err))
	}
}

// HandlePing processes C_PING: [nonce]. Answers S_PONG with the same nonce.
func HandlePing(sess Client, r *packet.Reader, _ *Deps) {
	nonce := r.ReadD()
	w := packet.NewWriterWithOpcode(packet.S_OPCODE_PONG)
	w.WriteD(nonce)
	sess.Send(w.Bytes())
}
