package handler

import (
	"errors"

	"go.uber.org/zap"

	"github.com/cellview/server/internal/net/packet"
	"github.com/cellview/server/internal/space"
)

// HandleMove processes C_MOVE: [transform]. The avatar's next revalidation
// is a full pass.
func HandleMove(sess Client, r *packet.Reader, deps *Deps) {
	t := packet.ReadTransform(r)
	if r.Short() || !validTransform(t) {
		deps.Log.Debug("malformed move", zap.Uint64("session", sess.SessionID()))
		return
	}
	err := deps.Views.ProximityChanged(sess.SessionID(), t.Normalized())
	switch {
	case errors.Is(err, space.ErrOutOfWorld):
		deps.Log.Debug("move outside world", zap.Uint64("session", sess.SessionID()), zap.Error(err))
	case err != nil:
		deps.Log.Warn("move failed", zap.Uint64("session", sess.SessionID()), zap.Error(err))
	}
}
