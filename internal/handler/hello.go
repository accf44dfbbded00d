package handler

import (
	"errors"
	"math"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/cellview/server/internal/geom"
	"github.com/cellview/server/internal/net/packet"
	"github.com/cellview/server/internal/space"
)

// Reject reasons sent in S_REJECT.
const (
	RejectMalformed byte = 1
	RejectBadName   byte = 2
	RejectLoggedIn  byte = 3
	RejectOutside   byte = 4 // transform outside the world
)

const maxNameLen = 32

// HandleHello processes C_HELLO: [name][transform]. It logs the avatar in
// at the given transform and answers with S_WELCOME.
func HandleHello(sess Client, r *packet.Reader, deps *Deps) {
	name := r.ReadS()
	at := packet.ReadTransform(r)
	if r.Short() || !validTransform(at) {
		reject(sess, RejectMalformed, deps)
		return
	}
	if name == "" || len(name) > maxNameLen || !utf8.ValidString(name) {
		reject(sess, RejectBadName, deps)
		return
	}

	a, err := deps.Views.Login(sess.SessionID(), name, at.Normalized())
	if errors.Is(err, space.ErrOutOfWorld) {
		reject(sess, RejectOutside, deps)
		return
	}
	if err != nil {
		deps.Log.Warn("login failed", zap.Uint64("session", sess.SessionID()), zap.Error(err))
		reject(sess, RejectLoggedIn, deps)
		return
	}

	w := packet.NewWriterWithOpcode(packet.S_OPCODE_WELCOME)
	w.WriteQ(sess.SessionID())
	w.WriteQ(uint64(a.Body().ID()))
	sess.Send(w.Bytes())
	sess.SetState(packet.StateInWorld)
}

func reject(sess Client, reason byte, deps *Deps) {
	deps.Log.Debug("hello rejected", zap.Uint64("session", sess.SessionID()), zap.Uint8("reason", reason))
	w := packet.NewWriterWithOpcode(packet.S_OPCODE_REJECT)
	w.WriteC(reason)
	sess.Send(w.Bytes())
}

// validTransform rejects non-finite client input. A zero rotation or
// scale is fine; cells normalise it.
func validTransform(t geom.Transform) bool {
	vals := []float64{t.Rotation.W}
	vals = append(vals, t.Translation[:]...)
	vals = append(vals, t.Rotation.V[:]...)
	vals = append(vals, t.Scale[:]...)
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
