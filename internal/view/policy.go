package view

import (
	"github.com/cellview/server/internal/cell"
	"github.com/cellview/server/internal/master"
)

// AccessPolicy decides whether an avatar may see a cell. Cells it rejects
// never enter the tracked set.
type AccessPolicy interface {
	CanView(avatar Identity, id cell.ID) bool
}

// AllowAll lets every avatar see every cell.
type AllowAll struct{}

func (AllowAll) CanView(Identity, cell.ID) bool { return true }

// Sender is the session transport.
type Sender interface {
	Send(sessionID uint64, n master.Notification) error
	IsConnected(sessionID uint64) bool
}

// TrackedChange is reported when a cell enters or leaves an avatar's
// tracked set.
type TrackedChange struct {
	Avatar  Identity
	Cell    cell.ID
	Entered bool
}
