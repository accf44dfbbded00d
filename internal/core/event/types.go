package event

import "github.com/cellview/server/internal/cell"

// CellEntered is emitted when a cell joins an avatar's tracked set.
type CellEntered struct {
	SessionID uint64
	Avatar    cell.ID
	Cell      cell.ID
}

// CellExited is emitted when a cell leaves an avatar's tracked set, by
// unload or delete.
type CellExited struct {
	SessionID uint64
	Avatar    cell.ID
	Cell      cell.ID
}

// AvatarLeft is emitted on logout.
type AvatarLeft struct {
	SessionID uint64
	Avatar    cell.ID
}
