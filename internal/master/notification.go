package master

import (
	"fmt"

	"github.com/cellview/server/internal/cell"
	"github.com/cellview/server/internal/geom"
)

// Kind identifies a notification variant.
type Kind uint8

const (
	KindCreate Kind = iota + 1
	KindUnload
	KindDelete
	KindSetRoot
	KindReparent
	KindMove
	KindContentUpdate
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUnload:
		return "unload"
	case KindDelete:
		return "delete"
	case KindSetRoot:
		return "set-root"
	case KindReparent:
		return "reparent"
	case KindMove:
		return "move"
	case KindContentUpdate:
		return "content-update"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Notification is a fire-and-forget message describing one change. Which
// fields are meaningful depends on Kind:
//
//	create, content-update: ClassName, Bounds, CellID, ParentID, Channel, Transform, Setup
//	unload, delete, set-root: CellID
//	reparent: CellID (child), ParentID
//	move: CellID, Bounds, Transform
//
// ParentID is cell.InvalidID when the cell has no parent.
type Notification struct {
	Kind      Kind
	CellID    cell.ID
	ParentID  cell.ID
	ClassName string
	Channel   string
	Bounds    geom.Volume
	Transform geom.Transform
	Setup     []byte
}

func (n Notification) String() string {
	return fmt.Sprintf("%s %s", n.Kind, n.CellID)
}
