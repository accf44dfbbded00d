package master

import (
	"fmt"

	"github.com/cellview/server/internal/cell"
)

// Builders read cell state at call time; callers build a notification in
// the same step as reading the versions it describes.

// BuildCreateNotification describes a cell the client has not seen yet.
func (r *Registry) BuildCreateNotification(c *cell.Cell) (Notification, error) {
	return r.buildFull(KindCreate, c)
}

// BuildContentUpdateNotification carries the same fields as create.
func (r *Registry) BuildContentUpdateNotification(c *cell.Cell) (Notification, error) {
	return r.buildFull(KindContentUpdate, c)
}

// BuildMoveNotification carries the new transform and world bounds.
func (r *Registry) BuildMoveNotification(c *cell.Cell) (Notification, error) {
	w, err := r.oracle.WorldBounds(c)
	if err != nil {
		return Notification{}, fmt.Errorf("build move: %w", err)
	}
	return Notification{
		Kind:      KindMove,
		CellID:    c.ID(),
		Bounds:    w,
		Transform: c.Transform(),
	}, nil
}

// BuildUnloadNotification tells the client to free a cell that still
// exists but is out of range.
func (r *Registry) BuildUnloadNotification(c *cell.Cell) Notification {
	return Notification{Kind: KindUnload, CellID: c.ID()}
}

// BuildDeleteNotification tells the client a cell was destroyed.
func (r *Registry) BuildDeleteNotification(id cell.ID) Notification {
	return Notification{Kind: KindDelete, CellID: id}
}

func (r *Registry) BuildRootNotification(c *cell.Cell) Notification {
	return Notification{Kind: KindSetRoot, CellID: c.ID()}
}

func (r *Registry) BuildReparentNotification(child, parent *cell.Cell) Notification {
	n := Notification{Kind: KindReparent, CellID: child.ID()}
	if parent != nil {
		n.ParentID = parent.ID()
	}
	return n
}

func (r *Registry) buildFull(kind Kind, c *cell.Cell) (Notification, error) {
	w, err := r.oracle.WorldBounds(c)
	if err != nil {
		return Notification{}, fmt.Errorf("build %s: %w", kind, err)
	}
	return Notification{
		Kind:      kind,
		CellID:    c.ID(),
		ParentID:  c.ParentID(),
		ClassName: c.ClassName(),
		Channel:   c.Channel(),
		Bounds:    w,
		Transform: c.Transform(),
		Setup:     c.Setup(),
	}, nil
}
