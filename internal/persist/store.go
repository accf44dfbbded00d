package persist

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/cellview/server/internal/cell"
	"github.com/cellview/server/internal/config"
	"github.com/cellview/server/internal/master"
)

// Open connects to the configured database, applies migrations and
// returns its cell store. closeFn releases the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (store CellStore, closeFn func(), err error) {
	switch cfg.Driver {
	case "postgres":
		db, err := NewDB(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		if err := RunMigrations(ctx, db.Pool); err != nil {
			db.Close()
			return nil, nil, err
		}
		return NewPGCellRepo(db), db.Close, nil
	case "sqlite":
		db, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := RunSQLiteMigrations(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return NewSQLiteCellRepo(db), func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("%q: %w", cfg.Driver, ErrUnknownDriver)
	}
}

// LoadWorld restores every stored cell into reg under its original
// identity and rebuilds the tree. Cells whose parent is missing are
// logged and left detached. Returns the number of cells restored.
func LoadWorld(ctx context.Context, store CellStore, reg *master.Registry, log *zap.Logger) (int, error) {
	rows, err := store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load cells: %w", err)
	}
	max, err := store.MaxCellID(ctx)
	if err != nil {
		return 0, fmt.Errorf("max cell id: %w", err)
	}
	reg.SeedIDs(max)

	restored := make(map[cell.ID]*cell.Cell, len(rows))
	for _, row := range rows {
		if row.ID == master.RootID {
			continue
		}
		c, err := reg.Restore(row.ID, row.Desc)
		if err != nil {
			return len(restored), err
		}
		restored[row.ID] = c
	}

	// Attach in id order so the result does not depend on row order.
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	orphans := 0
	for _, row := range rows {
		c, ok := restored[row.ID]
		if !ok {
			continue
		}
		parent, ok := reg.Lookup(row.ParentID)
		if !ok {
			orphans++
			log.Warn("stored cell has no parent",
				zap.Stringer("cell", row.ID),
				zap.Stringer("parent", row.ParentID),
			)
			continue
		}
		if err := reg.AddChild(parent, c); err != nil {
			return len(restored), fmt.Errorf("attach %s to %s: %w", row.ID, row.ParentID, err)
		}
	}

	// Nothing loaded needs writing back.
	reg.DrainChanges()

	log.Info("world loaded", zap.Int("cells", len(restored)), zap.Int("orphans", orphans))
	return len(restored), nil
}

// Flush writes the registry's pending changes to store. Cells rejected by
// keep are not saved. On failure the changes are requeued for the next
// flush.
func Flush(ctx context.Context, store CellStore, reg *master.Registry, keep func(*cell.Cell) bool) (saved, deleted int, err error) {
	changed, destroyed := reg.DrainChanges()
	rows := make([]CellRow, 0, len(changed))
	for _, c := range changed {
		if keep == nil || keep(c) {
			rows = append(rows, RowFromCell(c))
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	if err := store.SaveBatch(ctx, rows); err != nil {
		reg.Requeue(changed, destroyed)
		return 0, 0, fmt.Errorf("save cells: %w", err)
	}
	if err := store.DeleteBatch(ctx, destroyed); err != nil {
		reg.Requeue(nil, destroyed)
		return len(rows), 0, fmt.Errorf("delete cells: %w", err)
	}
	return len(rows), len(destroyed), nil
}
