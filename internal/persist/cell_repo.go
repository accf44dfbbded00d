package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cellview/server/internal/cell"
	"github.com/cellview/server/internal/geom"
)

var ErrUnknownDriver = errors.New("unknown database driver")

// CellRow is the durable form of a cell: its identity, its parent and the
// description it was created from, with the current transform and setup.
type CellRow struct {
	ID       cell.ID
	ParentID cell.ID
	Desc     cell.Desc
}

// RowFromCell captures c's current durable state.
func RowFromCell(c *cell.Cell) CellRow {
	return CellRow{
		ID:       c.ID(),
		ParentID: c.ParentID(),
		Desc: cell.Desc{
			ClassName:   c.ClassName(),
			Channel:     c.Channel(),
			Caps:        c.Caps(),
			LocalBounds: c.LocalBounds(),
			Transform:   c.Transform(),
			Setup:       c.Setup(),
		},
	}
}

// CellStore persists cell rows. Implementations exist for Postgres and
// SQLite.
type CellStore interface {
	SaveBatch(ctx context.Context, rows []CellRow) error
	DeleteBatch(ctx context.Context, ids []cell.ID) error
	LoadAll(ctx context.Context) ([]CellRow, error)
	MaxCellID(ctx context.Context) (cell.ID, error)
}

const cellColumns = `id, parent_id, class_name, channel, caps,
	bounds_kind, center_x, center_y, center_z, extent_x, extent_y, extent_z, radius,
	pos_x, pos_y, pos_z, rot_w, rot_x, rot_y, rot_z, scale_x, scale_y, scale_z, setup`

const cellUpdates = `parent_id = excluded.parent_id, class_name = excluded.class_name,
	channel = excluded.channel, caps = excluded.caps, bounds_kind = excluded.bounds_kind,
	center_x = excluded.center_x, center_y = excluded.center_y, center_z = excluded.center_z,
	extent_x = excluded.extent_x, extent_y = excluded.extent_y, extent_z = excluded.extent_z,
	radius = excluded.radius, pos_x = excluded.pos_x, pos_y = excluded.pos_y, pos_z = excluded.pos_z,
	rot_w = excluded.rot_w, rot_x = excluded.rot_x, rot_y = excluded.rot_y, rot_z = excluded.rot_z,
	scale_x = excluded.scale_x, scale_y = excluded.scale_y, scale_z = excluded.scale_z,
	setup = excluded.setup`

// cellArgs flattens r in cellColumns order.
func cellArgs(r CellRow) []any {
	d := r.Desc
	b, t := d.LocalBounds, d.Transform
	return []any{
		int64(r.ID), int64(r.ParentID), d.ClassName, d.Channel, int(d.Caps),
		int(b.Kind), b.Center[0], b.Center[1], b.Center[2], b.Extent[0], b.Extent[1], b.Extent[2], b.Radius,
		t.Translation[0], t.Translation[1], t.Translation[2],
		t.Rotation.W, t.Rotation.V[0], t.Rotation.V[1], t.Rotation.V[2],
		t.Scale[0], t.Scale[1], t.Scale[2], d.Setup,
	}
}

// scanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCell(s scanner) (CellRow, error) {
	var (
		r          CellRow
		id, parent int64
		caps, kind int
		b          geom.Volume
		t          geom.Transform
	)
	err := s.Scan(
		&id, &parent, &r.Desc.ClassName, &r.Desc.Channel, &caps,
		&kind, &b.Center[0], &b.Center[1], &b.Center[2], &b.Extent[0], &b.Extent[1], &b.Extent[2], &b.Radius,
		&t.Translation[0], &t.Translation[1], &t.Translation[2],
		&t.Rotation.W, &t.Rotation.V[0], &t.Rotation.V[1], &t.Rotation.V[2],
		&t.Scale[0], &t.Scale[1], &t.Scale[2], &r.Desc.Setup,
	)
	if err != nil {
		return r, err
	}
	b.Kind = geom.Kind(kind)
	r.ID, r.ParentID = cell.ID(id), cell.ID(parent)
	r.Desc.Caps = cell.Capabilities(caps)
	r.Desc.LocalBounds, r.Desc.Transform = b, t
	return r, nil
}

// PGCellRepo stores cells in Postgres.
type PGCellRepo struct {
	db *DB
}

func NewPGCellRepo(db *DB) *PGCellRepo {
	return &PGCellRepo{db: db}
}

// SaveBatch upserts rows in a single transaction.
func (r *PGCellRepo) SaveBatch(ctx context.Context, rows []CellRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("save cells begin: %w", err)
	}
	defer tx.Rollback(ctx)

	q := `INSERT INTO cells (` + cellColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (id) DO UPDATE SET ` + cellUpdates + `, updated_at = now()`
	for _, row := range rows {
		if _, err := tx.Exec(ctx, q, cellArgs(row)...); err != nil {
			return fmt.Errorf("save %s: %w", row.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (r *PGCellRepo) DeleteBatch(ctx context.Context, ids []cell.ID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM cells WHERE id = ANY($1)`, raw)
	return err
}

func (r *PGCellRepo) LoadAll(ctx context.Context) ([]CellRow, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+cellColumns+` FROM cells ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CellRow
	for rows.Next() {
		row, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *PGCellRepo) MaxCellID(ctx context.Context) (cell.ID, error) {
	var max int64
	err := r.db.Pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM cells`).Scan(&max)
	if errors.Is(err, pgx.ErrNoRows) {
		return cell.InvalidID, nil
	}
	return cell.ID(max), err
}

// SQLiteCellRepo stores cells in an embedded SQLite database.
type SQLiteCellRepo struct {
	db *sql.DB
}

func NewSQLiteCellRepo(db *sql.DB) *SQLiteCellRepo {
	return &SQLiteCellRepo{db: db}
}

func (r *SQLiteCellRepo) SaveBatch(ctx context.Context, rows []CellRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save cells begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO cells (`+cellColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET `+cellUpdates+`, updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return fmt.Errorf("save cells prepare: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, cellArgs(row)...); err != nil {
			return fmt.Errorf("save %s: %w", row.ID, err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteCellRepo) DeleteBatch(ctx context.Context, ids []cell.ID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete cells begin: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cells WHERE id = ?`, int64(id)); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteCellRepo) LoadAll(ctx context.Context) ([]CellRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+cellColumns+` FROM cells ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CellRow
	for rows.Next() {
		row, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *SQLiteCellRepo) MaxCellID(ctx context.Context) (cell.ID, error) {
	var max int64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM cells`).Scan(&max); err != nil {
		return cell.InvalidID, err
	}
	return cell.ID(max), nil
}
