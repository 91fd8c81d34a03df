package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // pure Go sqlite driver
)

// Open opens (or creates) the SQLite database at the given path.
// Use ":memory:" for an ephemeral database.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db %s: %w", path, err)
	}
	// single writer; the core serializes writes per store anyway
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(`PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON;`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("configure sqlite db: %w", err)
	}
	return conn, nil
}

// SQLiteDb is an EntityDb persisting JSON encoded entities in a
// single table. Insertion order is kept via a monotonic sequence.
type SQLiteDb[T any] struct {
	conn  *sql.DB
	table string
	keyOf KeyFn[T]
}

// NewSQLiteDb creates the table if needed and returns the store.
func NewSQLiteDb[T any](conn *sql.DB, table string, keyOf KeyFn[T]) (*SQLiteDb[T], error) {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id   TEXT PRIMARY KEY,
		seq  INTEGER NOT NULL,
		data TEXT NOT NULL
	)`, table)
	if _, err := conn.Exec(stmt); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &SQLiteDb[T]{conn: conn, table: table, keyOf: keyOf}, nil
}

// Get implements EntityDb.
func (d *SQLiteDb[T]) Get(ctx context.Context, id string) (*T, error) {
	var data []byte
	query := fmt.Sprintf(`SELECT data FROM %q WHERE id = ?`, d.table)
	err := d.conn.QueryRowContext(ctx, query, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s from %s: %w", id, d.table, err)
	}
	var entity T
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, fmt.Errorf("decode %s from %s: %w", id, d.table, err)
	}
	return &entity, nil
}

// Update implements EntityDb. Existing entities keep their sequence
// number so insertion order survives upserts.
func (d *SQLiteDb[T]) Update(ctx context.Context, entity T) error {
	id := d.keyOf(entity)
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("encode %s for %s: %w", id, d.table, err)
	}
	stmt := fmt.Sprintf(`INSERT INTO %q (id, seq, data)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM %q), ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, d.table, d.table)
	if _, err := d.conn.ExecContext(ctx, stmt, id, string(data)); err != nil {
		return fmt.Errorf("upsert %s into %s: %w", id, d.table, err)
	}
	return nil
}

// Delete implements EntityDb.
func (d *SQLiteDb[T]) Delete(ctx context.Context, id string) error {
	stmt := fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, d.table)
	if _, err := d.conn.ExecContext(ctx, stmt, id); err != nil {
		return fmt.Errorf("delete %s from %s: %w", id, d.table, err)
	}
	return nil
}

// All implements EntityDb.
func (d *SQLiteDb[T]) All(ctx context.Context) ([]T, error) {
	query := fmt.Sprintf(`SELECT data FROM %q ORDER BY seq`, d.table)
	rows, err := d.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.table, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", d.table, err)
		}
		var entity T
		if err := json.Unmarshal(data, &entity); err != nil {
			return nil, fmt.Errorf("decode row in %s: %w", d.table, err)
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}
