// Package sqlite backs the platform SQL service with SQLite.
//
// Rows come back as column-keyed maps so results cross the bridge
// without a schema. BLOB and TEXT columns both surface as strings;
// handlers that need raw bytes should hex- or base64-encode in SQL.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pithecene-io/kilnbox/platform"
)

// DB implements platform.SQL over one SQLite database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: empty database path")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// SQLite serializes writers; extra pool connections only produce
	// SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	return &DB{db: db}, nil
}

// Close releases the database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sqlite: columns: %w", err)
	}

	out := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scan := make([]any, len(columns))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows: %w", err)
	}
	return out, nil
}

func (d *DB) Exec(ctx context.Context, query string, args ...any) (platform.SQLResult, error) {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return platform.SQLResult{}, fmt.Errorf("sqlite: exec: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return platform.SQLResult{}, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	lastID, err := res.LastInsertId()
	if err != nil {
		return platform.SQLResult{}, fmt.Errorf("sqlite: last insert id: %w", err)
	}
	return platform.SQLResult{RowsAffected: affected, LastInsertID: lastID}, nil
}

// normalizeValue makes scanned values JSON-friendly: byte slices become
// strings, everything else passes through.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

var _ platform.SQL = (*DB)(nil)
