package platform

import "context"

// SQLResult reports the outcome of an Exec.
type SQLResult struct {
	RowsAffected int64 `json:"rowsAffected"`
	LastInsertID int64 `json:"lastInsertId"`
}

// SQL exposes relational query primitives. Rows come back as
// column-name keyed maps so results survive the bridge unchanged.
type SQL interface {
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	Exec(ctx context.Context, query string, args ...any) (SQLResult, error)
}

// UnavailableSQL rejects every call with ErrNotConfigured.
type UnavailableSQL struct{}

func (UnavailableSQL) Query(context.Context, string, ...any) ([]map[string]any, error) {
	return nil, errNotConfigured("sql")
}

func (UnavailableSQL) Exec(context.Context, string, ...any) (SQLResult, error) {
	return SQLResult{}, errNotConfigured("sql")
}

var _ SQL = UnavailableSQL{}
