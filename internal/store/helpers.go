package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"
)

func sqlxGet(ctx context.Context, x sqlx.ExtContext, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, x, dest, query, args...)
}

func sqlxSelect(ctx context.Context, x sqlx.ExtContext, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, x, dest, query, args...)
}

// getOne runs a single-row query and maps sql.ErrNoRows to (nil, nil).
func getOne[T any](ctx context.Context, x sqlx.ExtContext, query string, args ...any) (*T, error) {
	var v T
	err := sqlx.GetContext(ctx, x, &v, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// in expands a query with an IN (?) clause for args.
func in(x sqlx.ExtContext, query string, args ...any) (string, []any, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return x.Rebind(q), a, nil
}

// prefixed qualifies every column of a comma separated list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
