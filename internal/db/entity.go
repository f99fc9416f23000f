package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xtrntr/spotexchange/internal/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// entity describes how one record type maps onto its table. columns[0] must
// be the primary key and values/scan must follow the column order.
type entity[T any] struct {
	name    string
	table   string
	columns []string
	values  func(*T) []any
	scan    func(pgx.Row, *T) error
}

func (e *entity[T]) selectSQL() string {
	return "SELECT " + strings.Join(e.columns, ", ") + " FROM " + e.table
}

func (e *entity[T]) get(ctx context.Context, q querier, id any, forUpdate bool) (*T, error) {
	return e.findBy(ctx, q, e.columns[0], id, forUpdate)
}

func (e *entity[T]) findBy(ctx context.Context, q querier, field string, value any, forUpdate bool) (*T, error) {
	sql := e.selectSQL() + " WHERE " + field + " = $1"
	if forUpdate {
		sql += " FOR UPDATE"
	}
	v := new(T)
	if err := e.scan(q.QueryRow(ctx, sql, value), v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s %v: %w", e.name, value, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get %s: %w", e.name, err)
	}
	return v, nil
}

// where runs the select with a trailing clause (WHERE, ORDER BY, LIMIT...)
func (e *entity[T]) where(ctx context.Context, q querier, clause string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, e.selectSQL()+" "+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", e.table, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var v T
		if err := e.scan(rows, &v); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", e.name, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", e.table, err)
	}
	return out, nil
}

func (e *entity[T]) insert(ctx context.Context, q querier, v *T) error {
	placeholders := make([]string, len(e.columns))
	for i := range e.columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		e.table, strings.Join(e.columns, ", "), strings.Join(placeholders, ", "))
	if _, err := q.Exec(ctx, sql, e.values(v)...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%s already exists: %w", e.name, models.ErrConflict)
		}
		return fmt.Errorf("failed to create %s: %w", e.name, err)
	}
	return nil
}

func (e *entity[T]) update(ctx context.Context, q querier, v *T) error {
	sets := make([]string, 0, len(e.columns)-1)
	for i, col := range e.columns[1:] {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+2))
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $1",
		e.table, strings.Join(sets, ", "), e.columns[0])
	args := e.values(v)
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", e.name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %v: %w", e.name, args[0], models.ErrNotFound)
	}
	return nil
}
