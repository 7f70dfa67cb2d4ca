package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Klumaks/Link2Pay/internal/domain"
)

// DB is the part of *pgxpool.Pool (and pgx.Tx) the repositories use.
type DB interface {
	querier
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// classify maps pgx.ErrNoRows to domain.ErrNotFound and every other driver
// failure to domain.ErrStoreUnavailable.
func classify(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return domain.StoreError(op, err)
}
