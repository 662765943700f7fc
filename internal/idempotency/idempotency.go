// Package idempotency provides the command-handler and repository layers of
// the fabric's duplicate defence: natural-key guards and unique-violation
// mapping.
package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/regmesh/regmesh/errs"
)

// Guard checks a natural key before running do. When exists reports the
// effect already applied, do is skipped and Guard returns nil: the duplicate
// is a success.
func Guard(ctx context.Context, exists func(context.Context) (bool, error), do func(context.Context) error) error {
	if exists == nil {
		return errs.New("idempotency/guard", errs.KindInvalid, errs.WithMessage("exists check required"))
	}
	if do == nil {
		return errs.New("idempotency/guard", errs.KindInvalid, errs.WithMessage("do required"))
	}
	applied, err := exists(ctx)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if applied {
		return nil
	}
	return do(ctx)
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Insert runs do and maps a duplicate effect to success: a unique violation
// or an idempotent fabric error means a concurrent or earlier delivery
// already applied the write.
func Insert(ctx context.Context, do func(context.Context) error) error {
	if do == nil {
		return errs.New("idempotency/insert", errs.KindInvalid, errs.WithMessage("do required"))
	}
	err := do(ctx)
	if err == nil {
		return nil
	}
	if IsUniqueViolation(err) || errs.Idempotent(err) {
		return nil
	}
	return err
}
