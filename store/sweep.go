package store

import (
	"context"
	"errors"
)

// Sweeper is implemented by stores that keep expired rows until they are
// purged. DynamoDB purges them itself through TTL.
type Sweeper interface {
	// ExpiredKeys returns the keys of every stored row whose TTL has passed.
	ExpiredKeys(ctx context.Context) ([]Key, error)
}

// AsSweeper returns the Sweeper behind rows, looking through wrappers that
// expose Unwrap() RowStore.
func AsSweeper(rows RowStore) (Sweeper, bool) {
	for rows != nil {
		if s, ok := rows.(Sweeper); ok {
			return s, true
		}
		u, ok := rows.(interface{ Unwrap() RowStore })
		if !ok {
			break
		}
		rows = u.Unwrap()
	}
	return nil, false
}

// Sweep purges the expired rows listed by sweeper, handing each to confirm
// before it is deleted. Rows that were purged or re-created in the
// meantime are skipped. It returns how many rows were purged; errors of
// individual rows are joined.
func Sweep(ctx context.Context, rows RowStore, sweeper Sweeper, confirm ConfirmFunc) (int, error) {
	keys, err := sweeper.ExpiredKeys(ctx)
	if err != nil {
		return 0, err
	}
	var (
		purged int
		errs   []error
	)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		_, err := rows.Purge(ctx, key, confirm)
		switch {
		case err == nil:
			purged++
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotExpired), errors.Is(err, ErrConcurrentModification):
		default:
			errs = append(errs, err)
		}
	}
	return purged, errors.Join(errs...)
}
