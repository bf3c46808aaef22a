package store

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryBackoff returns the backoff used for conflict retries.
func RetryBackoff(attempts int) retry.Backoff {
	b := retry.NewExponential(10 * time.Millisecond)
	b = retry.WithCappedDuration(500*time.Millisecond, b)
	b = retry.WithJitterPercent(20, b)
	return retry.WithMaxRetries(uint64(attempts), b)
}

// UpdateWithRetry runs rs.Update and retries it on ErrConcurrentModification
// up to attempts times. mutate may run once per attempt and must only depend
// on the properties it is given.
func UpdateWithRetry(ctx context.Context, rs RowStore, key Key, attempts int, mutate MutateFunc) (Row, error) {
	var row Row
	err := retry.Do(ctx, RetryBackoff(attempts), func(ctx context.Context) error {
		r, err := rs.Update(ctx, key, mutate)
		if errors.Is(err, ErrConcurrentModification) {
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		row = r
		return nil
	})
	return row, err
}
