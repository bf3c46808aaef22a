package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("rowsaga: store unavailable")

// BreakerConfig holds circuit breaker settings for WithBreaker.
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration

	// FailureThreshold is the failure ratio that trips the breaker once
	// MinRequests have been observed.
	FailureThreshold float64
	MinRequests      uint32

	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerConfig returns a default configuration.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// callbackError carries an error produced by a caller-supplied callback
// through the breaker without counting it as a store failure.
type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

type breakerStore struct {
	next RowStore
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps next with a circuit breaker. Only infrastructure
// failures count against the breaker; expected outcomes such as
// ErrNotFound or a rejected mutate callback do not.
func WithBreaker(next RowStore, config BreakerConfig) RowStore {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= config.FailureThreshold
		},
		OnStateChange: config.OnStateChange,
		IsSuccessful:  isBreakerSuccess,
	})
	return &breakerStore{next: next, cb: cb}
}

func isBreakerSuccess(err error) bool {
	if err == nil || IsOutcome(err) {
		return true
	}
	var cbErr *callbackError
	if errors.As(err, &cbErr) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ProvisionedThroughputExceededException", "RequestLimitExceeded":
			return false
		}
		return apiErr.ErrorFault() == smithy.FaultClient
	}
	return false
}

func guarded[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	v, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	var cbErr *callbackError
	if errors.As(err, &cbErr) {
		return zero, cbErr.err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

func (b *breakerStore) Create(ctx context.Context, key Key, props Props) (Row, error) {
	return guarded(b.cb, func() (Row, error) { return b.next.Create(ctx, key, props) })
}

func (b *breakerStore) Update(ctx context.Context, key Key, mutate MutateFunc) (Row, error) {
	wrapped := func(p Props) (Props, error) {
		out, err := mutate(p)
		if err != nil && !errors.Is(err, ErrUnchanged) {
			return nil, &callbackError{err: err}
		}
		return out, err
	}
	return guarded(b.cb, func() (Row, error) { return b.next.Update(ctx, key, wrapped) })
}

func (b *breakerStore) DeleteIf(ctx context.Context, key Key, confirm ConfirmFunc) (Row, error) {
	var wrapped ConfirmFunc
	if confirm != nil {
		wrapped = func(row Row) error {
			if err := confirm(row); err != nil {
				return &callbackError{err: err}
			}
			return nil
		}
	}
	return guarded(b.cb, func() (Row, error) { return b.next.DeleteIf(ctx, key, wrapped) })
}

func (b *breakerStore) Purge(ctx context.Context, key Key, confirm ConfirmFunc) (Row, error) {
	var wrapped ConfirmFunc
	if confirm != nil {
		wrapped = func(row Row) error {
			if err := confirm(row); err != nil {
				return &callbackError{err: err}
			}
			return nil
		}
	}
	return guarded(b.cb, func() (Row, error) { return b.next.Purge(ctx, key, wrapped) })
}

// Unwrap returns the store behind the breaker.
func (b *breakerStore) Unwrap() RowStore {
	return b.next
}

func (b *breakerStore) FindByID(ctx context.Context, key Key) (Row, error) {
	return guarded(b.cb, func() (Row, error) { return b.next.FindByID(ctx, key) })
}

func (b *breakerStore) Query(ctx context.Context, table, partition string) ([]Row, error) {
	return guarded(b.cb, func() ([]Row, error) { return b.next.Query(ctx, table, partition) })
}
