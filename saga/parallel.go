package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// AddParallel appends a step that runs independent effects concurrently
// and waits for all of them. If any fails, the ones that succeeded are
// compensated newest first and the step fails with the first failure in
// declaration order.
func (s *Saga[T]) AddParallel(name string, effects ...func(ctx context.Context, value T) Effect) *Saga[T] {
	return s.AddEffect(name, func(ctx context.Context, value T) Effect {
		return s.parallel(ctx, name, value, effects)
	})
}

func (s *Saga[T]) parallel(ctx context.Context, name string, value T, effects []func(context.Context, T) Effect) Effect {
	if len(effects) == 0 {
		return Noop()
	}

	results := make([]Effect, len(effects))
	var (
		mu        sync.Mutex
		completed []pending
	)

	var g errgroup.Group
	for i, fn := range effects {
		g.Go(func() error {
			out := runEffect(ctx, fn, value)
			results[i] = out
			if out.Kind == KindSaved && out.Undo != nil {
				mu.Lock()
				completed = append(completed, pending{
					step: fmt.Sprintf("%s[%d]", name, i),
					undo: out.Undo,
				})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range results {
		if !out.Kind.Succeeded() {
			s.unwind(ctx, completed)
			return out
		}
	}

	if len(completed) == 0 {
		return Noop()
	}
	return Done(func(ctx context.Context) error {
		var errs []error
		for i := len(completed) - 1; i >= 0; i-- {
			if err := runCompensation(ctx, completed[i]); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

func runEffect[T any](ctx context.Context, fn func(context.Context, T) Effect, value T) (out Effect) {
	defer func() {
		if r := recover(); r != nil {
			out = Failure(fmt.Errorf("panic in parallel effect: %v", r))
		}
	}()
	return fn(ctx, value)
}
