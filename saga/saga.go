package saga

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jacentio/rowsaga/internal/metrics"
)

// ErrAlreadyExecuted is returned when a saga is executed a second time.
var ErrAlreadyExecuted = errors.New("rowsaga: saga already executed")

// ErrIncompleteCompensation is returned by the undo of a nested saga when
// at least one of its compensations failed.
var ErrIncompleteCompensation = errors.New("rowsaga: compensation incomplete")

// Forward performs one step. It receives the value carried so far.
type Forward[T any] func(ctx context.Context, value T) Outcome[T]

// Compensator reverts a step given the value that step produced.
type Compensator[T any] func(ctx context.Context, value T) error

// StepError reports the step that stopped a saga.
type StepError struct {
	Saga   string
	Step   string
	Index  int
	Kind   Kind
	Reason error
}

func (e *StepError) Error() string {
	if e.Reason == nil {
		return fmt.Sprintf("saga %s: step %d (%s): %s", e.Saga, e.Index, e.Step, e.Kind)
	}
	return fmt.Sprintf("saga %s: step %d (%s): %s: %v", e.Saga, e.Index, e.Step, e.Kind, e.Reason)
}

// Unwrap exposes the sentinel matching the kind and the step's reason.
func (e *StepError) Unwrap() []error {
	var errs []error
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Reason != nil {
		errs = append(errs, e.Reason)
	}
	return errs
}

type options struct {
	logger   *zap.Logger
	metrics  *metrics.Collector
	recorder Recorder
}

// Option configures a saga.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the collector step and saga results are counted on.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithRecorder sets where failed compensations are recorded. The default
// is a LogRecorder on the saga's logger.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

type step[T any] struct {
	name       string
	forward    Forward[T]
	compensate Compensator[T]
}

type pending struct {
	step string
	undo Compensation
}

// Saga is an ordered list of steps executed at most once.
type Saga[T any] struct {
	name     string
	steps    []step[T]
	opts     options
	executed atomic.Bool
}

// New creates an empty saga.
func New[T any](name string, opts ...Option) *Saga[T] {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.recorder == nil {
		o.recorder = NewLogRecorder(o.logger)
	}
	return &Saga[T]{
		name: name,
		opts: o,
	}
}

// Name returns the saga name.
func (s *Saga[T]) Name() string {
	return s.name
}

// Len returns the number of steps.
func (s *Saga[T]) Len() int {
	return len(s.steps)
}

// AddStep appends a step. compensate reverts a Saved outcome that does not
// carry its own Undo; it may be nil for steps that always supply one.
func (s *Saga[T]) AddStep(name string, forward Forward[T], compensate Compensator[T]) *Saga[T] {
	s.steps = append(s.steps, step[T]{name: name, forward: forward, compensate: compensate})
	return s
}

// Add appends a step whose Saved outcomes supply their own Undo.
func (s *Saga[T]) Add(name string, forward Forward[T]) *Saga[T] {
	return s.AddStep(name, forward, nil)
}

// AddEffect appends a step that leaves the carried value untouched.
func (s *Saga[T]) AddEffect(name string, fn func(ctx context.Context, value T) Effect) *Saga[T] {
	return s.Add(name, func(ctx context.Context, value T) Outcome[T] {
		return Carry(fn(ctx, value), value)
	})
}

// Execute runs the steps in order. It stops at the first step that does
// not succeed, compensates the completed steps newest first and returns a
// *StepError. On success it returns the value produced by the last step.
func (s *Saga[T]) Execute(ctx context.Context, initial T) (T, error) {
	if !s.executed.CompareAndSwap(false, true) {
		return initial, ErrAlreadyExecuted
	}
	started := time.Now()

	value, undo, serr := s.forward(ctx, initial)
	if serr == nil {
		s.opts.metrics.SagaFinished(s.name, "succeeded", started)
		return value, nil
	}

	result := "compensated"
	if !s.unwind(ctx, undo) {
		result = "inconsistent"
	}
	s.opts.metrics.SagaFinished(s.name, result, started)
	return value, serr
}

// Run executes the saga and reports the result through the callbacks.
// Only errors that are not step failures are returned.
func (s *Saga[T]) Run(ctx context.Context, initial T, onAllSucceeded func(T), onStepFailed func(*StepError)) error {
	value, err := s.Execute(ctx, initial)
	var serr *StepError
	switch {
	case err == nil:
		if onAllSucceeded != nil {
			onAllSucceeded(value)
		}
	case errors.As(err, &serr):
		if onStepFailed != nil {
			onStepFailed(serr)
		}
	default:
		return err
	}
	return nil
}

// Effect executes the saga as a single step of an enclosing saga. On
// success the returned Undo compensates every step of this saga and fails
// with ErrIncompleteCompensation if any of those compensations failed.
func (s *Saga[T]) Effect(ctx context.Context, initial T) Effect {
	if !s.executed.CompareAndSwap(false, true) {
		return Failure(ErrAlreadyExecuted)
	}
	started := time.Now()

	_, undo, serr := s.forward(ctx, initial)
	if serr != nil {
		result := "compensated"
		if !s.unwind(ctx, undo) {
			result = "inconsistent"
		}
		s.opts.metrics.SagaFinished(s.name, result, started)
		return Failure(serr)
	}
	s.opts.metrics.SagaFinished(s.name, "succeeded", started)

	if len(undo) == 0 {
		return Noop()
	}
	return Done(func(ctx context.Context) error {
		if !s.unwind(ctx, undo) {
			return fmt.Errorf("saga %s: %w", s.name, ErrIncompleteCompensation)
		}
		return nil
	})
}

func (s *Saga[T]) forward(ctx context.Context, initial T) (T, []pending, *StepError) {
	value := initial
	var undo []pending

	for i, st := range s.steps {
		out := s.invoke(ctx, st, value)
		s.opts.metrics.StepFinished(s.name, st.name, out.Kind.String())

		if !out.Kind.Succeeded() {
			serr := &StepError{
				Saga:   s.name,
				Step:   st.name,
				Index:  i,
				Kind:   out.Kind,
				Reason: out.Reason,
			}
			s.opts.logger.Warn("saga step failed",
				zap.String("saga", s.name),
				zap.String("step", st.name),
				zap.Int("index", i),
				zap.Stringer("kind", out.Kind),
				zap.Error(out.Reason),
				zap.Int("compensations", len(undo)),
			)
			return value, undo, serr
		}

		if out.Kind == KindSaved {
			if u := compensationFor(st, out); u != nil {
				undo = append(undo, pending{step: st.name, undo: u})
			}
		}
		s.opts.logger.Debug("saga step succeeded",
			zap.String("saga", s.name),
			zap.String("step", st.name),
			zap.Stringer("kind", out.Kind),
		)
		value = out.Value
	}
	return value, undo, nil
}

func compensationFor[T any](st step[T], out Outcome[T]) Compensation {
	if out.Undo != nil {
		return out.Undo
	}
	if st.compensate == nil {
		return nil
	}
	v := out.Value
	return func(ctx context.Context) error {
		return st.compensate(ctx, v)
	}
}

func (s *Saga[T]) invoke(ctx context.Context, st step[T], value T) (out Outcome[T]) {
	defer func() {
		if r := recover(); r != nil {
			out = Fail[T](fmt.Errorf("panic in step %s: %v", st.name, r))
		}
	}()
	return st.forward(ctx, value)
}

// unwind runs the compensations newest first. Failures are swallowed and
// recorded. It reports whether every compensation succeeded.
func (s *Saga[T]) unwind(ctx context.Context, undo []pending) bool {
	ctx = context.WithoutCancel(ctx)
	clean := true
	for i := len(undo) - 1; i >= 0; i-- {
		if err := s.compensate(ctx, undo[i]); err != nil {
			clean = false
		}
	}
	return clean
}

func (s *Saga[T]) compensate(ctx context.Context, p pending) error {
	err := runCompensation(ctx, p)
	s.opts.metrics.Compensated(s.name, err == nil)
	if err == nil {
		return nil
	}

	s.opts.logger.Error("compensation failed",
		zap.String("saga", s.name),
		zap.String("step", p.step),
		zap.Error(err),
	)
	rec := Inconsistency{
		Saga:  s.name,
		Step:  p.step,
		Cause: err,
		At:    time.Now().UTC(),
	}
	if rerr := s.opts.recorder.Record(ctx, rec); rerr != nil {
		s.opts.logger.Error("failed to record inconsistency",
			zap.String("saga", s.name),
			zap.String("step", p.step),
			zap.Error(rerr),
		)
	}
	return err
}

func runCompensation(ctx context.Context, p pending) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in compensation of %s: %v", p.step, r)
		}
	}()
	return p.undo(ctx)
}
