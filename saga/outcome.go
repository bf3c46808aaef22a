package saga

import (
	"context"
	"errors"

	"github.com/jacentio/rowsaga/store"
)

// ErrRejected marks a step that refused to proceed, such as a failed
// business precondition.
var ErrRejected = errors.New("rowsaga: step rejected")

// Kind classifies the result of a step.
type Kind int

const (
	KindSaved Kind = iota + 1
	KindUnchanged
	KindRejected
	KindNotFound
	KindAlreadyExists
	KindConflict
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindSaved:
		return "saved"
	case KindUnchanged:
		return "unchanged"
	case KindRejected:
		return "rejected"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindConflict:
		return "conflict"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Succeeded reports whether the saga may continue after this kind.
func (k Kind) Succeeded() bool {
	return k == KindSaved || k == KindUnchanged
}

func (k Kind) sentinel() error {
	switch k {
	case KindRejected:
		return ErrRejected
	case KindNotFound:
		return store.ErrNotFound
	case KindAlreadyExists:
		return store.ErrAlreadyExists
	case KindConflict:
		return store.ErrConcurrentModification
	default:
		return nil
	}
}

// Classify maps an error to the outcome kind it represents. A nil error
// is KindUnchanged.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnchanged
	case errors.Is(err, ErrRejected):
		return KindRejected
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, store.ErrConcurrentModification):
		return KindConflict
	default:
		return KindFailed
	}
}

// Compensation reverts the persistent effect of one successful step.
type Compensation func(ctx context.Context) error

// Outcome is the tagged result of a step. Value is the value carried to
// the next step. Undo is only meaningful for KindSaved.
type Outcome[T any] struct {
	Kind   Kind
	Value  T
	Undo   Compensation
	Reason error
}

// Effect is the outcome of a step that produces no value of its own.
type Effect = Outcome[struct{}]

// Ok reports whether the outcome lets the saga continue.
func (o Outcome[T]) Ok() bool {
	return o.Kind.Succeeded()
}

// Err returns nil for successful outcomes and an error matching the
// outcome kind otherwise.
func (o Outcome[T]) Err() error {
	if o.Ok() {
		return nil
	}
	if o.Reason != nil {
		if s := o.Kind.sentinel(); s != nil && !errors.Is(o.Reason, s) {
			return errors.Join(s, o.Reason)
		}
		return o.Reason
	}
	if s := o.Kind.sentinel(); s != nil {
		return s
	}
	return errors.New("rowsaga: step failed")
}

// Save reports a persistent change that undo reverts. A nil undo falls
// back to the compensator registered with the step.
func Save[T any](v T, undo Compensation) Outcome[T] {
	return Outcome[T]{Kind: KindSaved, Value: v, Undo: undo}
}

// Keep reports success without a persistent change.
func Keep[T any](v T) Outcome[T] {
	return Outcome[T]{Kind: KindUnchanged, Value: v}
}

// Reject reports a refused step.
func Reject[T any](reason error) Outcome[T] {
	return Outcome[T]{Kind: KindRejected, Reason: reason}
}

// Fail reports a failed step, classified by Classify. A nil err is
// treated as a generic failure.
func Fail[T any](err error) Outcome[T] {
	if err == nil {
		return Outcome[T]{Kind: KindFailed}
	}
	return Outcome[T]{Kind: Classify(err), Reason: err}
}

// FromError returns Keep(v) for a nil err and Fail(err) otherwise.
func FromError[T any](v T, err error) Outcome[T] {
	if err == nil {
		return Keep(v)
	}
	return Fail[T](err)
}

// Done reports an effect that undo reverts.
func Done(undo Compensation) Effect {
	return Save(struct{}{}, undo)
}

// Noop reports an effect that changed nothing.
func Noop() Effect {
	return Keep(struct{}{})
}

// Failure reports a failed effect, classified by Classify.
func Failure(err error) Effect {
	return Fail[struct{}](err)
}

// Carry turns an effect into an outcome carrying v.
func Carry[T any](e Effect, v T) Outcome[T] {
	return Outcome[T]{Kind: e.Kind, Value: v, Undo: e.Undo, Reason: e.Reason}
}
