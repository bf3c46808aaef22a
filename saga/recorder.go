package saga

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Inconsistency describes a compensation that could not be applied. The
// store may hold a partial effect of the named step.
type Inconsistency struct {
	Saga  string
	Step  string
	Cause error
	At    time.Time
}

// Recorder keeps inconsistencies for later reconciliation.
type Recorder interface {
	Record(ctx context.Context, inc Inconsistency) error
}

// LogRecorder records inconsistencies as log entries.
type LogRecorder struct {
	logger *zap.Logger
}

// NewLogRecorder creates a LogRecorder. A nil logger discards entries.
func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(_ context.Context, inc Inconsistency) error {
	r.logger.Warn("data inconsistency",
		zap.String("saga", inc.Saga),
		zap.String("step", inc.Step),
		zap.Time("at", inc.At),
		zap.Error(inc.Cause),
	)
	return nil
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, inc Inconsistency) error

func (f RecorderFunc) Record(ctx context.Context, inc Inconsistency) error {
	return f(ctx, inc)
}
