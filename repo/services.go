// Package repo composes the maintainers into entity write use cases.
//
// A Schema lists, per entity type, which fields are indexed, which are
// unique and which link the entity into a parent's collection. Every write
// runs as one saga so that a failure part way leaves no claims, links or
// lookup rows behind.
package repo

import (
	"go.uber.org/zap"

	"github.com/jacentio/rowsaga/cascade"
	"github.com/jacentio/rowsaga/index"
	"github.com/jacentio/rowsaga/internal/metrics"
	"github.com/jacentio/rowsaga/saga"
	"github.com/jacentio/rowsaga/store"
	"github.com/jacentio/rowsaga/unique"
)

// Services holds the maintainers shared by all repositories of one store.
type Services struct {
	Rows     store.RowStore
	Config   store.Config
	Registry *cascade.Registry
	Indexes  *index.Maintainer
	Uniques  *unique.Enforcer
	Links    *cascade.Maintainer

	logger   *zap.Logger
	metrics  *metrics.Collector
	recorder saga.Recorder
}

// Option configures Services.
type Option func(*Services)

// WithLogger sets the logger used by every maintainer and saga.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Services) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the collector sagas report to.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Services) { s.metrics = c }
}

// WithRecorder sets where failed compensations and stale index members
// are recorded.
func WithRecorder(r saga.Recorder) Option {
	return func(s *Services) { s.recorder = r }
}

// WithRegistry shares a relationship registry between several Services.
func WithRegistry(r *cascade.Registry) Option {
	return func(s *Services) { s.Registry = r }
}

// NewServices wires the maintainers over rows.
func NewServices(rows store.RowStore, config store.Config, opts ...Option) *Services {
	s := &Services{
		Rows:   rows,
		Config: config.Normalize(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Registry == nil {
		s.Registry = cascade.NewRegistry()
	}
	if s.recorder == nil {
		s.recorder = saga.NewLogRecorder(s.logger)
	}
	s.Indexes = index.NewMaintainer(rows, s.Config, s.logger.Named("index"))
	nested := []saga.Option{saga.WithMetrics(s.metrics), saga.WithRecorder(s.recorder)}
	s.Uniques = unique.NewEnforcer(rows, s.Config, s.logger.Named("unique"), nested...)
	s.Links = cascade.NewMaintainer(rows, s.Registry, s.Config, s.logger.Named("cascade"), nested...)
	return s
}

// Logger returns the configured logger.
func (s *Services) Logger() *zap.Logger {
	return s.logger
}

// Recorder returns the inconsistency recorder.
func (s *Services) Recorder() saga.Recorder {
	return s.recorder
}

func newSaga[T any](s *Services, name string) *saga.Saga[T] {
	return saga.New[T](name,
		saga.WithLogger(s.logger.Named("saga")),
		saga.WithMetrics(s.metrics),
		saga.WithRecorder(s.recorder),
	)
}
