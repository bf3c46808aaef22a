package metrics

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

// Totals sums every collector over its labels: counters by value,
// histograms by observation count.
func (c *Collector) Totals() (map[string]float64, error) {
	if c == nil {
		return nil, nil
	}
	families, err := c.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	totals := make(map[string]float64, len(families))
	for _, mf := range families {
		var sum float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				sum += float64(m.GetHistogram().GetSampleCount())
			}
		}
		totals[mf.GetName()] = sum
	}
	return totals, nil
}

// Exporter publishes a Collector from processes nothing scrapes, such as
// a Lambda. With a Pushgateway URL it pushes under its own instance label;
// without one it logs the totals.
type Exporter struct {
	collector *Collector
	pusher    *push.Pusher
	logger    *zap.Logger
}

// NewExporter creates an Exporter for c. pushURL may be empty.
func NewExporter(c *Collector, pushURL, job string, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Exporter{collector: c, logger: logger}
	if pushURL != "" && c != nil {
		e.pusher = push.New(pushURL, job).
			Gatherer(c.registry).
			Grouping("instance", uuid.NewString())
	}
	return e
}

// Flush publishes the current values.
func (e *Exporter) Flush(ctx context.Context) error {
	if e.pusher != nil {
		if err := e.pusher.AddContext(ctx); err != nil {
			return fmt.Errorf("push metrics: %w", err)
		}
		return nil
	}
	totals, err := e.collector.Totals()
	if err != nil {
		return err
	}
	e.logger.Info("saga metrics", zap.Any("totals", totals))
	return nil
}
