package metrics

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestTotals(t *testing.T) {
	c := NewCollector("test")
	c.SagaFinished("create user", "succeeded", time.Now())
	c.SagaFinished("update user", "compensated", time.Now())
	c.StepFinished("create user", "row", "saved")
	c.Compensated("update user", false)

	totals, err := c.Totals()
	require.NoError(t, err)
	assert.Equal(t, 2.0, totals["test_sagas_total"])
	assert.Equal(t, 1.0, totals["test_saga_steps_total"])
	assert.Equal(t, 1.0, totals["test_compensations_total"])
	assert.Equal(t, 2.0, totals["test_saga_duration_seconds"])

	var nilCollector *Collector
	totals, err = nilCollector.Totals()
	require.NoError(t, err)
	assert.Nil(t, totals)
}

func TestExporter_LogsWithoutGateway(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := NewCollector("test")
	c.SagaFinished("create user", "succeeded", time.Now())

	require.NoError(t, NewExporter(c, "", "stream", zap.New(core)).Flush(context.Background()))
	entries := logs.FilterMessage("saga metrics").All()
	require.Len(t, entries, 1)
	totals, ok := entries[0].ContextMap()["totals"].(map[string]float64)
	require.True(t, ok)
	assert.Equal(t, 1.0, totals["test_sagas_total"])
}

func TestExporter_PushesToGateway(t *testing.T) {
	var (
		mu     sync.Mutex
		paths  []string
		bodies []string
	)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		bodies = append(bodies, buf.String())
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	c := NewCollector("test")
	c.SagaFinished("create user", "succeeded", time.Now())
	e := NewExporter(c, gateway.URL, "stream", nil)
	require.NoError(t, e.Flush(context.Background()))
	require.NoError(t, e.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 2)
	assert.True(t, strings.HasPrefix(paths[0], "POST /metrics/job/stream/instance/"), paths[0])
	assert.Equal(t, paths[0], paths[1], "one instance label per exporter")
	assert.NotEmpty(t, bodies[0])
}

func TestExporter_PushFailure(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer gateway.Close()

	err := NewExporter(NewCollector("test"), gateway.URL, "stream", nil).Flush(context.Background())
	assert.ErrorContains(t, err, "push metrics")
}
