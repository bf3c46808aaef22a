package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/jacentio/rowsaga/store"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rowsaga.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("", env(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, store.DefaultConfig(), cfg.StoreConfig())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
backend: sqlite
sqlite_path: /tmp/rows.db
shards: 8
log_level: debug
tables:
  index: idx
  unique: uniq
  inconsistency: broken
breaker:
  enabled: true
  timeout: 15s
  failure_threshold: 0.5
`)

	cfg, err := load(path, env(map[string]string{
		"ROWSAGA_SHARDS":           "16",
		"ROWSAGA_UNIQUE_TABLE":     "claims",
		"ROWSAGA_LOG_LEVEL":        "",
		"ROWSAGA_METRICS_PUSH_URL": "http://pushgateway:9091",
	}))
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, "/tmp/rows.db", cfg.SQLitePath)
	assert.Equal(t, 16, cfg.Shards)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 15*time.Second, cfg.Breaker.Timeout)
	assert.True(t, cfg.Breaker.Enabled)
	assert.Equal(t, "http://pushgateway:9091", cfg.MetricsPushURL)

	sc := cfg.StoreConfig()
	assert.Equal(t, "idx", sc.IndexTable)
	assert.Equal(t, "claims", sc.UniqueTable)
	assert.Equal(t, "broken", sc.InconsistencyTable)
	assert.Equal(t, 16, sc.NumShards)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{name: "unknown backend", env: map[string]string{"ROWSAGA_BACKEND": "redis"}},
		{name: "sqlite without path", env: map[string]string{"ROWSAGA_BACKEND": "sqlite"}},
		{name: "too many shards", env: map[string]string{"ROWSAGA_SHARDS": "1024"}},
		{name: "shards not a number", env: map[string]string{"ROWSAGA_SHARDS": "many"}},
		{name: "bad breaker flag", env: map[string]string{"ROWSAGA_BREAKER_ENABLED": "maybe"}},
		{name: "bad log level", env: map[string]string{"ROWSAGA_LOG_LEVEL": "loud"}},
		{name: "bad endpoint", env: map[string]string{"ROWSAGA_AWS_ENDPOINT": "not a url"}},
		{name: "bad push url", env: map[string]string{"ROWSAGA_METRICS_PUSH_URL": "gateway"}},
		{name: "unknown field", file: "backend: memory\nbogus: 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}
			_, err := load(path, env(tt.env))
			require.Error(t, err)
			if tt.file == "" {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "absent.yaml"), env(nil))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "warn"
	logger, err := cfg.Logger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	key := store.Key{Table: "t", Partition: "p", Row: "r"}

	t.Run("memory with breaker", func(t *testing.T) {
		cfg := Default()
		cfg.Breaker.Enabled = true
		rows, closeFn, err := cfg.OpenStore(ctx, nil)
		require.NoError(t, err)
		defer closeFn()

		_, err = rows.Create(ctx, key, store.Props{"a": "b"})
		require.NoError(t, err)
		_, err = rows.FindByID(ctx, key)
		assert.NoError(t, err)
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := Default()
		cfg.Backend = BackendSQLite
		cfg.SQLitePath = filepath.Join(t.TempDir(), "rows.db")
		rows, closeFn, err := cfg.OpenStore(ctx, nil)
		require.NoError(t, err)

		_, err = rows.Create(ctx, key, store.Props{"a": "b"})
		require.NoError(t, err)
		require.NoError(t, closeFn())
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := Default()
		cfg.Backend = "redis"
		_, closeFn, err := cfg.OpenStore(ctx, nil)
		assert.ErrorIs(t, err, ErrInvalid)
		assert.NotNil(t, closeFn)
	})
}
