// Package config loads process configuration for the rowsaga binaries.
//
// Values come from, in increasing priority: defaults, an optional YAML
// file, and ROWSAGA_* environment variables. The result is validated
// before use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jacentio/rowsaga/store"
)

// Backend names.
const (
	BackendDynamo = "dynamodb"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROWSAGA_"

// ErrInvalid is returned for configuration that fails validation.
var ErrInvalid = errors.New("rowsaga: invalid configuration")

// Config is the process configuration.
type Config struct {
	Backend    string `yaml:"backend" validate:"required,oneof=dynamodb sqlite memory"`
	SQLitePath string `yaml:"sqlite_path" validate:"required_if=Backend sqlite"`

	AWS     AWS     `yaml:"aws"`
	Tables  Tables  `yaml:"tables"`
	Breaker Breaker `yaml:"breaker"`

	Shards          int    `yaml:"shards" validate:"min=1,max=256"`
	ConflictRetries int    `yaml:"conflict_retries" validate:"min=0,max=100"`
	LogLevel        string `yaml:"log_level" validate:"oneof=debug info warn error"`

	MetricsNamespace string `yaml:"metrics_namespace" validate:"required"`
	MetricsPushURL   string `yaml:"metrics_push_url" validate:"omitempty,url"`
}

// AWS selects the account and endpoint of the DynamoDB backend.
type AWS struct {
	Region   string `yaml:"region"`
	Profile  string `yaml:"profile"`
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
}

// Tables names the tables the maintainers write to.
type Tables struct {
	Index         string `yaml:"index" validate:"required"`
	Unique        string `yaml:"unique" validate:"required"`
	Inconsistency string `yaml:"inconsistency" validate:"required"`
}

// Breaker configures the circuit breaker around the store.
type Breaker struct {
	Enabled          bool          `yaml:"enabled"`
	Timeout          time.Duration `yaml:"timeout" validate:"min=0"`
	FailureThreshold float64       `yaml:"failure_threshold" validate:"gt=0,lte=1"`
	MinRequests      uint32        `yaml:"min_requests"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	sc := store.DefaultConfig()
	bc := store.DefaultBreakerConfig("rowstore")
	return Config{
		Backend: BackendMemory,
		Tables: Tables{
			Index:         sc.IndexTable,
			Unique:        sc.UniqueTable,
			Inconsistency: sc.InconsistencyTable,
		},
		Breaker: Breaker{
			Timeout:          bc.Timeout,
			FailureThreshold: bc.FailureThreshold,
			MinRequests:      bc.MinRequests,
		},
		Shards:           sc.NumShards,
		ConflictRetries:  sc.ConflictRetries,
		LogLevel:         "info",
		MetricsNamespace: "rowsaga",
	}
}

// Load reads the YAML file at path, if any, applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"BACKEND":             &c.Backend,
		"SQLITE_PATH":         &c.SQLitePath,
		"AWS_REGION":          &c.AWS.Region,
		"AWS_PROFILE":         &c.AWS.Profile,
		"AWS_ENDPOINT":        &c.AWS.Endpoint,
		"INDEX_TABLE":         &c.Tables.Index,
		"UNIQUE_TABLE":        &c.Tables.Unique,
		"INCONSISTENCY_TABLE": &c.Tables.Inconsistency,
		"LOG_LEVEL":           &c.LogLevel,
		"METRICS_NAMESPACE":   &c.MetricsNamespace,
		"METRICS_PUSH_URL":    &c.MetricsPushURL,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SHARDS":           &c.Shards,
		"CONFLICT_RETRIES": &c.ConflictRetries,
	}
	for name, dst := range ints {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %w", ErrInvalid, EnvPrefix, name, err)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "BREAKER_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sBREAKER_ENABLED: %w", ErrInvalid, EnvPrefix, err)
		}
		c.Breaker.Enabled = b
	}
	return nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// StoreConfig returns the table layout for the maintainers.
func (c Config) StoreConfig() store.Config {
	return store.Config{
		IndexTable:         c.Tables.Index,
		UniqueTable:        c.Tables.Unique,
		InconsistencyTable: c.Tables.Inconsistency,
		NumShards:          c.Shards,
		ConflictRetries:    c.ConflictRetries,
	}.Normalize()
}

// Logger builds a production zap logger at the configured level.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: log level: %w", ErrInvalid, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	return zc.Build()
}
