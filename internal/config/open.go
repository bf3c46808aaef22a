package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jacentio/rowsaga/store"
	"github.com/jacentio/rowsaga/store/memstore"
	"github.com/jacentio/rowsaga/store/sqlstore"
)

// OpenStore opens the configured backend. The returned close function
// releases it and is never nil.
func (c Config) OpenStore(ctx context.Context, logger *zap.Logger) (store.RowStore, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	noop := func() error { return nil }

	var (
		rows    store.RowStore
		closeFn = noop
	)
	switch c.Backend {
	case BackendMemory:
		m, err := memstore.New()
		if err != nil {
			return nil, noop, err
		}
		rows = m
	case BackendSQLite:
		s, err := sqlstore.Open(c.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		rows, closeFn = s, s.Close
	case BackendDynamo:
		client, err := c.dynamoClient(ctx)
		if err != nil {
			return nil, noop, err
		}
		rows = store.NewDynamo(client)
	default:
		return nil, noop, fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}

	if c.Breaker.Enabled {
		rows = store.WithBreaker(rows, c.breakerConfig(logger))
	}
	logger.Debug("store opened", zap.String("backend", c.Backend), zap.Bool("breaker", c.Breaker.Enabled))
	return rows, closeFn, nil
}

func (c Config) dynamoClient(ctx context.Context) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if c.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.AWS.Region))
	}
	if c.AWS.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(c.AWS.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if c.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.AWS.Endpoint)
		}
	}), nil
}

func (c Config) breakerConfig(logger *zap.Logger) store.BreakerConfig {
	bc := store.DefaultBreakerConfig("rowstore-" + c.Backend)
	bc.Timeout = c.Breaker.Timeout
	bc.FailureThreshold = c.Breaker.FailureThreshold
	if c.Breaker.MinRequests > 0 {
		bc.MinRequests = c.Breaker.MinRequests
	}
	bc.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn("store circuit breaker changed state",
			zap.String("breaker", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
	return bc
}
