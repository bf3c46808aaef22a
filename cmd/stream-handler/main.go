// Command stream-handler is the Lambda that releases the claims, parent
// links and lookup entries of rows removed by DynamoDB TTL.
package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/jacentio/rowsaga/internal/config"
	"github.com/jacentio/rowsaga/internal/metrics"
	"github.com/jacentio/rowsaga/reconcile"
	"github.com/jacentio/rowsaga/repo"
	"github.com/jacentio/rowsaga/stream"
)

func main() {
	cfg, err := config.Load(os.Getenv("ROWSAGA_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	rows, closeFn, err := cfg.OpenStore(context.Background(), logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer closeFn()

	storeCfg := cfg.StoreConfig()
	collector := metrics.NewCollector(cfg.MetricsNamespace)
	svc := repo.NewServices(rows, storeCfg,
		repo.WithLogger(logger),
		repo.WithMetrics(collector),
		repo.WithRecorder(reconcile.NewTableRecorder(rows, storeCfg)),
	)
	exporter := metrics.NewExporter(collector, cfg.MetricsPushURL, "stream-handler", logger.Named("metrics"))
	handler := stream.NewHandler(repo.NewJanitor(svc), logger.Named("stream")).WithFlusher(exporter)

	logger.Info("stream handler initialized",
		zap.String("backend", cfg.Backend),
		zap.Bool("metrics_push", cfg.MetricsPushURL != ""),
	)
	lambda.Start(handler.HandleExpirations)
}
