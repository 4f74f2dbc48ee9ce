package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"minichat/handler"
	"minichat/internal/app"
	"minichat/internal/config"
)

// The Lambda entrypoint only ingests: the dispatch consumer must run in a
// long-lived `minichat serve` process against the same queue and stores.
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	if cfg.Queue.Backend != config.BackendRabbitMQ {
		logger.Warn("lambda ingestion with the in-memory queue drops every scheduled message", "queue_backend", cfg.Queue.Backend)
	}

	a, err := app.New(ctx, cfg, logger, app.Options{DisableListener: true})
	if err != nil {
		slog.Error("failed to wire service", "err", err)
		os.Exit(1)
	}

	lambda.Start(handler.NewLambdaHandler(a.Handler).Handle)
}
