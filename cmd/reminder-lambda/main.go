package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/viper"

	"concierge-agent/handler"
	"concierge-agent/internal/app"
	"concierge-agent/internal/config"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (env only on Lambda) ----
	v := viper.New()
	config.SetDefaults(v)
	v.SetDefault("store.backend", config.BackendDynamoDB)
	v.SetDefault("logging.format", "json")
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := config.Load(v)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger, err := config.NewLogger(os.Stderr, cfg.Logging)
	if err != nil {
		slog.Error("invalid logging configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	// ---- Object graph ----
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to build app", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(a.Scheduler, logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
