package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"concierge-agent/internal/app"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and the reminder loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Warn("close failed", "err", err)
				}
			}()

			e := echo.New()
			e.HideBanner = true
			e.HidePort = true
			e.Use(middleware.Recover())
			e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
				LogMethod:   true,
				LogURI:      true,
				LogStatus:   true,
				LogLatency:  true,
				HandleError: true,
				LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
					logger.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
					return nil
				},
			}))
			a.Webhook.RegisterRoutes(e)

			if err := a.Scheduler.Start(ctx); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("webhook server listening", "addr", cfg.Server.Addr)
				if err := e.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				err := e.Shutdown(shutdownCtx)
				a.Scheduler.Stop()
				a.Concierge.Stop()
				return err
			})
			return g.Wait()
		},
	}
	return cmd
}
