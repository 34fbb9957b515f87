package main

import (
	"github.com/spf13/cobra"

	"concierge-agent/internal/app"
)

func newRemindOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remind-once",
		Short: "Evaluate every scheduled meeting once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			report, err := a.Scheduler.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("reminder pass finished",
				"items", report.Items, "sent", report.Sent, "opted_out", report.OptedOut, "failed", report.Failed)
			return nil
		},
	}
}
