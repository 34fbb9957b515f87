// Package handler adapts the reminder tick to an AWS Lambda invoked by an
// EventBridge schedule.
package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"concierge-agent/internal/reminder"
)

type Ticker interface {
	RunOnce(ctx context.Context) (reminder.TickReport, error)
}

// Response is the Lambda result, visible in the invocation log.
type Response struct {
	CorrelationID string `json:"correlationId"`
	Skipped       bool   `json:"skipped,omitempty"`
	Items         int    `json:"items"`
	Sent          int    `json:"sent"`
	OptedOut      int    `json:"optedOut"`
	Failed        int    `json:"failed"`
}

type Handler struct {
	ticker Ticker
	logger *slog.Logger
}

func NewHandler(ticker Ticker, logger *slog.Logger) (*Handler, error) {
	if ticker == nil {
		return nil, errors.New("handler: ticker must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ticker: ticker, logger: logger}, nil
}

// Handle runs one tick. An overlapping invocation is reported as skipped,
// not failed, so the schedule does not retry it.
func (h *Handler) Handle(ctx context.Context, event events.CloudWatchEvent) (Response, error) {
	correlationID := event.ID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", correlationID)

	report, err := h.ticker.RunOnce(ctx)
	if errors.Is(err, reminder.ErrTickInProgress) {
		log.Warn("reminder tick skipped")
		return Response{CorrelationID: correlationID, Skipped: true}, nil
	}
	if err != nil {
		log.Error("reminder tick failed", "err", err)
		return Response{CorrelationID: correlationID}, err
	}
	log.Info("reminder tick finished", "items", report.Items, "sent", report.Sent, "failed", report.Failed)
	return Response{
		CorrelationID: correlationID,
		Items:         report.Items,
		Sent:          report.Sent,
		OptedOut:      report.OptedOut,
		Failed:        report.Failed,
	}, nil
}
