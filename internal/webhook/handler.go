// Package webhook is the HTTP surface: the chat provider's inbound webhook,
// a health probe and the admin routes for meetings and conversations.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"concierge-agent/internal/domain"
	"concierge-agent/internal/reminder"
	"concierge-agent/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerSecret        = "X-Webhook-Secret"
)

type Service interface {
	HandleInbound(ctx context.Context, ev domain.InboundEvent) (usecase.Outcome, error)
	ScheduleMeeting(ctx context.Context, userID string, in usecase.MeetingInput) (domain.Meeting, error)
	GetMeeting(ctx context.Context, userID string) (domain.Meeting, error)
	ListMeetings(ctx context.Context) ([]reminder.Entry, error)
	CancelMeeting(ctx context.Context, userID string) error
	ClearConversation(ctx context.Context, userID string) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	svc    Service
	store  Pinger
	secret string
	logger *slog.Logger
	now    func() time.Time
}

func NewHandler(svc Service, store Pinger, secret string, logger *slog.Logger) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("webhook: service must not be nil")
	}
	if store == nil {
		return nil, errors.New("webhook: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, store: store, secret: secret, logger: logger, now: time.Now}, nil
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)

	g := e.Group("", h.correlate, h.authenticate)
	g.POST("/webhook", h.Inbound)

	g.GET("/v1/meetings", h.ListMeetings)
	g.PUT("/v1/meetings/:user", h.PutMeeting)
	g.GET("/v1/meetings/:user", h.GetMeeting)
	g.DELETE("/v1/meetings/:user", h.DeleteMeeting)
	g.DELETE("/v1/conversations/:user", h.DeleteConversation)
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) correlate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := strings.TrimSpace(c.Request().Header.Get(headerCorrelationID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("correlation_id", id)
		c.Response().Header().Set(headerCorrelationID, id)
		return next(c)
	}
}

func (h *Handler) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.secret == "" {
			return next(c)
		}
		got := c.Request().Header.Get(headerSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "UNAUTHORIZED"})
		}
		return next(c)
	}
}

func (h *Handler) log(c echo.Context) *slog.Logger {
	if id, ok := c.Get("correlation_id").(string); ok {
		return h.logger.With("correlation_id", id)
	}
	return h.logger
}

// Health pings the persistent store.
// GET /healthz
func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", "err", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeError(c echo.Context, err error) error {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		h.log(c).Error("request failed", "path", c.Path(), "err", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	status := statusForCode(ue.Code)
	if status >= http.StatusInternalServerError {
		h.log(c).Error("request failed", "path", c.Path(), "code", ue.Code, "reason", ue.Reason, "err", ue.Err)
	}
	return c.JSON(status, errorResponse{Error: string(ue.Code), Reason: ue.Reason})
}

func statusForCode(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	case usecase.ErrorUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
