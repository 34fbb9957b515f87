package webhook

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"concierge-agent/internal/domain"
	"concierge-agent/internal/usecase"
)

// inboundPayload is the provider's webhook body. One delivery may carry
// several messages.
type inboundPayload struct {
	Messages []inboundMessage `json:"messages"`
}

type inboundMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	FromName  string `json:"from_name"`
	FromMe    bool   `json:"from_me"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
}

type inboundResult struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
}

func (m inboundMessage) event(now time.Time) domain.InboundEvent {
	received := now
	if m.Timestamp > 0 {
		received = time.Unix(m.Timestamp, 0)
	}
	return domain.InboundEvent{
		EventID:    m.ID,
		UserID:     m.From,
		SenderName: m.FromName,
		Text:       m.Text.Body,
		FromSelf:   m.FromMe,
		ReceivedAt: received,
		Kind:       strings.ToLower(strings.TrimSpace(m.Type)),
	}
}

// Inbound admits every message of a webhook delivery.
// POST /webhook
func (h *Handler) Inbound(c echo.Context) error {
	ctx := c.Request().Context()

	var body inboundPayload
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
	}

	results := make([]inboundResult, 0, len(body.Messages))
	for _, m := range body.Messages {
		out, err := h.svc.HandleInbound(ctx, m.event(h.now()))
		if err != nil {
			if usecase.CodeOf(err) == usecase.ErrorInvalidInput {
				h.log(c).Warn("inbound message rejected", "event_id", m.ID, "err", err)
				results = append(results, inboundResult{ID: m.ID, Outcome: "rejected"})
				continue
			}
			return h.writeError(c, err)
		}
		results = append(results, inboundResult{ID: m.ID, Outcome: string(out)})
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}
