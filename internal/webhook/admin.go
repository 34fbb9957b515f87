package webhook

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"concierge-agent/internal/domain"
	"concierge-agent/internal/usecase"
)

type meetingRequest struct {
	Name string `json:"name"`
	Date string `json:"date"`
	Time string `json:"time"`
}

type meetingResponse struct {
	UserID  string         `json:"user"`
	Meeting domain.Meeting `json:"meeting"`
}

// PutMeeting schedules or replaces the meeting of a user.
// PUT /v1/meetings/:user
func (h *Handler) PutMeeting(c echo.Context) error {
	var req meetingRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
	}
	user := c.Param("user")
	m, err := h.svc.ScheduleMeeting(c.Request().Context(), user, usecase.MeetingInput{
		Name: req.Name,
		Date: req.Date,
		Time: req.Time,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	h.log(c).Info("meeting scheduled", "user", user, "date", m.Date, "time", m.Time)
	return c.JSON(http.StatusOK, meetingResponse{UserID: user, Meeting: m})
}

// GET /v1/meetings/:user
func (h *Handler) GetMeeting(c echo.Context) error {
	user := c.Param("user")
	m, err := h.svc.GetMeeting(c.Request().Context(), user)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, meetingResponse{UserID: user, Meeting: m})
}

// GET /v1/meetings
func (h *Handler) ListMeetings(c echo.Context) error {
	entries, err := h.svc.ListMeetings(c.Request().Context())
	if err != nil {
		return h.writeError(c, err)
	}
	out := make([]meetingResponse, len(entries))
	for i, e := range entries {
		out[i] = meetingResponse{UserID: e.UserID, Meeting: e.Meeting}
	}
	return c.JSON(http.StatusOK, map[string]any{"meetings": out})
}

// DELETE /v1/meetings/:user
func (h *Handler) DeleteMeeting(c echo.Context) error {
	if err := h.svc.CancelMeeting(c.Request().Context(), c.Param("user")); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DELETE /v1/conversations/:user
func (h *Handler) DeleteConversation(c echo.Context) error {
	if err := h.svc.ClearConversation(c.Request().Context(), c.Param("user")); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
