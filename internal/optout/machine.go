package optout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"concierge-agent/internal/domain"
	"concierge-agent/internal/repository"
)

// StateMachine keeps the Subscribed/OptedOut state of each user. The state is
// the presence of the customer:{user}.optOut record.
type StateMachine struct {
	kv       repository.Store
	detector *Detector
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewStateMachine creates a StateMachine. ttl is the lifetime of an opt-out
// record, the same as the conversation TTL.
func NewStateMachine(kv repository.Store, detector *Detector, ttl time.Duration, logger *slog.Logger) (*StateMachine, error) {
	if kv == nil {
		return nil, errors.New("optout: store must not be nil")
	}
	if detector == nil {
		return nil, errors.New("optout: detector must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{kv: kv, detector: detector, ttl: ttl, logger: logger, now: time.Now}, nil
}

// IsOptedOut reports the current state. A malformed record counts as absent.
func (m *StateMachine) IsOptedOut(ctx context.Context, userID string) (bool, error) {
	_, err := repository.GetJSON[domain.OptOutStatus](ctx, m.kv, domain.OptOutKey(userID))
	switch {
	case err == nil:
		return true, nil
	case repository.IsAbsent(err):
		return false, nil
	default:
		return false, err
	}
}

// Reengage moves the user back to Subscribed. Any inbound message does this,
// so the record is deleted without looking at it first.
func (m *StateMachine) Reengage(ctx context.Context, userID string) {
	if err := m.kv.Delete(ctx, domain.OptOutKey(userID)); err != nil {
		m.logger.Warn("optout: clear failed", "user", userID, "err", err)
	}
}

// OptOut moves the user to OptedOut.
func (m *StateMachine) OptOut(ctx context.Context, userID, reason string) error {
	status := domain.OptOutStatus{
		Unsubscribed: true,
		Timestamp:    m.now().UnixMilli(),
		Reason:       reason,
	}
	return repository.SetJSON(ctx, m.kv, domain.OptOutKey(userID), status, m.ttl)
}

// Evaluate runs detection on text and applies an actionable verdict. It
// reports true only when the user is now OptedOut; a failed write is logged
// and reported as no change.
func (m *StateMachine) Evaluate(ctx context.Context, userID, text string) (Detection, bool) {
	det := m.detector.Detect(ctx, text)
	if !det.Actionable() {
		return det, false
	}
	if err := m.OptOut(ctx, userID, det.Phrase); err != nil {
		m.logger.Warn("optout: set failed", "user", userID, "err", err)
		return det, false
	}
	m.logger.Info("optout: user opted out",
		"user", userID, "confidence", string(det.Confidence), "phrase", det.Phrase)
	return det, true
}
