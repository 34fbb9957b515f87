// Package reminder notifies users about scheduled meetings on a polling loop.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"concierge-agent/internal/domain"
	"concierge-agent/internal/repository"
)

const DefaultRetention = 72 * time.Hour

// Entry is a stored meeting with its owner.
type Entry struct {
	UserID  string
	Meeting domain.Meeting
}

// MeetingRepo persists one meeting per user under meeting:{user}.
type MeetingRepo struct {
	kv        repository.Store
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewMeetingRepo(kv repository.Store, retention time.Duration, logger *slog.Logger) (*MeetingRepo, error) {
	if kv == nil {
		return nil, errors.New("reminder: store must not be nil")
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MeetingRepo{kv: kv, retention: retention, now: time.Now, logger: logger}, nil
}

// Validate checks the date and time layouts of m.
func Validate(m domain.Meeting) error {
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("reminder: meeting name must not be empty")
	}
	if _, err := time.Parse(domain.MeetingDateLayout, m.Date); err != nil {
		return fmt.Errorf("reminder: meeting date %q: want YYYY-MM-DD", m.Date)
	}
	if _, err := time.Parse(domain.MeetingTimeLayout, m.Time); err != nil {
		return fmt.Errorf("reminder: meeting time %q: want HH:MM", m.Time)
	}
	return nil
}

// Save schedules m for userID, replacing any previous meeting. Flags start
// unsent and the retention TTL starts over.
func (r *MeetingRepo) Save(ctx context.Context, userID string, m domain.Meeting) (domain.Meeting, error) {
	if err := Validate(m); err != nil {
		return domain.Meeting{}, err
	}
	m.CreatedAt = r.now().UnixMilli()
	m.Flags = domain.MeetingFlags{}
	if err := repository.SetJSON(ctx, r.kv, domain.MeetingKey(userID), m, r.retention); err != nil {
		return domain.Meeting{}, fmt.Errorf("reminder: Save: %w", err)
	}
	return m, nil
}

// Get returns repository.ErrNotFound when no usable meeting is stored.
func (r *MeetingRepo) Get(ctx context.Context, userID string) (domain.Meeting, error) {
	m, err := repository.GetJSON[domain.Meeting](ctx, r.kv, domain.MeetingKey(userID))
	if err != nil {
		if repository.IsAbsent(err) {
			return domain.Meeting{}, repository.ErrNotFound
		}
		return domain.Meeting{}, fmt.Errorf("reminder: Get: %w", err)
	}
	return m, nil
}

// List enumerates every stored meeting. Records that vanish or fail to decode
// between the scan and the read are skipped.
func (r *MeetingRepo) List(ctx context.Context) ([]Entry, error) {
	keys, err := r.kv.Keys(ctx, domain.MeetingKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("reminder: List: %w", err)
	}
	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		userID, ok := domain.MeetingUserID(key)
		if !ok {
			continue
		}
		m, err := repository.GetJSON[domain.Meeting](ctx, r.kv, key)
		if err != nil {
			if !repository.IsAbsent(err) {
				return nil, fmt.Errorf("reminder: List: %w", err)
			}
			if errors.Is(err, repository.ErrMalformed) {
				r.logger.Warn("reminder: malformed meeting skipped", "user", userID, "err", err)
			}
			continue
		}
		out = append(out, Entry{UserID: userID, Meeting: m})
	}
	return out, nil
}

func (r *MeetingRepo) Delete(ctx context.Context, userID string) error {
	if err := r.kv.Delete(ctx, domain.MeetingKey(userID)); err != nil {
		return fmt.Errorf("reminder: Delete: %w", err)
	}
	return nil
}

// UpdateFlags writes m back with its flags, keeping the remaining TTL so a
// write-back never extends retention. A meeting that expired in the meantime
// is not resurrected.
func (r *MeetingRepo) UpdateFlags(ctx context.Context, userID string, m domain.Meeting) error {
	key := domain.MeetingKey(userID)
	ttl, err := r.kv.TTL(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("reminder: UpdateFlags: %w", err)
	}
	if err := repository.SetJSON(ctx, r.kv, key, m, ttl); err != nil {
		return fmt.Errorf("reminder: UpdateFlags: %w", err)
	}
	return nil
}
