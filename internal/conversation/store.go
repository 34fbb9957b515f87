// Package conversation keeps the bounded per-user dialogue history and the
// write-once customer profile, degrading to process memory when the
// key-value store is unreachable.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"concierge-agent/internal/domain"
	"concierge-agent/internal/repository"
)

const (
	defaultMaxHistory = 20
	defaultTTL        = 7 * 24 * time.Hour
	defaultProfileTTL = 365 * 24 * time.Hour
)

// Config bounds history size and lifetimes. FallbackTTL of zero keeps
// in-memory history until the process exits.
type Config struct {
	MaxHistory  int
	TTL         time.Duration
	ProfileTTL  time.Duration
	FallbackTTL time.Duration
}

// Store is the conversation store. All history mutation goes through a Turn.
type Store struct {
	kv         repository.Store
	maxHistory int
	ttl        time.Duration
	profileTTL time.Duration
	fallback   *fallbackTable
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Store on top of kv.
func New(kv repository.Store, cfg Config, logger *slog.Logger) (*Store, error) {
	if kv == nil {
		return nil, errors.New("conversation: store must not be nil")
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.ProfileTTL <= 0 {
		cfg.ProfileTTL = defaultProfileTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		kv:         kv,
		maxHistory: cfg.MaxHistory,
		ttl:        cfg.TTL,
		profileTTL: cfg.ProfileTTL,
		logger:     logger,
		now:        time.Now,
	}
	s.fallback = newFallbackTable(cfg.FallbackTTL, func() time.Time { return s.now() })
	return s, nil
}

// Read returns the history of userID, oldest first. It never fails.
func (s *Store) Read(ctx context.Context, userID string) []domain.Message {
	return s.Begin(userID).History(ctx)
}

// Append adds msg to the history of userID as a single-operation turn.
func (s *Store) Append(ctx context.Context, userID string, msg domain.Message) {
	s.Begin(userID).Append(ctx, msg)
}

// Clear destroys the history of userID in both backings.
func (s *Store) Clear(ctx context.Context, userID string) error {
	s.fallback.clearHistory(userID)
	if err := s.kv.Delete(ctx, domain.ChatKey(userID)); err != nil {
		return err
	}
	return nil
}

// trim keeps the newest maxHistory messages.
func (s *Store) trim(msgs []domain.Message) []domain.Message {
	if len(msgs) <= s.maxHistory {
		return msgs
	}
	out := make([]domain.Message, s.maxHistory)
	copy(out, msgs[len(msgs)-s.maxHistory:])
	return out
}

// ReadProfile returns the stored profile, if any.
func (s *Store) ReadProfile(ctx context.Context, userID string) (domain.CustomerProfile, bool) {
	p, err := repository.GetJSON[domain.CustomerProfile](ctx, s.kv, domain.CustomerKey(userID))
	switch {
	case err == nil:
		return p, true
	case repository.IsAbsent(err):
		if errors.Is(err, repository.ErrMalformed) {
			s.logger.Warn("conversation: malformed profile ignored", "user", userID, "err", err)
		}
		return domain.CustomerProfile{}, false
	default:
		s.logger.Warn("conversation: profile read degraded to memory", "user", userID, "err", err)
		return s.fallback.profile(userID)
	}
}

// SaveProfile stores p unless a profile already exists, and returns the
// profile in effect afterwards.
func (s *Store) SaveProfile(ctx context.Context, userID string, p domain.CustomerProfile) domain.CustomerProfile {
	key := domain.CustomerKey(userID)
	existing, err := repository.GetJSON[domain.CustomerProfile](ctx, s.kv, key)
	switch {
	case err == nil:
		return existing
	case !repository.IsAbsent(err):
		s.logger.Warn("conversation: profile read degraded to memory", "user", userID, "err", err)
		return s.fallback.saveProfileIfAbsent(userID, s.stamp(p))
	}

	p = s.stamp(p)
	if err := repository.SetJSON(ctx, s.kv, key, p, s.profileTTL); err != nil {
		s.logger.Warn("conversation: profile write degraded to memory", "user", userID, "err", err)
		return s.fallback.saveProfileIfAbsent(userID, p)
	}
	return p
}

func (s *Store) stamp(p domain.CustomerProfile) domain.CustomerProfile {
	if p.SavedAt == 0 {
		p.SavedAt = s.now().UnixMilli()
	}
	return p
}
