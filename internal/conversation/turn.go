package conversation

import (
	"context"
	"errors"

	"concierge-agent/internal/domain"
	"concierge-agent/internal/repository"
)

type backing int

const (
	unbound backing = iota
	persistent
	volatile
)

// Turn binds one logical turn of a user to a single backing. The first
// operation probes the key-value store; every later read and append of the
// turn uses whatever that probe chose, so a turn never lands partly in each.
// A Turn is not safe for concurrent use.
type Turn struct {
	store    *Store
	userID   string
	backing  backing
	snapshot []domain.Message
}

// Begin starts a turn for userID.
func (s *Store) Begin(userID string) *Turn {
	return &Turn{store: s, userID: userID}
}

// Degraded reports whether the turn is served from process memory.
func (t *Turn) Degraded() bool {
	return t.backing == volatile
}

// History returns the user's messages, oldest first.
func (t *Turn) History(ctx context.Context) []domain.Message {
	msgs := t.load(ctx)
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Append pushes msgs to the tail, trims the head down to the configured
// maximum, and refreshes the full TTL.
func (t *Turn) Append(ctx context.Context, msgs ...domain.Message) {
	if len(msgs) == 0 {
		return
	}
	current := t.load(ctx)
	next := make([]domain.Message, 0, len(current)+len(msgs))
	next = append(next, current...)
	next = append(next, msgs...)
	next = t.store.trim(next)

	if t.backing == persistent {
		err := repository.SetJSON(ctx, t.store.kv, domain.ChatKey(t.userID), next, t.store.ttl)
		if err == nil {
			t.snapshot = next
			return
		}
		t.store.logger.Warn("conversation: write degraded to memory", "user", t.userID, "err", err)
		t.backing = volatile
	}
	t.store.fallback.write(t.userID, next)
	t.snapshot = next
}

func (t *Turn) load(ctx context.Context) []domain.Message {
	switch t.backing {
	case persistent, volatile:
		return t.snapshot
	}

	msgs, err := repository.GetJSON[[]domain.Message](ctx, t.store.kv, domain.ChatKey(t.userID))
	switch {
	case err == nil:
		t.backing = persistent
		if msgs == nil {
			msgs = []domain.Message{}
		}
	case repository.IsAbsent(err):
		if errors.Is(err, repository.ErrMalformed) {
			t.store.logger.Warn("conversation: malformed history ignored", "user", t.userID, "err", err)
		}
		t.backing = persistent
		msgs = []domain.Message{}
	default:
		t.store.logger.Warn("conversation: read degraded to memory", "user", t.userID, "err", err)
		t.backing = volatile
		msgs = t.store.fallback.read(t.userID)
	}
	t.snapshot = msgs
	return msgs
}
