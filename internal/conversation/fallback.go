package conversation

import (
	"sync"
	"time"

	"concierge-agent/internal/domain"
)

type fallbackHistory struct {
	msgs    []domain.Message
	touched time.Time
}

// fallbackTable is the in-process backing used while the key-value store is
// unreachable. With ttl == 0 entries live until the process exits.
type fallbackTable struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	history  map[string]fallbackHistory
	profiles map[string]domain.CustomerProfile
}

func newFallbackTable(ttl time.Duration, now func() time.Time) *fallbackTable {
	return &fallbackTable{
		ttl:      ttl,
		now:      now,
		history:  make(map[string]fallbackHistory),
		profiles: make(map[string]domain.CustomerProfile),
	}
}

func (f *fallbackTable) read(userID string) []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.history[userID]
	if !ok {
		return []domain.Message{}
	}
	if f.ttl > 0 && f.now().Sub(h.touched) >= f.ttl {
		delete(f.history, userID)
		return []domain.Message{}
	}
	out := make([]domain.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

func (f *fallbackTable) write(userID string, msgs []domain.Message) {
	stored := make([]domain.Message, len(msgs))
	copy(stored, msgs)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[userID] = fallbackHistory{msgs: stored, touched: f.now()}
}

func (f *fallbackTable) clearHistory(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.history, userID)
}

func (f *fallbackTable) profile(userID string) (domain.CustomerProfile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	return p, ok
}

func (f *fallbackTable) saveProfileIfAbsent(userID string, p domain.CustomerProfile) domain.CustomerProfile {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.profiles[userID]; ok {
		return existing
	}
	f.profiles[userID] = p
	return p
}

func (f *fallbackTable) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.history)
}
