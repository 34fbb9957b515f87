// Package buffer merges rapid-fire inbound messages of one user into a single
// batch delivered after a debounce window.
package buffer

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Item is a fully prepared inbound payload. Media must already be resolved
// to text before admission.
type Item struct {
	Text       string
	EventID    string
	SenderName string
	ReceivedAt time.Time
}

// BatchFunc consumes one detached batch. Items keep arrival order.
type BatchFunc func(userID string, items []Item)

// Timer is a scheduled-task handle.
type Timer interface {
	Stop() bool
}

// TimerFunc schedules f after d. The default is time.AfterFunc.
type TimerFunc func(d time.Duration, f func()) Timer

type Option func(*Buffer)

func WithTimerFunc(fn TimerFunc) Option {
	return func(b *Buffer) {
		if fn != nil {
			b.afterFunc = fn
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Buffer) {
		if l != nil {
			b.logger = l
		}
	}
}

type window struct {
	id    uint64
	items []Item
	timer Timer
}

// Buffer owns one debounce window per user. At most one timer is live per
// user; the queue and the timer check change together under mu.
type Buffer struct {
	mu        sync.Mutex
	windowLen time.Duration
	consume   BatchFunc
	afterFunc TimerFunc
	logger    *slog.Logger
	windows   map[string]*window
	nextID    uint64
	stopped   bool
	inflight  sync.WaitGroup
}

func New(windowLen time.Duration, consume BatchFunc, opts ...Option) (*Buffer, error) {
	if windowLen <= 0 {
		return nil, errors.New("buffer: window must be positive")
	}
	if consume == nil {
		return nil, errors.New("buffer: batch consumer must not be nil")
	}
	b := &Buffer{
		windowLen: windowLen,
		consume:   consume,
		afterFunc: func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) },
		logger:    slog.Default(),
		windows:   make(map[string]*window),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Admit queues item for userID, opening a window if none is running. It
// returns false once the buffer is stopped.
func (b *Buffer) Admit(userID string, item Item) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	w, ok := b.windows[userID]
	if !ok {
		b.nextID++
		w = &window{id: b.nextID}
		id := w.id
		w.timer = b.afterFunc(b.windowLen, func() { b.fire(userID, id) })
		b.windows[userID] = w
		b.logger.Debug("buffer: window opened", "user", userID, "window", b.windowLen)
	}
	w.items = append(w.items, item)
	return true
}

// fire detaches the window identified by id. A fire for a window that was
// already flushed is ignored.
func (b *Buffer) fire(userID string, id uint64) {
	b.mu.Lock()
	w, ok := b.windows[userID]
	if !ok || w.id != id {
		b.mu.Unlock()
		return
	}
	delete(b.windows, userID)
	b.inflight.Add(1)
	b.mu.Unlock()

	defer b.inflight.Done()
	b.deliver(userID, w.items)
}

func (b *Buffer) deliver(userID string, items []Item) {
	if len(items) == 0 {
		return
	}
	b.logger.Debug("buffer: batch ready", "user", userID, "items", len(items))
	b.consume(userID, items)
}

// Stopped reports whether Stop was called.
func (b *Buffer) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// Pending returns the number of queued items for userID.
func (b *Buffer) Pending(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.windows[userID]; ok {
		return len(w.items)
	}
	return 0
}

// Flush delivers every open window now, on the calling goroutine.
func (b *Buffer) Flush() {
	for userID, items := range b.detachAll() {
		b.deliver(userID, items)
	}
}

// Stop refuses further admissions, flushes open windows and waits for batches
// already being consumed.
func (b *Buffer) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	b.Flush()
	b.inflight.Wait()
}

func (b *Buffer) detachAll() map[string][]Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]Item, len(b.windows))
	for userID, w := range b.windows {
		w.timer.Stop()
		out[userID] = w.items
		delete(b.windows, userID)
	}
	return out
}
