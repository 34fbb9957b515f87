// Package delivery sends outbound messages with human-like pacing and a
// bounded retry on rate limiting.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Policy is the pacing and retry discipline of one Client.
type Policy struct {
	MinDelay       time.Duration
	MaxDelay       time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	// RatePerSecond caps sends across all users. Zero means no cap.
	RatePerSecond float64
}

// DefaultPolicy returns the production pacing.
func DefaultPolicy() Policy {
	return Policy{
		MinDelay:       time.Second,
		MaxDelay:       3 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: 2 * time.Second,
		RatePerSecond:  5,
	}
}

// Client wraps a Transport with the retry policy.
type Client struct {
	transport Transport
	policy    Policy
	limiter   *rate.Limiter
	sleep     func(ctx context.Context, d time.Duration) error
	jitter    func(n int64) int64
	newKey    func() string
	logger    *slog.Logger
}

type Option func(*Client)

// WithSleep replaces the wait used for pacing and backoff.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// WithJitter replaces the random source for the human-like delay. fn returns
// a value in [0, n).
func WithJitter(fn func(n int64) int64) Option {
	return func(c *Client) {
		if fn != nil {
			c.jitter = fn
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(t Transport, p Policy, opts ...Option) (*Client, error) {
	if t == nil {
		return nil, errors.New("delivery: transport must not be nil")
	}
	if p.MinDelay < 0 || p.MaxDelay < p.MinDelay {
		return nil, errors.New("delivery: delay range is invalid")
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	limit := rate.Inf
	if p.RatePerSecond > 0 {
		limit = rate.Limit(p.RatePerSecond)
	}
	c := &Client{
		transport: t,
		policy:    p,
		limiter:   rate.NewLimiter(limit, 1),
		sleep:     sleepCtx,
		jitter:    rand.Int63n,
		newKey:    uuid.NewString,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send delivers text to userID. Only a 429 is retried, up to MaxRetries more
// attempts with a linear backoff; any other failure ends the send. Every
// attempt carries the same idempotency key.
func (c *Client) Send(ctx context.Context, userID, text string) bool {
	if _, ok := IdempotencyKey(ctx); !ok {
		ctx = WithIdempotencyKey(ctx, c.newKey())
	}
	for attempt := 0; ; attempt++ {
		if err := c.sleep(ctx, c.humanDelay()); err != nil {
			return false
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return false
		}

		err := c.transport.SendText(ctx, userID, text)
		if err == nil {
			return true
		}
		if !IsRateLimited(err) {
			c.logger.Error("delivery: send failed", "user", userID, "attempt", attempt+1, "err", err)
			return false
		}
		if attempt >= c.policy.MaxRetries {
			c.logger.Error("delivery: rate limited, retries exhausted", "user", userID, "attempt", attempt+1, "err", err)
			return false
		}

		backoff := c.policy.RetryBaseDelay * time.Duration(attempt+1)
		c.logger.Warn("delivery: rate limited, backing off", "user", userID, "attempt", attempt+1, "backoff", backoff)
		if err := c.sleep(ctx, backoff); err != nil {
			return false
		}
	}
}

func (c *Client) humanDelay() time.Duration {
	span := c.policy.MaxDelay - c.policy.MinDelay
	if span <= 0 {
		return c.policy.MinDelay
	}
	return c.policy.MinDelay + time.Duration(c.jitter(int64(span)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
