package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or already expired.
var ErrNotFound = errors.New("repository: key not found")

// Store is the key-value contract the conversation core needs: get, set with
// an optional TTL, delete, remaining TTL and prefix enumeration.
//
// A ttl of zero on Set means "no expiry". TTL returns zero for keys without
// expiry and ErrNotFound for missing keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
}

// expiresAt converts a relative ttl to an absolute deadline. The zero time
// means no expiry.
func expiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// remaining converts an absolute deadline back to a ttl, rounding up to whole
// seconds the way key-value servers report it.
func remaining(now, deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return 0
	}
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	if r := d.Truncate(time.Second); r != d {
		return r + time.Second
	}
	return d
}
