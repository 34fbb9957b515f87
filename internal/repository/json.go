package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed marks a stored value that could not be decoded. Callers treat
// it like an absent key.
var ErrMalformed = errors.New("repository: malformed value")

// GetJSON reads key and decodes it into T.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, error) {
	var out T
	raw, err := s.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return out, nil
}

// SetJSON encodes v and stores it under key with the given ttl.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("repository: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw, ttl)
}

// IsAbsent reports whether err means "nothing usable stored under the key".
func IsAbsent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformed)
}
