package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Transport performs a single outbound send.
type Transport interface {
	SendText(ctx context.Context, to, text string) error
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("delivery: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// IsRateLimited reports whether err carries a 429 status.
func IsRateLimited(err error) bool {
	var sc httpStatusCoder
	return errors.As(err, &sc) && sc.HTTPStatusCode() == http.StatusTooManyRequests
}

type idempotencyKey struct{}

// WithIdempotencyKey attaches the key shared by every attempt of one send.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKey returns the key attached by WithIdempotencyKey.
func IdempotencyKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKey{}).(string)
	return key, ok && key != ""
}

// TokenFunc returns the bearer token for the messaging API.
type TokenFunc func(ctx context.Context) (string, error)

// StaticToken returns a TokenFunc for a fixed token.
func StaticToken(token string) TokenFunc {
	return func(context.Context) (string, error) {
		if token == "" {
			return "", errors.New("delivery: token is empty")
		}
		return token, nil
	}
}

type textMessage struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// HTTPTransport posts text messages to a messaging gateway.
type HTTPTransport struct {
	baseURL    string
	token      TokenFunc
	httpClient *http.Client
	newID      func() string
}

type TransportOption func(*HTTPTransport)

func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		if c != nil {
			t.httpClient = c
		}
	}
}

func NewHTTPTransport(baseURL string, token TokenFunc, opts ...TransportOption) (*HTTPTransport, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("delivery: base url must not be empty")
	}
	if token == nil {
		return nil, errors.New("delivery: token source must not be nil")
	}
	t := &HTTPTransport{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *HTTPTransport) SendText(ctx context.Context, to, text string) error {
	token, err := t.token(ctx)
	if err != nil {
		return fmt.Errorf("delivery: resolve token: %w", err)
	}
	body, err := json.Marshal(textMessage{To: to, Body: text})
	if err != nil {
		return fmt.Errorf("delivery: marshal message: %w", err)
	}

	url := t.baseURL + "/messages/text"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("delivery: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	key, ok := IdempotencyKey(ctx)
	if !ok {
		key = t.newID()
	}
	req.Header.Set("Idempotency-Key", key)

	res, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delivery: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))
	return nil
}
