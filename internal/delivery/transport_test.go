package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPTransport_PostsMessage(t *testing.T) {
	var (
		gotPath, gotAuth, gotKey string
		gotBody                  textMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(srv.URL+"/", StaticToken("tok-123"))
	require.NoError(t, err)
	tr.newID = func() string { return "req-1" }

	require.NoError(t, tr.SendText(context.Background(), "5215512345678", "Tu cita es mañana"))
	require.Equal(t, "/messages/text", gotPath)
	require.Equal(t, "Bearer tok-123", gotAuth)
	require.Equal(t, "req-1", gotKey)
	require.Equal(t, textMessage{To: "5215512345678", Body: "Tu cita es mañana"}, gotBody)
}

func TestHTTPTransport_UsesKeyFromContext(t *testing.T) {
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		if len(keys) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(srv.URL, StaticToken("tok-123"))
	require.NoError(t, err)
	c, err := New(tr, testPolicy(), WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	require.True(t, c.Send(context.Background(), "u1", "hola"))
	require.Len(t, keys, 3)
	require.NotEmpty(t, keys[0])
	require.Equal(t, keys[0], keys[1])
	require.Equal(t, keys[0], keys[2])
}

func TestHTTPTransport_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limit"}`))
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(srv.URL, StaticToken("tok"))
	require.NoError(t, err)

	err = tr.SendText(context.Background(), "u1", "x")
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
	require.Contains(t, statusErr.Body, "rate limit")
	require.True(t, IsRateLimited(err))
}

func TestHTTPTransport_TokenError(t *testing.T) {
	tr, err := NewHTTPTransport("http://gw.invalid", func(context.Context) (string, error) {
		return "", errors.New("ssm down")
	})
	require.NoError(t, err)
	err = tr.SendText(context.Background(), "u1", "x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "resolve token")
	require.False(t, IsRateLimited(err))
}

func TestNewHTTPTransport_Validation(t *testing.T) {
	_, err := NewHTTPTransport(" ", StaticToken("t"))
	require.Error(t, err)
	_, err = NewHTTPTransport("http://gw", nil)
	require.Error(t, err)
}

func TestStaticToken_Empty(t *testing.T) {
	_, err := StaticToken("")(context.Background())
	require.Error(t, err)
}
