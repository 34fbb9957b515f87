package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "kv.db")
	s, err := OpenSQL(context.Background(), SQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStore_RoundTripAndUpsert(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "chat:1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "chat:1", []byte(`[1]`), time.Hour))
	require.NoError(t, s.Set(ctx, "chat:1", []byte(`[1,2]`), time.Hour))

	v, err := s.Get(ctx, "chat:1")
	require.NoError(t, err)
	require.Equal(t, `[1,2]`, string(v))

	require.NoError(t, s.Delete(ctx, "chat:1"))
	_, err = s.Get(ctx, "chat:1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_TTLAndExpiry(t *testing.T) {
	s := newSQLiteStore(t)
	now := fixedNow
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "meeting:1", []byte(`{}`), 3*time.Hour))
	require.NoError(t, s.Set(ctx, "customer:1", []byte(`{}`), 0))

	ttl, err := s.TTL(ctx, "meeting:1")
	require.NoError(t, err)
	require.Equal(t, 3*time.Hour, ttl)

	ttl, err = s.TTL(ctx, "customer:1")
	require.NoError(t, err)
	require.Zero(t, ttl)

	now = now.Add(3 * time.Hour)
	_, err = s.Get(ctx, "meeting:1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_KeysEscapesWildcards(t *testing.T) {
	s := newSQLiteStore(t)
	now := fixedNow
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "meeting:1", []byte(`{}`), 0))
	require.NoError(t, s.Set(ctx, "meeting:2", []byte(`{}`), time.Minute))
	require.NoError(t, s.Set(ctx, "meetingX1", []byte(`{}`), 0))
	require.NoError(t, s.Set(ctx, "m_x", []byte(`{}`), 0))
	require.NoError(t, s.Set(ctx, "mAx", []byte(`{}`), 0))

	keys, err := s.Keys(ctx, "meeting:")
	require.NoError(t, err)
	require.Equal(t, []string{"meeting:1", "meeting:2"}, keys)

	keys, err = s.Keys(ctx, "m_")
	require.NoError(t, err)
	require.Equal(t, []string{"m_x"}, keys)

	now = now.Add(time.Minute)
	keys, err = s.Keys(ctx, "meeting:")
	require.NoError(t, err)
	require.Equal(t, []string{"meeting:1"}, keys)
}

func TestDialectBind(t *testing.T) {
	require.Equal(t, "a = $1 AND b = $2", Postgres.bind("a = ? AND b = ?"))
	require.Equal(t, "a = ? AND b = ?", SQLite.bind("a = ? AND b = ?"))
}

func TestDialectByName(t *testing.T) {
	d, err := DialectByName("PostgreSQL")
	require.NoError(t, err)
	require.Equal(t, Postgres.Name, d.Name)

	_, err = DialectByName("oracle")
	require.Error(t, err)
}
