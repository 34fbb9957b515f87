package optout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"concierge-agent/internal/domain"
	"concierge-agent/internal/repository"
)

type failingStore struct {
	*repository.MemoryStore
	setErr    error
	deleteErr error
	getErr    error
	ops       []string
}

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.ops = append(f.ops, "get")
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.ops = append(f.ops, "set")
	if f.setErr != nil {
		return f.setErr
	}
	return f.MemoryStore.Set(ctx, key, value, ttl)
}

func (f *failingStore) Delete(ctx context.Context, key string) error {
	f.ops = append(f.ops, "delete")
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.MemoryStore.Delete(ctx, key)
}

var clock = time.Date(2026, 7, 1, 15, 30, 0, 0, time.UTC)

func newMachine(t *testing.T, primary Classifier) (*StateMachine, *failingStore) {
	t.Helper()
	kv := &failingStore{MemoryStore: repository.NewMemoryStore()}
	kv.SetClock(func() time.Time { return clock })
	m, err := NewStateMachine(kv, NewDetector(primary, nil), 168*time.Hour, nil)
	require.NoError(t, err)
	m.now = func() time.Time { return clock }
	return m, kv
}

func TestNewStateMachine_Validation(t *testing.T) {
	_, err := NewStateMachine(nil, NewDetector(nil, nil), time.Hour, nil)
	require.Error(t, err)
	_, err = NewStateMachine(repository.NewMemoryStore(), nil, time.Hour, nil)
	require.Error(t, err)
}

func TestEvaluate_OptsOutAndWritesRecord(t *testing.T) {
	m, kv := newMachine(t, nil)
	ctx := context.Background()

	det, changed := m.Evaluate(ctx, "u1", "Please unsubscribe me")
	require.True(t, changed)
	require.Equal(t, ConfidenceHigh, det.Confidence)

	opted, err := m.IsOptedOut(ctx, "u1")
	require.NoError(t, err)
	require.True(t, opted)

	status, err := repository.GetJSON[domain.OptOutStatus](ctx, kv, domain.OptOutKey("u1"))
	require.NoError(t, err)
	require.Equal(t, domain.OptOutStatus{Unsubscribed: true, Timestamp: clock.UnixMilli(), Reason: "unsubscribe"}, status)

	ttl, err := kv.TTL(ctx, domain.OptOutKey("u1"))
	require.NoError(t, err)
	require.Equal(t, 168*time.Hour, ttl)
}

func TestEvaluate_LowConfidenceNeverChangesState(t *testing.T) {
	m, kv := newMachine(t, &fakeClassifier{det: Detection{IsOptOut: true, Confidence: ConfidenceLow, Phrase: "stop"}})
	ctx := context.Background()

	_, changed := m.Evaluate(ctx, "u1", "stop")
	require.False(t, changed)
	require.NotContains(t, kv.ops, "set")
}

func TestEvaluate_SetFailureIsNoChange(t *testing.T) {
	m, kv := newMachine(t, nil)
	kv.setErr = errors.New("READONLY")

	_, changed := m.Evaluate(context.Background(), "u1", "unsubscribe")
	require.False(t, changed)
}

func TestReengage_ThenEvaluateOrdinaryText(t *testing.T) {
	m, kv := newMachine(t, nil)
	ctx := context.Background()
	require.NoError(t, m.OptOut(ctx, "u1", "stop"))
	kv.ops = nil

	m.Reengage(ctx, "u1")
	_, changed := m.Evaluate(ctx, "u1", "hola, ¿tienen cita mañana?")
	require.False(t, changed)
	require.Equal(t, "delete", kv.ops[0])

	opted, err := m.IsOptedOut(ctx, "u1")
	require.NoError(t, err)
	require.False(t, opted)
}

func TestReengage_SameMessageOptsOutAgain(t *testing.T) {
	m, kv := newMachine(t, nil)
	ctx := context.Background()
	require.NoError(t, m.OptOut(ctx, "u1", "stop"))
	kv.ops = nil

	m.Reengage(ctx, "u1")
	_, changed := m.Evaluate(ctx, "u1", "STOP")
	require.True(t, changed)
	require.Equal(t, []string{"delete", "set"}, kv.ops)

	opted, err := m.IsOptedOut(ctx, "u1")
	require.NoError(t, err)
	require.True(t, opted)
}

func TestReengage_ClearFailureDoesNotBlock(t *testing.T) {
	m, kv := newMachine(t, nil)
	ctx := context.Background()
	kv.deleteErr = errors.New("connection reset")

	m.Reengage(ctx, "u1")
	_, changed := m.Evaluate(ctx, "u1", "unsubscribe")
	require.True(t, changed)
}

func TestIsOptedOut_Errors(t *testing.T) {
	m, kv := newMachine(t, nil)
	ctx := context.Background()

	require.NoError(t, kv.MemoryStore.Set(ctx, domain.OptOutKey("u1"), []byte("not json"), 0))
	opted, err := m.IsOptedOut(ctx, "u1")
	require.NoError(t, err)
	require.False(t, opted)

	kv.getErr = errors.New("timeout")
	_, err = m.IsOptedOut(ctx, "u1")
	require.Error(t, err)
}
