package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"concierge-agent/internal/buffer"
	"concierge-agent/internal/conversation"
	"concierge-agent/internal/dedup"
	"concierge-agent/internal/domain"
	"concierge-agent/internal/integrations/openai"
	"concierge-agent/internal/optout"
	"concierge-agent/internal/reminder"
	"concierge-agent/internal/repository"
)

type heldTimer struct{}

func (heldTimer) Stop() bool { return true }

// holdTimers never fires; tests deliver batches with Flush.
func holdTimers(time.Duration, func()) buffer.Timer { return heldTimer{} }

type fakeConsent struct {
	optedOut  map[string]bool
	reengaged []string
	seen      []string
}

func (f *fakeConsent) Reengage(_ context.Context, userID string) {
	f.reengaged = append(f.reengaged, userID)
	delete(f.optedOut, userID)
}

func (f *fakeConsent) Evaluate(_ context.Context, userID, text string) (optout.Detection, bool) {
	f.seen = append(f.seen, text)
	if strings.EqualFold(text, "stop") {
		f.optedOut[userID] = true
		return optout.Detection{IsOptOut: true, Confidence: optout.ConfidenceHigh, Phrase: "stop"}, true
	}
	return optout.Detection{}, false
}

type fakeAI struct {
	mu      sync.Mutex
	answer  string
	err     error
	panics  bool
	lastReq domain.CompletionRequest
	calls   int
}

func (f *fakeAI) Complete(_ context.Context, req domain.CompletionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.panics {
		panic("model exploded")
	}
	return f.answer, f.err
}

type sent struct {
	user string
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	fail bool
}

func (f *fakeSender) Send(_ context.Context, userID, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{user: userID, text: text})
	return !f.fail
}

type fixture struct {
	c       *Concierge
	ai      *fakeAI
	sender  *fakeSender
	consent *fakeConsent
	conv    *conversation.Store
	kv      *repository.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv := repository.NewMemoryStore()
	conv, err := conversation.New(kv, conversation.Config{MaxHistory: 20}, nil)
	require.NoError(t, err)
	meetings, err := reminder.NewMeetingRepo(kv, time.Hour, nil)
	require.NoError(t, err)

	f := &fixture{
		ai:      &fakeAI{answer: "¡Hola! ¿En qué te ayudo?"},
		sender:  &fakeSender{},
		consent: &fakeConsent{optedOut: map[string]bool{}},
		conv:    conv,
		kv:      kv,
	}
	f.c, err = NewConcierge(Deps{
		Dedup:         dedup.New(dedup.Config{}),
		Consent:       f.consent,
		Conversations: conv,
		AI:            f.ai,
		Sender:        f.sender,
		Meetings:      meetings,
	}, Config{
		Apology:       "perdón",
		OptOutAck:     "listo",
		BufferOptions: []buffer.Option{buffer.WithTimerFunc(holdTimers)},
	})
	require.NoError(t, err)
	return f
}

func inbound(id, user, text string) domain.InboundEvent {
	return domain.InboundEvent{EventID: id, UserID: user, SenderName: "Ana", Text: text}
}

func TestNewConcierge_Validation(t *testing.T) {
	_, err := NewConcierge(Deps{}, Config{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestHandleInbound_BatchesIntoOneTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, text := range []string{"hola", "quiero una cita", "para mañana"} {
		out, err := f.c.HandleInbound(ctx, inbound(string(rune('a'+i)), "u1", text))
		require.NoError(t, err)
		require.Equal(t, OutcomeBuffered, out)
	}
	require.Equal(t, 0, f.ai.calls)

	f.c.Flush()

	require.Equal(t, 1, f.ai.calls)
	msgs := f.ai.lastReq.Messages
	require.Equal(t, domain.RoleSystem, msgs[0].Role)
	require.Equal(t, domain.ChatMessage{Role: domain.RoleUser, Content: "hola\nquiero una cita\npara mañana"}, msgs[len(msgs)-1])
	require.Equal(t, []sent{{user: "u1", text: "¡Hola! ¿En qué te ayudo?"}}, f.sender.sent)

	history := f.conv.Read(ctx, "u1")
	require.Len(t, history, 2)
	require.Equal(t, domain.RoleUser, history[0].Role)
	require.Equal(t, domain.RoleAssistant, history[1].Role)
	require.Equal(t, "¡Hola! ¿En qué te ayudo?", history[1].Content)
}

func TestHandleInbound_ProfileIsWrittenOnceAndPrompted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.HandleInbound(ctx, inbound("1", "u1", "hola"))
	require.NoError(t, err)
	f.c.Flush()

	ev := inbound("2", "u1", "otra vez")
	ev.SenderName = "Otro Nombre"
	_, err = f.c.HandleInbound(ctx, ev)
	require.NoError(t, err)
	f.c.Flush()

	p, ok := f.conv.ReadProfile(ctx, "u1")
	require.True(t, ok)
	require.Equal(t, "Ana", p.DisplayName)
	require.Contains(t, f.ai.lastReq.Messages[1].Content, "Ana")

	// History from the first turn is replayed ahead of the new text.
	msgs := f.ai.lastReq.Messages
	require.Equal(t, "hola", msgs[2].Content)
	require.Equal(t, "otra vez", msgs[len(msgs)-1].Content)
}

func TestHandleInbound_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.c.HandleInbound(ctx, inbound("evt-1", "u1", "hola"))
	require.NoError(t, err)
	require.Equal(t, OutcomeBuffered, out)

	out, err = f.c.HandleInbound(ctx, inbound("evt-1", "u1", "hola"))
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, out)
	require.Len(t, f.consent.seen, 1)
}

func TestHandleInbound_Ignored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := inbound("1", "u1", "eco")
	ev.FromSelf = true
	out, err := f.c.HandleInbound(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, out)

	require.Empty(t, f.consent.reengaged, "own messages are not from the user")

	out, err = f.c.HandleInbound(ctx, inbound("2", "u1", "   "))
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, out)
	require.Empty(t, f.consent.seen)
	require.Equal(t, []string{"u1"}, f.consent.reengaged)
}

func TestHandleInbound_AnyMessageReengages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.consent.optedOut["u1"] = true
	img := inbound("img-1", "u1", "")
	img.Kind = "image"
	out, err := f.c.HandleInbound(ctx, img)
	require.NoError(t, err)
	require.Equal(t, OutcomeUnsupported, out)
	require.False(t, f.consent.optedOut["u1"])

	f.consent.optedOut["u1"] = true
	out, err = f.c.HandleInbound(ctx, inbound("blank-1", "u1", "  "))
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, out)
	require.False(t, f.consent.optedOut["u1"])

	f.consent.optedOut["u1"] = true
	_, err = f.c.HandleInbound(ctx, inbound("long-1", "u1", strings.Repeat("a", maxInboundText+1)))
	require.Equal(t, ErrorInvalidInput, CodeOf(err))
	require.False(t, f.consent.optedOut["u1"])

	require.Empty(t, f.consent.seen, "only usable text is classified")
	require.Equal(t, 0, f.ai.calls)
	require.Empty(t, f.sender.sent)

	// Redelivery of an admitted event does not re-engage again.
	f.consent.optedOut["u1"] = true
	out, err = f.c.HandleInbound(ctx, img)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, out)
	require.True(t, f.consent.optedOut["u1"])
}

func TestHandleInbound_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.HandleInbound(ctx, inbound("1", " ", "hola"))
	require.Equal(t, ErrorInvalidInput, CodeOf(err))

	_, err = f.c.HandleInbound(ctx, inbound("2", "u1", strings.Repeat("a", maxInboundText+1)))
	require.Equal(t, ErrorInvalidInput, CodeOf(err))
}

func TestHandleInbound_OptOutAcknowledgesAndSkipsModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.c.HandleInbound(ctx, inbound("1", "u1", "STOP"))
	require.NoError(t, err)
	require.Equal(t, OutcomeOptedOut, out)
	require.Equal(t, []sent{{user: "u1", text: "listo"}}, f.sender.sent)

	f.c.Flush()
	require.Equal(t, 0, f.ai.calls)

	// Any later message re-engages and is answered normally.
	out, err = f.c.HandleInbound(ctx, inbound("2", "u1", "hola de nuevo"))
	require.NoError(t, err)
	require.Equal(t, OutcomeBuffered, out)
	require.False(t, f.consent.optedOut["u1"])
}

func TestProcessBatch_UpstreamFailureSendsApology(t *testing.T) {
	f := newFixture(t)
	f.ai.err = &openai.HTTPStatusError{StatusCode: 429, Body: "slow down"}
	ctx := context.Background()

	err := f.c.ProcessBatch(ctx, "u1", []buffer.Item{{Text: "hola"}})
	require.Equal(t, ErrorRateLimited, CodeOf(err))
	var ue *Error
	require.True(t, errors.As(err, &ue))
	require.Equal(t, "completion_rate_limited", ue.Reason)
	require.Empty(t, f.conv.Read(ctx, "u1"), "a failed turn stores nothing")

	_, err = f.c.HandleInbound(ctx, inbound("1", "u1", "hola"))
	require.NoError(t, err)
	f.c.Flush()
	require.Equal(t, []sent{{user: "u1", text: "perdón"}}, f.sender.sent)
}

func TestProcessBatch_GenericErrorIsUpstream(t *testing.T) {
	f := newFixture(t)
	f.ai.err = errors.New("connection reset")

	err := f.c.ProcessBatch(context.Background(), "u1", []buffer.Item{{Text: "hola"}})
	require.Equal(t, ErrorUpstream, CodeOf(err))
}

func TestConsumeBatch_RecoversPanic(t *testing.T) {
	f := newFixture(t)
	f.ai.panics = true

	require.NotPanics(t, func() {
		f.c.consumeBatch("u1", []buffer.Item{{Text: "hola"}})
	})
	require.Equal(t, []sent{{user: "u1", text: "perdón"}}, f.sender.sent)
}

func TestProcessBatch_DeliveryFailureKeepsHistory(t *testing.T) {
	f := newFixture(t)
	f.sender.fail = true
	ctx := context.Background()

	require.NoError(t, f.c.ProcessBatch(ctx, "u1", []buffer.Item{{Text: "hola"}}))
	require.Len(t, f.conv.Read(ctx, "u1"), 2)
}

func TestStop_FlushesAndRefuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.HandleInbound(ctx, inbound("1", "u1", "hola"))
	require.NoError(t, err)
	f.c.Stop()
	require.Equal(t, 1, f.ai.calls)

	_, err = f.c.HandleInbound(ctx, inbound("2", "u1", "sigues ahí?"))
	require.Equal(t, ErrorUnavailable, CodeOf(err))
	require.True(t, f.c.deps.Dedup.AdmitOnce("2"), "refused event must stay redeliverable")
}

func TestMeetings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.ScheduleMeeting(ctx, "u1", MeetingInput{Name: "Consulta", Date: "2026-10-20", Time: "25:00"})
	require.Equal(t, ErrorInvalidInput, CodeOf(err))

	_, err = f.c.ScheduleMeeting(ctx, "", MeetingInput{Name: "Consulta", Date: "2026-10-20", Time: "10:00"})
	require.Equal(t, ErrorInvalidInput, CodeOf(err))

	m, err := f.c.ScheduleMeeting(ctx, "u1", MeetingInput{Name: " Consulta ", Date: "2026-10-20", Time: "10:00"})
	require.NoError(t, err)
	require.Equal(t, "Consulta", m.Name)
	require.False(t, m.Flags.DayOfSent)

	got, err := f.c.GetMeeting(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, m, got)

	entries, err := f.c.ListMeetings(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "u1", entries[0].UserID)

	require.NoError(t, f.c.CancelMeeting(ctx, "u1"))
	_, err = f.c.GetMeeting(ctx, "u1")
	require.Equal(t, ErrorNotFound, CodeOf(err))
}

func TestClearConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.c.ProcessBatch(ctx, "u1", []buffer.Item{{Text: "hola"}}))
	require.NotEmpty(t, f.conv.Read(ctx, "u1"))

	require.NoError(t, f.c.ClearConversation(ctx, "u1"))
	require.Empty(t, f.conv.Read(ctx, "u1"))
}

func TestProcessBatch_NoSenderNameLeavesProfileOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.c.ProcessBatch(ctx, "u1", []buffer.Item{{Text: "hola"}}))
	_, ok := f.conv.ReadProfile(ctx, "u1")
	require.False(t, ok)

	require.NoError(t, f.c.ProcessBatch(ctx, "u1", []buffer.Item{{Text: "soy Ana", SenderName: " Ana  María "}}))
	p, ok := f.conv.ReadProfile(ctx, "u1")
	require.True(t, ok)
	require.Equal(t, "Ana María", p.DisplayName)
}
