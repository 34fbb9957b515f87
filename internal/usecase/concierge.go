package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"concierge-agent/internal/buffer"
	"concierge-agent/internal/conversation"
	"concierge-agent/internal/domain"
	"concierge-agent/internal/optout"
	"concierge-agent/internal/reminder"
	"concierge-agent/internal/repository"
)

const (
	defaultBufferWindow = 8 * time.Second
	defaultTurnTimeout  = 2 * time.Minute
	maxInboundText      = 4000

	defaultApology   = "Perdón, tuve un problema para responderte. ¿Me lo puedes repetir en un momento?"
	defaultOptOutAck = "Listo, ya no te enviaremos mensajes. Si nos escribes de nuevo, retomamos la conversación."
)

type Deduper interface {
	AdmitOnce(id string) bool
	Forget(id string)
}

// Consent is the opt-out state machine. Reengage runs for every admitted
// message; Evaluate only for usable text.
type Consent interface {
	Reengage(ctx context.Context, userID string)
	Evaluate(ctx context.Context, userID, text string) (optout.Detection, bool)
}

type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

type Sender interface {
	Send(ctx context.Context, userID, text string) bool
}

type Conversations interface {
	Begin(userID string) *conversation.Turn
	ReadProfile(ctx context.Context, userID string) (domain.CustomerProfile, bool)
	SaveProfile(ctx context.Context, userID string, p domain.CustomerProfile) domain.CustomerProfile
	Clear(ctx context.Context, userID string) error
}

type Meetings interface {
	Save(ctx context.Context, userID string, m domain.Meeting) (domain.Meeting, error)
	Get(ctx context.Context, userID string) (domain.Meeting, error)
	List(ctx context.Context) ([]reminder.Entry, error)
	Delete(ctx context.Context, userID string) error
}

// Deps are the collaborators of a Concierge.
type Deps struct {
	Dedup         Deduper
	Consent       Consent
	Conversations Conversations
	AI            Completer
	Sender        Sender
	Meetings      Meetings
}

// Config tunes a Concierge. Zero values select defaults.
type Config struct {
	SystemPrompt  string
	Apology       string
	OptOutAck     string
	BufferWindow  time.Duration
	TurnTimeout   time.Duration
	BufferOptions []buffer.Option
	Logger        *slog.Logger
}

// Outcome says what happened to one inbound event.
type Outcome string

const (
	OutcomeIgnored     Outcome = "ignored"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeUnsupported Outcome = "unsupported"
	OutcomeOptedOut    Outcome = "opted_out"
	OutcomeBuffered    Outcome = "buffered"
)

// Concierge runs the inbound pipeline: dedup, consent, batching, then one
// model turn per batch.
type Concierge struct {
	deps        Deps
	buffer      *buffer.Buffer
	prompt      string
	apology     string
	optOutAck   string
	turnTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewConcierge(deps Deps, cfg Config) (*Concierge, error) {
	switch {
	case deps.Dedup == nil:
		return nil, errors.New("usecase: dedup cache must not be nil")
	case deps.Consent == nil:
		return nil, errors.New("usecase: consent state machine must not be nil")
	case deps.Conversations == nil:
		return nil, errors.New("usecase: conversation store must not be nil")
	case deps.AI == nil:
		return nil, errors.New("usecase: completer must not be nil")
	case deps.Sender == nil:
		return nil, errors.New("usecase: sender must not be nil")
	case deps.Meetings == nil:
		return nil, errors.New("usecase: meeting repo must not be nil")
	}
	if cfg.BufferWindow <= 0 {
		cfg.BufferWindow = defaultBufferWindow
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if strings.TrimSpace(cfg.Apology) == "" {
		cfg.Apology = defaultApology
	}
	if strings.TrimSpace(cfg.OptOutAck) == "" {
		cfg.OptOutAck = defaultOptOutAck
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Concierge{
		deps:        deps,
		prompt:      cfg.SystemPrompt,
		apology:     cfg.Apology,
		optOutAck:   cfg.OptOutAck,
		turnTimeout: cfg.TurnTimeout,
		logger:      cfg.Logger,
		now:         time.Now,
	}
	opts := append([]buffer.Option{buffer.WithLogger(cfg.Logger)}, cfg.BufferOptions...)
	b, err := buffer.New(cfg.BufferWindow, c.consumeBatch, opts...)
	if err != nil {
		return nil, fmt.Errorf("usecase: %w", err)
	}
	c.buffer = b
	return c, nil
}

// HandleInbound takes one webhook message through dedup and consent and,
// unless it is short-circuited, queues it for the user's next turn. Any
// admitted message from the user re-engages them, whether or not it carries
// usable text.
func (c *Concierge) HandleInbound(ctx context.Context, ev domain.InboundEvent) (Outcome, error) {
	userID := strings.TrimSpace(ev.UserID)
	if userID == "" {
		return "", newError(ErrorInvalidInput, "empty_user", nil)
	}
	if ev.FromSelf {
		return OutcomeIgnored, nil
	}
	// A stopped buffer must not consume the event id, or the provider's
	// redelivery would be dropped as a duplicate.
	if c.buffer.Stopped() {
		return "", newError(ErrorUnavailable, "shutting_down", nil)
	}
	if !c.deps.Dedup.AdmitOnce(ev.EventID) {
		c.logger.Debug("inbound duplicate dropped", "user", userID, "event_id", ev.EventID)
		return OutcomeDuplicate, nil
	}

	c.deps.Consent.Reengage(ctx, userID)

	if !ev.IsText() {
		return OutcomeUnsupported, nil
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return OutcomeIgnored, nil
	}
	if len(text) > maxInboundText {
		return "", newError(ErrorInvalidInput, "text_too_long", nil)
	}

	if _, optedOut := c.deps.Consent.Evaluate(ctx, userID, text); optedOut {
		if !c.deps.Sender.Send(ctx, userID, c.optOutAck) {
			c.logger.Warn("opt-out acknowledgment not delivered", "user", userID)
		}
		return OutcomeOptedOut, nil
	}

	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = c.now()
	}
	admitted := c.buffer.Admit(userID, buffer.Item{
		Text:       text,
		EventID:    ev.EventID,
		SenderName: ev.SenderName,
		ReceivedAt: receivedAt,
	})
	if !admitted {
		c.deps.Dedup.Forget(ev.EventID)
		return "", newError(ErrorUnavailable, "shutting_down", nil)
	}
	return OutcomeBuffered, nil
}

// consumeBatch is the buffer's consumer. It never lets a panic or an error
// escape; the user gets an apology instead of silence.
func (c *Concierge) consumeBatch(userID string, items []buffer.Item) {
	ctx, cancel := context.WithTimeout(context.Background(), c.turnTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("batch handler panicked", "user", userID, "panic", fmt.Sprint(r))
			c.sendApology(ctx, userID)
		}
	}()

	if err := c.ProcessBatch(ctx, userID, items); err != nil {
		c.logger.Error("batch failed", "user", userID, "items", len(items), "err", err)
		c.sendApology(ctx, userID)
	}
}

func (c *Concierge) sendApology(ctx context.Context, userID string) {
	if !c.deps.Sender.Send(ctx, userID, c.apology) {
		c.logger.Warn("apology not delivered", "user", userID)
	}
}

// ProcessBatch runs one model turn for a batch: history and profile in,
// reply out, both sides of the turn appended to the same backing.
func (c *Concierge) ProcessBatch(ctx context.Context, userID string, items []buffer.Item) error {
	text := joinBatch(items)
	if text == "" {
		return nil
	}

	turn := c.deps.Conversations.Begin(userID)
	history := turn.History(ctx)
	profile := c.profile(ctx, userID, items)

	reply, err := c.deps.AI.Complete(ctx, domain.CompletionRequest{
		Messages: buildPromptMessages(promptContext{systemPrompt: c.prompt, profile: profile}, history, text),
	})
	if err != nil {
		return upstreamError("completion", err)
	}

	receivedAt := items[len(items)-1].ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = c.now()
	}
	turn.Append(ctx,
		domain.Message{Role: domain.RoleUser, Content: text, Timestamp: receivedAt.UnixMilli()},
		domain.Message{Role: domain.RoleAssistant, Content: reply, Timestamp: c.now().UnixMilli()},
	)
	if turn.Degraded() {
		c.logger.Warn("turn stored in memory only", "user", userID)
	}

	if !c.deps.Sender.Send(ctx, userID, reply) {
		c.logger.Error("reply not delivered", "user", userID)
	}
	return nil
}

// profile creates the customer profile on the first turn that carries a
// sender name. Turns without one only read.
func (c *Concierge) profile(ctx context.Context, userID string, items []buffer.Item) domain.CustomerProfile {
	name := normalizePromptInput(lastSenderName(items))
	if name == "" {
		p, _ := c.deps.Conversations.ReadProfile(ctx, userID)
		return p
	}
	return c.deps.Conversations.SaveProfile(ctx, userID, domain.CustomerProfile{DisplayName: name})
}

func lastSenderName(items []buffer.Item) string {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].SenderName != "" {
			return items[i].SenderName
		}
	}
	return ""
}

// Flush delivers every pending batch now.
func (c *Concierge) Flush() {
	c.buffer.Flush()
}

// Stop refuses new messages and finishes pending batches.
func (c *Concierge) Stop() {
	c.buffer.Stop()
}

// MeetingInput is the admin request to schedule a meeting.
type MeetingInput struct {
	Name string
	Date string
	Time string
}

func (c *Concierge) ScheduleMeeting(ctx context.Context, userID string, in MeetingInput) (domain.Meeting, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Meeting{}, newError(ErrorInvalidInput, "empty_user", nil)
	}
	m := domain.Meeting{
		Name: strings.TrimSpace(in.Name),
		Date: strings.TrimSpace(in.Date),
		Time: strings.TrimSpace(in.Time),
	}
	if err := reminder.Validate(m); err != nil {
		return domain.Meeting{}, newError(ErrorInvalidInput, "invalid_meeting", err)
	}
	saved, err := c.deps.Meetings.Save(ctx, userID, m)
	if err != nil {
		return domain.Meeting{}, newError(ErrorInternal, "meeting_write_error", err)
	}
	return saved, nil
}

func (c *Concierge) GetMeeting(ctx context.Context, userID string) (domain.Meeting, error) {
	m, err := c.deps.Meetings.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Meeting{}, newError(ErrorNotFound, "meeting_not_found", nil)
		}
		return domain.Meeting{}, newError(ErrorInternal, "meeting_read_error", err)
	}
	return m, nil
}

func (c *Concierge) ListMeetings(ctx context.Context) ([]reminder.Entry, error) {
	entries, err := c.deps.Meetings.List(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "meeting_list_error", err)
	}
	return entries, nil
}

func (c *Concierge) CancelMeeting(ctx context.Context, userID string) error {
	if err := c.deps.Meetings.Delete(ctx, userID); err != nil {
		return newError(ErrorInternal, "meeting_delete_error", err)
	}
	return nil
}

func (c *Concierge) ClearConversation(ctx context.Context, userID string) error {
	if err := c.deps.Conversations.Clear(ctx, userID); err != nil {
		return newError(ErrorInternal, "conversation_clear_error", err)
	}
	return nil
}
