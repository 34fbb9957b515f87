package domain

import "time"

// ChatMessage is the provider-agnostic chat message shape sent to the
// completion service.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest carries an ordered prompt plus optional per-call overrides.
// Zero values mean "use the client default".
type CompletionRequest struct {
	Messages    []ChatMessage
	Model       string
	MaxTokens   int
	Temperature *float32
	Timeout     time.Duration
	// JSON asks the model for a single JSON object answer.
	JSON bool
}

// InboundEvent is one chat message as handed over by the webhook transport.
type InboundEvent struct {
	EventID    string
	UserID     string
	SenderName string
	Text       string
	FromSelf   bool
	ReceivedAt time.Time
	// Kind is the provider message type. Empty means text.
	Kind string
}

// KindText is the only message type with a usable body.
const KindText = "text"

// IsText reports whether the event carries a text body.
func (e InboundEvent) IsText() bool {
	return e.Kind == "" || e.Kind == KindText
}
