package domain

// Message roles accepted by the conversation store and the completion service.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single persisted conversation turn. Timestamp is unix milliseconds.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// CustomerProfile is written once, on the first turn of a user, and never rewritten.
type CustomerProfile struct {
	DisplayName string `json:"displayName"`
	GenderTag   string `json:"genderTag"`
	SavedAt     int64  `json:"savedAt"`
}

// OptOutStatus marks a user as unsubscribed. Its presence alone carries the state.
type OptOutStatus struct {
	Unsubscribed bool   `json:"unsubscribed"`
	Timestamp    int64  `json:"timestamp"`
	Reason       string `json:"reason,omitempty"`
}
