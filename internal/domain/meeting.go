package domain

// Layouts of Meeting.Date and Meeting.Time.
const (
	MeetingDateLayout = "2006-01-02"
	MeetingTimeLayout = "15:04"
)

// MeetingFlags records which reminders were already delivered. Flags only move
// from false to true.
type MeetingFlags struct {
	DayOfSent    bool `json:"dayOfSent"`
	LeadTimeSent bool `json:"leadTimeSent"`
}

// Meeting is a scheduled item the reminder loop notifies about.
type Meeting struct {
	Name      string       `json:"name"`
	Date      string       `json:"date"`
	Time      string       `json:"time"`
	CreatedAt int64        `json:"createdAt"`
	Flags     MeetingFlags `json:"flags"`
}
