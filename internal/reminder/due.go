package reminder

import (
	"fmt"
	"strings"
	"time"

	"concierge-agent/internal/domain"
)

// Trigger names one of the two reminders of a meeting.
type Trigger string

const (
	TriggerDayOf    Trigger = "day_of"
	TriggerLeadTime Trigger = "lead_time"
)

// Windows configures both triggers. All values are whole minutes.
type Windows struct {
	Location    *time.Location
	DayOfMinute int // minute of day of the day-of reminder, 09:00 = 540
	DayOfWindow int
	LeadMinutes int
	LeadWindow  int
}

// ParseTimeOfDay converts "HH:MM" into a minute of day.
func ParseTimeOfDay(s string) (int, error) {
	t, err := time.Parse(domain.MeetingTimeLayout, strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("reminder: time of day %q: want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (w Windows) location() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

// Moment is the meeting start in the configured zone.
func (w Windows) Moment(m domain.Meeting) (time.Time, error) {
	return time.ParseInLocation(domain.MeetingDateLayout+" "+domain.MeetingTimeLayout,
		m.Date+" "+m.Time, w.location())
}

// DayOfDue reports whether the day-of reminder is due: the meeting is today
// in the configured zone and now is within DayOfWindow minutes of the target
// minute, on either side.
func (w Windows) DayOfDue(m domain.Meeting, now time.Time) bool {
	if m.Flags.DayOfSent {
		return false
	}
	local := now.In(w.location())
	if local.Format(domain.MeetingDateLayout) != m.Date {
		return false
	}
	diff := local.Hour()*60 + local.Minute() - w.DayOfMinute
	if diff < 0 {
		diff = -diff
	}
	return diff <= w.DayOfWindow
}

// LeadTimeDue reports whether the lead-time reminder is due: the whole
// minutes from now to the meeting fall in [LeadMinutes-LeadWindow, LeadMinutes].
func (w Windows) LeadTimeDue(m domain.Meeting, now time.Time) bool {
	if m.Flags.LeadTimeSent {
		return false
	}
	minutes, ok := w.MinutesUntil(m, now)
	if !ok {
		return false
	}
	return minutes >= w.LeadMinutes-w.LeadWindow && minutes <= w.LeadMinutes
}

// MinutesUntil returns the signed whole minutes from now to the meeting.
func (w Windows) MinutesUntil(m domain.Meeting, now time.Time) (int, bool) {
	moment, err := w.Moment(m)
	if err != nil {
		return 0, false
	}
	return int(moment.Sub(now.Truncate(time.Minute)) / time.Minute), true
}
