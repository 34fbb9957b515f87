package reminder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"concierge-agent/internal/domain"
)

var cdmx = time.FixedZone("CST", -6*60*60)

func testWindows() Windows {
	return Windows{
		Location:    cdmx,
		DayOfMinute: 9 * 60,
		DayOfWindow: 3,
		LeadMinutes: 45,
		LeadWindow:  3,
	}
}

func at(date string, hh, mm int) time.Time {
	d, err := time.ParseInLocation(domain.MeetingDateLayout, date, cdmx)
	if err != nil {
		panic(err)
	}
	return d.Add(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute)
}

func TestDayOfDue(t *testing.T) {
	w := testWindows()
	m := domain.Meeting{Name: "Ana", Date: "2026-03-10", Time: "16:00"}

	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"inside window after target", at("2026-03-10", 9, 2), true},
		{"edge of window", at("2026-03-10", 9, 3), true},
		{"before target inside window", at("2026-03-10", 8, 57), true},
		{"outside window", at("2026-03-10", 9, 4), false},
		{"seconds ignored", at("2026-03-10", 9, 3).Add(59 * time.Second), true},
		{"other day", at("2026-03-11", 9, 0), false},
		{"day before", at("2026-03-09", 9, 0), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, w.DayOfDue(m, tc.now))
		})
	}
}

func TestDayOfDue_UsesConfiguredZone(t *testing.T) {
	w := testWindows()
	m := domain.Meeting{Name: "Ana", Date: "2026-03-10", Time: "16:00"}

	// 15:01 UTC is 09:01 in the meeting zone.
	require.True(t, w.DayOfDue(m, time.Date(2026, 3, 10, 15, 1, 0, 0, time.UTC)))
	// 09:01 UTC is 03:01 local.
	require.False(t, w.DayOfDue(m, time.Date(2026, 3, 10, 9, 1, 0, 0, time.UTC)))
}

func TestDayOfDue_FlagSuppresses(t *testing.T) {
	w := testWindows()
	m := domain.Meeting{Name: "Ana", Date: "2026-03-10", Time: "16:00", Flags: domain.MeetingFlags{DayOfSent: true}}
	require.False(t, w.DayOfDue(m, at("2026-03-10", 9, 0)))
}

func TestLeadTimeDue(t *testing.T) {
	w := testWindows()
	m := domain.Meeting{Name: "Ana", Date: "2026-03-10", Time: "16:00"}

	cases := []struct {
		name     string
		now      time.Time
		wantMins int
		want     bool
	}{
		{"diff 46", at("2026-03-10", 15, 14), 46, false},
		{"diff 45", at("2026-03-10", 15, 15), 45, true},
		{"diff 44", at("2026-03-10", 15, 16), 44, true},
		{"diff 42", at("2026-03-10", 15, 18), 42, true},
		{"diff 41", at("2026-03-10", 15, 19), 41, false},
		{"seconds truncated", at("2026-03-10", 15, 18).Add(40 * time.Second), 42, true},
		{"after the meeting", at("2026-03-10", 16, 5), -5, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mins, ok := w.MinutesUntil(m, tc.now)
			require.True(t, ok)
			require.Equal(t, tc.wantMins, mins)
			require.Equal(t, tc.want, w.LeadTimeDue(m, tc.now))
		})
	}
}

func TestLeadTimeDue_InvalidMeeting(t *testing.T) {
	w := testWindows()
	m := domain.Meeting{Name: "Ana", Date: "10/03/2026", Time: "16:00"}
	require.False(t, w.LeadTimeDue(m, at("2026-03-10", 15, 16)))
}

func TestBothTriggersCanFireInOneTick(t *testing.T) {
	w := testWindows()
	m := domain.Meeting{Name: "Ana", Date: "2026-03-10", Time: "09:45"}
	now := at("2026-03-10", 9, 1)
	require.True(t, w.DayOfDue(m, now))
	require.True(t, w.LeadTimeDue(m, now))
}

func TestParseTimeOfDay(t *testing.T) {
	got, err := ParseTimeOfDay("09:00")
	require.NoError(t, err)
	require.Equal(t, 540, got)

	got, err = ParseTimeOfDay(" 23:59 ")
	require.NoError(t, err)
	require.Equal(t, 23*60+59, got)

	_, err = ParseTimeOfDay("9am")
	require.Error(t, err)
}

func TestMessages_Render(t *testing.T) {
	msgs, err := NewMessages("", "")
	require.NoError(t, err)
	m := domain.Meeting{Name: "Ana", Date: "2026-03-10", Time: "16:00"}

	text, err := msgs.Render(TriggerDayOf, m, 0)
	require.NoError(t, err)
	require.Contains(t, text, "Ana")
	require.Contains(t, text, "16:00")

	text, err = msgs.Render(TriggerLeadTime, m, 44)
	require.NoError(t, err)
	require.Contains(t, text, "44 minutos")

	custom, err := NewMessages("Today: {{.Name}} {{.Date}}", "")
	require.NoError(t, err)
	text, err = custom.Render(TriggerDayOf, m, 0)
	require.NoError(t, err)
	require.Equal(t, "Today: Ana 2026-03-10", text)

	_, err = NewMessages("{{.Name", "")
	require.Error(t, err)
}
