package reminder

import (
	"bytes"
	"fmt"
	"text/template"

	"concierge-agent/internal/domain"
)

const (
	defaultDayOfTemplate    = `Hola {{.Name}}, te recordamos que hoy tienes tu cita a las {{.Time}}. ¡Te esperamos!`
	defaultLeadTimeTemplate = `Hola {{.Name}}, tu cita comienza en {{.Minutes}} minutos ({{.Time}}).`
)

type messageData struct {
	Name    string
	Date    string
	Time    string
	Minutes int
}

// Messages renders reminder bodies.
type Messages struct {
	dayOf    *template.Template
	leadTime *template.Template
}

// NewMessages parses the two templates. Empty strings select the defaults.
func NewMessages(dayOf, leadTime string) (*Messages, error) {
	if dayOf == "" {
		dayOf = defaultDayOfTemplate
	}
	if leadTime == "" {
		leadTime = defaultLeadTimeTemplate
	}
	d, err := template.New(string(TriggerDayOf)).Option("missingkey=error").Parse(dayOf)
	if err != nil {
		return nil, fmt.Errorf("reminder: day-of template: %w", err)
	}
	l, err := template.New(string(TriggerLeadTime)).Option("missingkey=error").Parse(leadTime)
	if err != nil {
		return nil, fmt.Errorf("reminder: lead-time template: %w", err)
	}
	return &Messages{dayOf: d, leadTime: l}, nil
}

func (m *Messages) Render(trigger Trigger, meeting domain.Meeting, minutes int) (string, error) {
	tmpl := m.dayOf
	if trigger == TriggerLeadTime {
		tmpl = m.leadTime
	}
	var buf bytes.Buffer
	err := tmpl.Execute(&buf, messageData{
		Name:    meeting.Name,
		Date:    meeting.Date,
		Time:    meeting.Time,
		Minutes: minutes,
	})
	if err != nil {
		return "", fmt.Errorf("reminder: render %s: %w", trigger, err)
	}
	return buf.String(), nil
}
