// Package optout implements the per-user consent state (Subscribed or
// OptedOut) and the detection of unsubscribe requests in inbound text.
package optout

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

func (c Confidence) valid() bool {
	switch c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return true
	}
	return false
}

// Detection is the verdict on one message.
type Detection struct {
	IsOptOut   bool
	Confidence Confidence
	Phrase     string
}

// Actionable reports whether the verdict should move the user to OptedOut.
// Low confidence never changes state.
func (d Detection) Actionable() bool {
	return d.IsOptOut && d.Confidence != ConfidenceLow
}

// Classifier is the primary, possibly remote, detection stage.
type Classifier interface {
	Classify(ctx context.Context, text string) (Detection, error)
}

// mediumMaxRunes bounds the messages where a medium keyword counts: "stop"
// alone is a request, "stop by the office tomorrow" is not.
const mediumMaxRunes = 20

var highKeywords = []string{
	"unsubscribe",
	"opt out",
	"opt-out",
	"stop sending",
	"remove me from",
	"dar de baja",
	"darme de baja",
	"desuscribir",
	"cancelar suscripción",
	"cancelar suscripcion",
	"no quiero recibir",
	"dejen de enviar",
	"no me envíen",
	"no me envien",
	"não quero receber",
	"descadastrar",
}

var mediumKeywords = []string{
	"stop",
	"baja",
	"basta",
	"cancelar",
	"parar",
	"no más",
	"no mas",
}

// KeywordDetect is the deterministic fallback stage.
func KeywordDetect(text string) Detection {
	normalized := strings.ToLower(strings.TrimSpace(text))
	for _, kw := range highKeywords {
		if strings.Contains(normalized, kw) {
			return Detection{IsOptOut: true, Confidence: ConfidenceHigh, Phrase: kw}
		}
	}
	if utf8.RuneCountInString(normalized) < mediumMaxRunes {
		for _, kw := range mediumKeywords {
			if strings.Contains(normalized, kw) {
				return Detection{IsOptOut: true, Confidence: ConfidenceMedium, Phrase: kw}
			}
		}
	}
	return Detection{IsOptOut: false, Confidence: ConfidenceHigh}
}

// Detector composes a primary Classifier with KeywordDetect. The fallback
// runs only when the primary is absent or returns an error.
type Detector struct {
	primary Classifier
	logger  *slog.Logger
}

// NewDetector builds a Detector. primary may be nil for keyword-only
// detection.
func NewDetector(primary Classifier, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{primary: primary, logger: logger}
}

func (d *Detector) Detect(ctx context.Context, text string) Detection {
	if strings.TrimSpace(text) == "" {
		return Detection{Confidence: ConfidenceHigh}
	}
	if d.primary == nil {
		return KeywordDetect(text)
	}
	det, err := d.primary.Classify(ctx, text)
	if err != nil {
		d.logger.Warn("optout: classifier failed, using keywords", "err", err)
		return KeywordDetect(text)
	}
	return det
}
