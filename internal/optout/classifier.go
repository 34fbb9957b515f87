package optout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"concierge-agent/internal/domain"
)

const (
	classifierMaxTokens = 100
	classifierTimeout   = 10 * time.Second
)

// Completer is the text completion service used for classification.
type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

type classification struct {
	IsOptOut       bool   `json:"is_opt_out"`
	Confidence     string `json:"confidence"`
	DetectedPhrase string `json:"detected_phrase"`
}

// AIClassifier asks a language model whether a message is an unsubscribe
// request.
type AIClassifier struct {
	completer Completer
	model     string
}

func NewAIClassifier(c Completer, model string) (*AIClassifier, error) {
	if c == nil {
		return nil, errors.New("optout: completer must not be nil")
	}
	return &AIClassifier{completer: c, model: strings.TrimSpace(model)}, nil
}

func (a *AIClassifier) Classify(ctx context.Context, text string) (Detection, error) {
	zero := float32(0)
	raw, err := a.completer.Complete(ctx, domain.CompletionRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: classifierInstructions()},
			{Role: domain.RoleUser, Content: text},
		},
		Model:       a.model,
		MaxTokens:   classifierMaxTokens,
		Temperature: &zero,
		Timeout:     classifierTimeout,
		JSON:        true,
	})
	if err != nil {
		return Detection{}, fmt.Errorf("optout: classify: %w", err)
	}
	return parseClassification(raw)
}

func classifierInstructions() string {
	return strings.Join([]string{
		"You decide whether a customer message asks to stop receiving messages (unsubscribe, opt out).",
		"The message may be in any language.",
		"Questions, complaints, or a goodbye are not unsubscribe requests.",
		"Use confidence \"high\" for an explicit request, \"medium\" for a likely one,",
		"and \"low\" when you are unsure.",
		"Return JSON only with keys is_opt_out (boolean), confidence (\"high\", \"medium\" or \"low\")",
		"and detected_phrase (the words that express the request, or \"\").",
	}, "\n")
}

func parseClassification(raw string) (Detection, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var out classification
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	if err := dec.Decode(&out); err != nil {
		return Detection{}, fmt.Errorf("optout: decode classification: %w", err)
	}
	conf := Confidence(strings.ToLower(strings.TrimSpace(out.Confidence)))
	if !conf.valid() {
		return Detection{}, fmt.Errorf("optout: unknown confidence %q", out.Confidence)
	}
	return Detection{
		IsOptOut:   out.IsOptOut,
		Confidence: conf,
		Phrase:     strings.TrimSpace(out.DetectedPhrase),
	}, nil
}
