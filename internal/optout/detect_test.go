package optout

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"concierge-agent/internal/domain"
)

func TestKeywordDetect(t *testing.T) {
	cases := []struct {
		name string
		text string
		want Detection
	}{
		{"high keyword anywhere", "Hola, por favor quiero darme de baja de esta lista de mensajes",
			Detection{IsOptOut: true, Confidence: ConfidenceHigh, Phrase: "darme de baja"}},
		{"high keyword case insensitive", "UNSUBSCRIBE",
			Detection{IsOptOut: true, Confidence: ConfidenceHigh, Phrase: "unsubscribe"}},
		{"medium keyword short message", "Stop!",
			Detection{IsOptOut: true, Confidence: ConfidenceMedium, Phrase: "stop"}},
		{"medium keyword long message", "can we stop by the office tomorrow?",
			Detection{IsOptOut: false, Confidence: ConfidenceHigh}},
		{"nothing", "¿A qué hora es la cita?",
			Detection{IsOptOut: false, Confidence: ConfidenceHigh}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, KeywordDetect(tc.text))
		})
	}
}

func TestKeywordDetect_MediumBoundaryCountsRunes(t *testing.T) {
	// 19 runes, more than 19 bytes.
	short := "basta ya señor, ñañ"
	require.Equal(t, 19, len([]rune(short)))
	require.True(t, KeywordDetect(short).IsOptOut)

	long := short + "a"
	require.False(t, KeywordDetect(long).IsOptOut)
}

type fakeClassifier struct {
	det   Detection
	err   error
	calls int
}

func (f *fakeClassifier) Classify(context.Context, string) (Detection, error) {
	f.calls++
	return f.det, f.err
}

func TestDetector_PrimaryWins(t *testing.T) {
	primary := &fakeClassifier{det: Detection{IsOptOut: false, Confidence: ConfidenceHigh}}
	d := NewDetector(primary, nil)

	// The keyword stage would say yes; the classifier said no.
	got := d.Detect(context.Background(), "unsubscribe me from the newsletter? no, keep it")
	require.False(t, got.IsOptOut)
	require.Equal(t, 1, primary.calls)
}

func TestDetector_FallbackOnError(t *testing.T) {
	primary := &fakeClassifier{err: errors.New("timeout")}
	d := NewDetector(primary, nil)

	got := d.Detect(context.Background(), "stop")
	require.Equal(t, Detection{IsOptOut: true, Confidence: ConfidenceMedium, Phrase: "stop"}, got)
}

func TestDetector_EmptyTextSkipsClassifier(t *testing.T) {
	primary := &fakeClassifier{}
	d := NewDetector(primary, nil)
	require.False(t, d.Detect(context.Background(), "  ").IsOptOut)
	require.Zero(t, primary.calls)
}

func TestDetector_KeywordOnly(t *testing.T) {
	d := NewDetector(nil, nil)
	require.True(t, d.Detect(context.Background(), "opt-out").IsOptOut)
}

type fakeCompleter struct {
	answer string
	err    error
	req    domain.CompletionRequest
}

func (f *fakeCompleter) Complete(_ context.Context, req domain.CompletionRequest) (string, error) {
	f.req = req
	return f.answer, f.err
}

func TestAIClassifier_ParsesJSON(t *testing.T) {
	c := &fakeCompleter{answer: `{"is_opt_out":true,"confidence":"Medium","detected_phrase":"ya no me escriban"}`}
	a, err := NewAIClassifier(c, "gpt-4o-mini")
	require.NoError(t, err)

	got, err := a.Classify(context.Background(), "ya no me escriban porfa")
	require.NoError(t, err)
	require.Equal(t, Detection{IsOptOut: true, Confidence: ConfidenceMedium, Phrase: "ya no me escriban"}, got)

	require.True(t, c.req.JSON)
	require.Equal(t, "gpt-4o-mini", c.req.Model)
	require.NotNil(t, c.req.Temperature)
	require.Zero(t, *c.req.Temperature)
	require.Len(t, c.req.Messages, 2)
	require.Equal(t, domain.RoleSystem, c.req.Messages[0].Role)
	require.Equal(t, "ya no me escriban porfa", c.req.Messages[1].Content)
}

func TestAIClassifier_CodeFence(t *testing.T) {
	c := &fakeCompleter{answer: "```json\n{\"is_opt_out\":false,\"confidence\":\"high\",\"detected_phrase\":\"\"}\n```"}
	a, err := NewAIClassifier(c, "")
	require.NoError(t, err)

	got, err := a.Classify(context.Background(), "gracias")
	require.NoError(t, err)
	require.False(t, got.IsOptOut)
}

func TestAIClassifier_Errors(t *testing.T) {
	cases := map[string]*fakeCompleter{
		"upstream":           {err: errors.New("status 500")},
		"not json":           {answer: "yes, they want out"},
		"unknown confidence": {answer: `{"is_opt_out":true,"confidence":"certain"}`},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			a, err := NewAIClassifier(c, "")
			require.NoError(t, err)
			_, err = a.Classify(context.Background(), "x")
			require.Error(t, err)
			require.True(t, strings.HasPrefix(err.Error(), "optout:"))
		})
	}
}

func TestNewAIClassifier_Nil(t *testing.T) {
	_, err := NewAIClassifier(nil, "")
	require.Error(t, err)
}
