package usecase

import (
	"fmt"
	"strings"

	"concierge-agent/internal/buffer"
	"concierge-agent/internal/domain"
)

const defaultSystemPrompt = "You are a friendly concierge for a small business. " +
	"Answer in the customer's language, briefly and warmly. " +
	"Help with appointments and questions; if you do not know something, say so."

type promptContext struct {
	systemPrompt string
	profile      domain.CustomerProfile
}

func buildPromptMessages(pc promptContext, history []domain.Message, text string) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: strings.TrimSpace(pc.systemPrompt)},
	}
	if p := buildProfilePrompt(pc.profile); p != "" {
		messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: p})
	}
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: text})
}

func buildProfilePrompt(p domain.CustomerProfile) string {
	name := normalizePromptInput(p.DisplayName)
	if name == "" {
		return ""
	}
	return fmt.Sprintf("Customer name: %s. Address them by name when natural.", name)
}

// joinBatch merges a batch into the single user turn sent to the model.
func joinBatch(items []buffer.Item) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if t := strings.TrimSpace(it.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
