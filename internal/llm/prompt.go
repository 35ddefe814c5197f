package llm

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
)

const (
	// DefaultMaxHistory is how many past messages a prompt carries.
	DefaultMaxHistory = 20
	previewChars      = 500
)

var spaceRe = regexp.MustCompile(`\s+`)

// PromptContext is what the system prompt is built from.
type PromptContext struct {
	UserID         string
	ConversationID string
	Now            time.Time
	Location       *time.Location
	Documents      []*model.Document
}

// SystemPrompt builds the system prompt for a free-form generation.
func SystemPrompt(pc PromptContext) string {
	loc := pc.Location
	if loc == nil {
		loc = time.UTC
	}
	now := pc.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.In(loc)

	var b strings.Builder
	b.WriteString("You are a conversational assistant that manages the user's calendar and answers questions about their documents. ")
	b.WriteString("Use the conversation so far to answer consistently, in the language the user writes in.\n")
	fmt.Fprintf(&b, "User: %s. Conversation: %s.\n", pc.UserID, pc.ConversationID)
	fmt.Fprintf(&b, "Today is %s (%s), time zone %s.\n", now.Format("2006-01-02"), now.Weekday(), loc)

	if len(pc.Documents) == 0 {
		b.WriteString("Documents in this conversation: none.")
		return b.String()
	}
	b.WriteString("Documents in this conversation:")
	for _, doc := range pc.Documents {
		fmt.Fprintf(&b, "\n- %s (%s): %s", doc.Filename, doc.ID, Preview(doc.Content, previewChars))
	}
	return b.String()
}

// Preview flattens text to printable single-spaced runes and truncates it to
// max runes.
func Preview(text string, max int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return ' '
	}, text)
	cleaned = strings.TrimSpace(spaceRe.ReplaceAllString(cleaned, " "))

	runes := []rune(cleaned)
	if max > 0 && len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return cleaned
}

// History converts the last max stored messages into provider turns.
// Consecutive turns of the same role are merged, and leading assistant turns
// are dropped so the history starts with the user.
func History(messages []*model.Message, max int) []ChatMessage {
	if max > 0 && len(messages) > max {
		messages = messages[len(messages)-max:]
	}

	out := make([]ChatMessage, 0, len(messages))
	for _, msg := range messages {
		role, ok := ChatRole(msg.Role)
		if !ok || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		if len(out) == 0 && role != "user" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + msg.Content
			continue
		}
		out = append(out, ChatMessage{Role: role, Content: msg.Content})
	}
	return out
}
