package llm

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
)

func TestSystemPrompt(t *testing.T) {
	now := time.Date(2026, time.October, 19, 23, 30, 0, 0, time.UTC)
	madrid := time.FixedZone("CEST", 2*3600)

	prompt := SystemPrompt(PromptContext{
		UserID:         "u1",
		ConversationID: "c1",
		Now:            now,
		Location:       madrid,
		Documents: []*model.Document{
			{ID: "d1", Filename: "contrato.pdf", Content: "Cláusula\n\n1.\tEl   contrato vence\x00 en marzo."},
		},
	})

	assert.Contains(t, prompt, "User: u1. Conversation: c1.")
	// 23:30 UTC is already the next day in CEST.
	assert.Contains(t, prompt, "Today is 2026-10-20 (Tuesday), time zone CEST.")
	assert.Contains(t, prompt, "- contrato.pdf (d1): Cláusula 1. El contrato vence en marzo.")
}

func TestSystemPrompt_NoDocuments(t *testing.T) {
	prompt := SystemPrompt(PromptContext{UserID: "u1", ConversationID: "c1"})
	assert.True(t, strings.HasSuffix(prompt, "Documents in this conversation: none."))
	assert.Contains(t, prompt, "time zone UTC")
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "a b", Preview("  a\n\n b ", 10))
	assert.Equal(t, "áéí...", Preview("áéíóú", 3))
	assert.Equal(t, "", Preview("\x00\x01", 10))
}

func TestHistory(t *testing.T) {
	msgs := []*model.Message{
		{Role: model.RoleAssistant, Content: "welcome"},
		{Role: model.RoleUser, Content: "hola"},
		{Role: model.RoleSystem, Content: "ignored"},
		{Role: model.RoleUser, Content: "¿estás?"},
		{Role: model.RoleTool, Content: "Event created"},
		{Role: model.RoleAssistant, Content: ""},
		{Role: model.RoleAssistant, Content: "Listo"},
	}

	got := History(msgs, 0)
	assert.Equal(t, []ChatMessage{
		{Role: "user", Content: "hola\n\n¿estás?"},
		{Role: "assistant", Content: "Event created\n\nListo"},
	}, got)

	last := History(msgs, 2)
	assert.Equal(t, []ChatMessage{}, last)

	last = History(msgs, 4)
	assert.Equal(t, []ChatMessage{{Role: "user", Content: "¿estás?"}, {Role: "assistant", Content: "Event created\n\nListo"}}, last)
}
