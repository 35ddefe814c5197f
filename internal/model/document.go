package model

import (
	"time"
)

// Document is a text document attached to a conversation.
type Document struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Filename       string    `json:"filename"`
	Content        string    `json:"content,omitempty"`
	UploadedAt     time.Time `json:"uploaded_at"`
}

// CreateDocumentRequest is the request to attach a document.
type CreateDocumentRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}
