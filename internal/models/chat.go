package models

import (
	"errors"
	"time"
)

// Conversation is the backend-side container of a message thread. The ID is assigned by the store on
// the first turn and is the number round-tripped by clients as conversation_id.
type Conversation struct {
	ID        int64
	Title     string
	CreatedAt time.Time
}

// ChatMessage is a single entry of a conversation. For an assistant message, Text mutates while its
// turn is in flight and is frozen once the turn resolves. Images are only carried by user messages
// and never change after creation.
type ChatMessage struct {
	ID        string
	Role      Role
	Text      string
	Images    []string
	CreatedAt time.Time
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the completion backend.
	RoleAssistant Role = "assistant"
)

// Clone returns a copy of the message that shares no slices with the receiver.
func (m ChatMessage) Clone() ChatMessage {
	if m.Images != nil {
		m.Images = append([]string(nil), m.Images...)
	}
	return m
}

// ErrConversationNotFound is returned by stores when a conversation id is unknown.
var ErrConversationNotFound = errors.New("conversation not found")
