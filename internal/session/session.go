// Package session holds the cross-turn state of one open conversation view.
package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MegaGrindStone/chatturn/internal/models"
)

// Session is the state of one conversation as seen by the client: the conversation id assigned by
// the backend, the ordered message history, the state of the turn in flight and the edit
// sub-state. Messages is safe to call from any goroutine; mutation is expected to come from a
// single turn controller.
type Session struct {
	mu sync.RWMutex

	conversationID *int64
	messages       []models.ChatMessage
	turnState      models.TurnState
	edit           *EditState
}

// EditState is the in-progress edit of a previously sent user message.
type EditState struct {
	MessageID string
	Draft     string
}

var (
	// ErrMessageNotFound is returned when an operation names a message the session does not hold.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotUserMessage is returned when an edit targets an assistant message.
	ErrNotUserMessage = errors.New("only user messages can be edited")
	// ErrNoEdit is returned when the draft is changed while no edit is in progress.
	ErrNoEdit = errors.New("no edit in progress")
)

// New returns an idle session for a conversation the backend has not assigned an id to yet.
func New() *Session {
	return &Session{turnState: models.TurnIdle}
}

// Resume returns an idle session for an existing conversation.
func Resume(conversationID int64) *Session {
	s := New()
	s.conversationID = &conversationID
	return s
}

// ConversationID returns the id assigned by the backend, if any.
func (s *Session) ConversationID() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.conversationID == nil {
		return 0, false
	}
	return *s.conversationID, true
}

// SetConversationID records id if the session does not have one yet. Once set, the id never
// changes and later calls report false.
func (s *Session) SetConversationID(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conversationID != nil {
		return false
	}
	s.conversationID = &id
	return true
}

// Append adds msg to the end of the history.
func (s *Session) Append(msg models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, msg.Clone())
}

// Messages returns a copy of the history in order.
func (s *Session) Messages() []models.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := make([]models.ChatMessage, len(s.messages))
	for i, m := range s.messages {
		msgs[i] = m.Clone()
	}
	return msgs
}

// Message returns a copy of the message with the given id.
func (s *Session) Message(id string) (models.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.index(id)
	if idx < 0 {
		return models.ChatMessage{}, false
	}
	return s.messages[idx].Clone(), true
}

// UpdateText replaces the text of the assistant message with the given id.
func (s *Session) UpdateText(id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.index(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if s.messages[idx].Role != models.RoleAssistant {
		return fmt.Errorf("message %s is not an assistant message", id)
	}
	s.messages[idx].Text = text
	return nil
}

func (s *Session) index(id string) int {
	return slices.IndexFunc(s.messages, func(m models.ChatMessage) bool { return m.ID == id })
}

// TurnState returns the state of the current turn.
func (s *Session) TurnState() models.TurnState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.turnState
}

// Transition moves the turn state from one value to another and reports whether the session was in
// the expected state.
func (s *Session) Transition(from, to models.TurnState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.turnState != from {
		return false
	}
	s.turnState = to
	return true
}

// EndTurn returns the session to idle from whatever state the turn ended in.
func (s *Session) EndTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turnState = models.TurnIdle
}

// BeginEdit starts editing the user message with the given id, seeding the draft with its text.
// Any previous edit is replaced.
func (s *Session) BeginEdit(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.index(messageID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if s.messages[idx].Role != models.RoleUser {
		return ErrNotUserMessage
	}
	s.edit = &EditState{MessageID: messageID, Draft: s.messages[idx].Text}
	return nil
}

// SetDraft replaces the replacement text of the edit in progress.
func (s *Session) SetDraft(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.edit == nil {
		return ErrNoEdit
	}
	s.edit.Draft = text
	return nil
}

// Edit returns the edit in progress.
func (s *Session) Edit() (EditState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.edit == nil {
		return EditState{}, false
	}
	return *s.edit, true
}

// DiscardEdit drops the edit in progress, if any.
func (s *Session) DiscardEdit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.edit = nil
}
