package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/chatturn/internal/models"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type conversation struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type messageEvent struct {
	ConversationID int64  `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Text           string `json:"text"`
}

var messageSSEType = sse.Type("message")

// HandleConversations lists the stored conversations as JSON, most recent first.
func (m Main) HandleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := m.authorize(w, r); !ok {
		return
	}

	convs, err := m.store.Conversations(r.Context())
	if err != nil {
		m.logger.Error("Failed to get conversations", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	res := make([]conversation, len(convs))
	for i, c := range convs {
		res[i] = conversation{ID: c.ID, Title: c.Title, CreatedAt: c.CreatedAt}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		m.logger.Error("Failed to encode conversations", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleNewConversation starts a conversation from its first message and streams the assistant
// reply. The final record carries the id of the new conversation.
func (m Main) HandleNewConversation(w http.ResponseWriter, r *http.Request) {
	var req models.NewConversationRequest
	if !m.admit(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.FirstMessage) == "" && len(req.Images) == 0 {
		http.Error(w, "first_message is required", http.StatusBadRequest)
		return
	}
	if !m.acquireStream(w) {
		return
	}
	defer m.releaseStream()

	id, err := m.store.AddConversation(r.Context(), models.Conversation{CreatedAt: time.Now()})
	if err != nil {
		m.logger.Error("Failed to add conversation", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if m.titleGenerator != nil {
		m.titles.Add(1)
		go func() {
			defer m.titles.Done()
			m.generateTitle(id, req.FirstMessage)
		}()
	}

	m.streamTurn(w, r, id, req.FirstMessage, req.Images)
}

// HandleContinueConversation adds a message to an existing conversation and streams the assistant
// reply.
func (m Main) HandleContinueConversation(w http.ResponseWriter, r *http.Request) {
	var req models.ContinueConversationRequest
	if !m.admit(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Images) == 0 {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	if _, err := m.store.Conversation(r.Context(), req.ConversationID); err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to get conversation",
			slog.Int64("conversationID", req.ConversationID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !m.acquireStream(w) {
		return
	}
	defer m.releaseStream()

	m.streamTurn(w, r, req.ConversationID, req.Message, req.Images)
}

// admit runs the checks shared by both turn endpoints and decodes the JSON body into req. It writes
// the error response itself and reports whether the turn may proceed.
func (m Main) admit(w http.ResponseWriter, r *http.Request, req any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}

	token, ok := m.authorize(w, r)
	if !ok {
		return false
	}
	if !m.limiters.allow(token) {
		m.logger.Warn("Rate limited", slog.String("path", r.URL.Path))
		http.Error(w, "Too many requests, rate limit exceeded", http.StatusTooManyRequests)
		return false
	}

	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (m Main) acquireStream(w http.ResponseWriter) bool {
	if m.streams == nil || m.streams.TryAcquire(1) {
		return true
	}
	m.logger.Warn("Rejecting turn, too many concurrent streams")
	http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
	return false
}

func (m Main) releaseStream() {
	if m.streams != nil {
		m.streams.Release(1)
	}
}

// streamTurn stores the user message, streams the model reply as data records and stores the
// final reply. The completion record carrying the conversation id is always sent, so a client of a
// new conversation can retry within it. A provider failure is sent as an error record after the
// completion record, which makes it the last word of the stream.
func (m Main) streamTurn(w http.ResponseWriter, r *http.Request, conversationID int64, text string, images []string) {
	ctx := r.Context()

	um := models.ChatMessage{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Text:      text,
		Images:    images,
		CreatedAt: time.Now(),
	}
	if _, err := m.store.AddMessage(ctx, conversationID, um); err != nil {
		m.logger.Error("Failed to add user message",
			slog.Int64("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	history, err := m.store.Messages(ctx, conversationID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.Int64("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	am := models.ChatMessage{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		CreatedAt: time.Now(),
	}
	am.ID, err = m.store.AddMessage(ctx, conversationID, am)
	if err != nil {
		m.logger.Error("Failed to add assistant message",
			slog.Int64("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade to event stream", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var (
		sb     strings.Builder
		llmErr error
	)
	for chunk, err := range m.llm.Chat(ctx, history) {
		if err != nil {
			m.logger.Error("Error from llm provider",
				slog.Int64("conversationID", conversationID),
				slog.String(errLoggerKey, err.Error()))
			llmErr = err
			break
		}
		if chunk == "" {
			continue
		}

		sb.WriteString(chunk)
		if err := sendRecord(sess, models.StreamRecord{Chunk: ptr(chunk)}); err != nil {
			m.logger.Warn("Client went away",
				slog.Int64("conversationID", conversationID),
				slog.String(errLoggerKey, err.Error()))
			break
		}
	}

	am.Text = sb.String()
	// The request context may be gone already; the partial reply is still kept.
	if err := m.store.UpdateMessage(context.WithoutCancel(ctx), conversationID, am); err != nil {
		m.logger.Error("Failed to update assistant message",
			slog.Int64("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
	}
	m.publishMessage(conversationID, am)

	if ctx.Err() != nil {
		return
	}
	done := models.StreamRecord{Done: ptr(true), ConversationID: ptr(conversationID)}
	if err := sendRecord(sess, done); err != nil {
		m.logger.Warn("Failed to send completion record", slog.String(errLoggerKey, err.Error()))
		return
	}
	if llmErr != nil {
		if err := sendRecord(sess, models.StreamRecord{Error: ptr(llmErr.Error())}); err != nil {
			m.logger.Warn("Failed to send error record", slog.String(errLoggerKey, err.Error()))
		}
	}
}

func sendRecord(sess *sse.Session, rec models.StreamRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	msg := &sse.Message{}
	msg.AppendData(string(b))
	if err := sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send record: %w", err)
	}
	return sess.Flush()
}

func (m Main) publishMessage(conversationID int64, msg models.ChatMessage) {
	b, err := json.Marshal(messageEvent{
		ConversationID: conversationID,
		MessageID:      msg.ID,
		Text:           msg.Text,
	})
	if err != nil {
		m.logger.Error("Failed to marshal message event", slog.String(errLoggerKey, err.Error()))
		return
	}

	e := &sse.Message{Type: messageSSEType}
	e.AppendData(string(b))
	if err := m.sseSrv.Publish(e, conversationTopic(conversationID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.Int64("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) generateTitle(conversationID int64, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	title, err := m.titleGenerator.GenerateTitle(ctx, message)
	if err != nil {
		m.logger.Error("Error generating conversation title",
			slog.Int64("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	conv, err := m.store.Conversation(ctx, conversationID)
	if err != nil {
		m.logger.Error("Failed to get conversation", slog.String(errLoggerKey, err.Error()))
		return
	}
	conv.Title = strings.TrimSpace(title)
	if err := m.store.UpdateConversation(ctx, conv); err != nil {
		m.logger.Error("Failed to update conversation title", slog.String(errLoggerKey, err.Error()))
	}
}

func ptr[T any](v T) *T {
	return &v
}
