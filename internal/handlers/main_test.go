package handlers_test

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/MegaGrindStone/chatturn/internal/handlers"
	"github.com/MegaGrindStone/chatturn/internal/models"
	"github.com/MegaGrindStone/chatturn/internal/stream"
)

const testToken = "test-token"

type mockLLM struct {
	responses []string
	err       error

	// block, when set, holds Chat until it is closed.
	block chan struct{}
	// started receives a value once Chat begins.
	started chan struct{}
}

type mockTitleGenerator struct {
	title string
}

type mockStore struct {
	mu       sync.Mutex
	convs    []models.Conversation
	messages map[int64][]models.ChatMessage
	err      error
}

func newMockStore() *mockStore {
	return &mockStore{messages: map[int64][]models.ChatMessage{}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMain(llm handlers.LLM, store handlers.Store, opts handlers.Options) handlers.Main {
	if opts.Credentials == nil {
		opts.Credentials = []string{testToken}
	}
	return handlers.NewMain(llm, mockTitleGenerator{title: "Greeting"}, store, opts, testLogger())
}

func newRequest(method, target, body, token string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

// events parses a recorded turn response the way the client does.
func events(t *testing.T, body string) []stream.Event {
	t.Helper()

	var evs []stream.Event
	for payload, err := range stream.Records(strings.NewReader(body)) {
		if err != nil {
			t.Fatalf("Records() error = %v", err)
		}
		ev, ok, err := stream.Interpret(payload)
		if err != nil {
			t.Fatalf("Interpret(%q) error = %v", payload, err)
		}
		if ok {
			evs = append(evs, ev)
		}
	}
	return evs
}

func TestNewMain(t *testing.T) {
	main := newTestMain(&mockLLM{}, newMockStore(), handlers.Options{})

	if err := main.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestHandleNewConversation(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		token      string
		body       string
		wantStatus int
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			token:      testToken,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Missing credential",
			method:     http.MethodPost,
			body:       `{"first_message":"Hello"}`,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "Unknown credential",
			method:     http.MethodPost,
			token:      "other",
			body:       `{"first_message":"Hello"}`,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "Invalid body",
			method:     http.MethodPost,
			token:      testToken,
			body:       `{"first_message":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			token:      testToken,
			body:       `{"first_message":"  "}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "New conversation",
			method:     http.MethodPost,
			token:      testToken,
			body:       `{"first_message":"Hello"}`,
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newTestMain(&mockLLM{responses: []string{"AI response"}}, newMockStore(), handlers.Options{})

			w := httptest.NewRecorder()
			main.HandleNewConversation(w, newRequest(tt.method, "/api/conversations", tt.body, tt.token))

			if w.Code != tt.wantStatus {
				t.Errorf("HandleNewConversation() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleNewConversationStream(t *testing.T) {
	store := newMockStore()
	main := newTestMain(&mockLLM{responses: []string{"Hel", "", "lo"}}, store, handlers.Options{})

	w := httptest.NewRecorder()
	main.HandleNewConversation(w, newRequest(http.MethodPost, "/api/conversations",
		`{"first_message":"Hi","images":["aGk="]}`, testToken))

	if w.Code != http.StatusOK {
		t.Fatalf("HandleNewConversation() status = %v, want %v", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	want := []stream.Event{
		{Kind: stream.EventToken, Fragment: "Hel"},
		{Kind: stream.EventToken, Fragment: "lo"},
		{Kind: stream.EventDone, ConversationID: 1},
	}
	if got := events(t, w.Body.String()); !slices.Equal(got, want) {
		t.Errorf("events = %+v, want %+v", got, want)
	}

	msgs, _ := store.Messages(context.Background(), 1)
	if len(msgs) != 2 {
		t.Fatalf("stored messages = %d, want 2", len(msgs))
	}
	if msgs[0].Text != "Hi" || !slices.Equal(msgs[0].Images, []string{"aGk="}) {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Text != "Hello" {
		t.Errorf("assistant message = %+v", msgs[1])
	}

	if err := main.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	conv, _ := store.Conversation(context.Background(), 1)
	if conv.Title != "Greeting" {
		t.Errorf("conversation title = %q, want %q", conv.Title, "Greeting")
	}
}

func TestHandleNewConversationLLMError(t *testing.T) {
	tests := []struct {
		name      string
		llm       *mockLLM
		wantKinds []stream.EventKind
	}{
		{
			name:      "Error before output",
			llm:       &mockLLM{err: fmt.Errorf("model overloaded")},
			wantKinds: []stream.EventKind{stream.EventDone, stream.EventError},
		},
		{
			name:      "Error after output",
			llm:       &mockLLM{responses: []string{"partial"}, err: fmt.Errorf("connection lost")},
			wantKinds: []stream.EventKind{stream.EventToken, stream.EventDone, stream.EventError},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newTestMain(tt.llm, newMockStore(), handlers.Options{})

			w := httptest.NewRecorder()
			main.HandleNewConversation(w, newRequest(http.MethodPost, "/api/conversations",
				`{"first_message":"Hi"}`, testToken))

			var kinds []stream.EventKind
			for _, ev := range events(t, w.Body.String()) {
				kinds = append(kinds, ev.Kind)
			}
			if !slices.Equal(kinds, tt.wantKinds) {
				t.Errorf("event kinds = %v, want %v", kinds, tt.wantKinds)
			}
		})
	}
}

func TestHandleContinueConversation(t *testing.T) {
	store := newMockStore()
	id, _ := store.AddConversation(context.Background(), models.Conversation{Title: "Existing"})

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "Unknown conversation",
			body:       `{"conversation_id":99,"message":"Hello"}`,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Empty message",
			body:       fmt.Sprintf(`{"conversation_id":%d,"message":""}`, id),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Existing conversation",
			body:       fmt.Sprintf(`{"conversation_id":%d,"message":"Hello"}`, id),
			wantStatus: http.StatusOK,
		},
	}

	main := newTestMain(&mockLLM{responses: []string{"Again"}}, store, handlers.Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			main.HandleContinueConversation(w, newRequest(http.MethodPost, "/api/conversations/continue", tt.body, testToken))

			if w.Code != tt.wantStatus {
				t.Errorf("HandleContinueConversation() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}

	msgs, _ := store.Messages(context.Background(), id)
	if len(msgs) != 2 || msgs[1].Text != "Again" {
		t.Errorf("stored messages = %+v", msgs)
	}
}

func TestRateLimit(t *testing.T) {
	main := newTestMain(&mockLLM{responses: []string{"ok"}}, newMockStore(), handlers.Options{
		RequestsPerMinute: 1,
		Burst:             1,
	})

	codes := make([]int, 2)
	for i := range codes {
		w := httptest.NewRecorder()
		main.HandleNewConversation(w, newRequest(http.MethodPost, "/api/conversations", `{"first_message":"Hi"}`, testToken))
		codes[i] = w.Code
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [200 429]", codes)
	}
}

func TestConcurrentStreamCap(t *testing.T) {
	llm := &mockLLM{
		responses: []string{"slow"},
		block:     make(chan struct{}),
		started:   make(chan struct{}, 1),
	}
	main := newTestMain(llm, newMockStore(), handlers.Options{MaxConcurrentStreams: 1})

	first := make(chan int, 1)
	go func() {
		w := httptest.NewRecorder()
		main.HandleNewConversation(w, newRequest(http.MethodPost, "/api/conversations", `{"first_message":"one"}`, testToken))
		first <- w.Code
	}()
	<-llm.started

	w := httptest.NewRecorder()
	main.HandleNewConversation(w, newRequest(http.MethodPost, "/api/conversations", `{"first_message":"two"}`, testToken))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("second turn status = %v, want %v", w.Code, http.StatusServiceUnavailable)
	}

	close(llm.block)
	if code := <-first; code != http.StatusOK {
		t.Errorf("first turn status = %v, want %v", code, http.StatusOK)
	}
}

func TestHandleConversations(t *testing.T) {
	store := newMockStore()
	_, _ = store.AddConversation(context.Background(), models.Conversation{Title: "First"})
	_, _ = store.AddConversation(context.Background(), models.Conversation{Title: "Second"})
	main := newTestMain(&mockLLM{}, store, handlers.Options{})

	w := httptest.NewRecorder()
	main.HandleConversations(w, newRequest(http.MethodGet, "/api/conversations", "", testToken))

	if w.Code != http.StatusOK {
		t.Fatalf("HandleConversations() status = %v, want %v", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"title":"First"`) || !strings.Contains(body, `"title":"Second"`) {
		t.Errorf("HandleConversations() body = %v", body)
	}
}

func (m *mockLLM) Chat(ctx context.Context, _ []models.ChatMessage) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if m.started != nil {
			m.started <- struct{}{}
		}
		if m.block != nil {
			select {
			case <-m.block:
			case <-ctx.Done():
				return
			}
		}
		for _, resp := range m.responses {
			if !yield(resp, nil) {
				return
			}
		}
		if m.err != nil {
			yield("", m.err)
		}
	}
}

func (m mockTitleGenerator) GenerateTitle(context.Context, string) (string, error) {
	return m.title, nil
}

func (m *mockStore) Conversations(context.Context) ([]models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	convs := slices.Clone(m.convs)
	slices.Reverse(convs)
	return convs, nil
}

func (m *mockStore) Conversation(_ context.Context, id int64) (models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := slices.IndexFunc(m.convs, func(c models.Conversation) bool { return c.ID == id })
	if idx == -1 {
		return models.Conversation{}, models.ErrConversationNotFound
	}
	return m.convs[idx], m.err
}

func (m *mockStore) AddConversation(_ context.Context, conv models.Conversation) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return 0, m.err
	}
	conv.ID = int64(len(m.convs) + 1)
	m.convs = append(m.convs, conv)
	return conv.ID, nil
}

func (m *mockStore) UpdateConversation(_ context.Context, conv models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := slices.IndexFunc(m.convs, func(c models.Conversation) bool { return c.ID == conv.ID })
	if idx == -1 {
		return fmt.Errorf("conversation not found")
	}
	m.convs[idx] = conv
	return m.err
}

func (m *mockStore) Messages(_ context.Context, conversationID int64) ([]models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.messages[conversationID]), nil
}

func (m *mockStore) AddMessage(_ context.Context, conversationID int64, msg models.ChatMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return "", m.err
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	return msg.ID, nil
}

func (m *mockStore) UpdateMessage(_ context.Context, conversationID int64, msg models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[conversationID]
	idx := slices.IndexFunc(msgs, func(c models.ChatMessage) bool { return c.ID == msg.ID })
	if idx != -1 {
		msgs[idx] = msg
	}
	return m.err
}
