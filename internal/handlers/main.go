package handlers

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/chatturn/internal/models"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// LLM represents a large language model interface that provides chat functionality. It accepts a context
// and the conversation history, returning an iterator that yields response fragments and potential errors.
type LLM interface {
	Chat(ctx context.Context, messages []models.ChatMessage) iter.Seq2[string, error]
}

// TitleGenerator produces a short title for a conversation from its first message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Store defines the interface for managing conversation and message persistence.
type Store interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	Conversation(ctx context.Context, id int64) (models.Conversation, error)
	AddConversation(ctx context.Context, conv models.Conversation) (int64, error)
	UpdateConversation(ctx context.Context, conv models.Conversation) error

	Messages(ctx context.Context, conversationID int64) ([]models.ChatMessage, error)
	AddMessage(ctx context.Context, conversationID int64, message models.ChatMessage) (string, error)
	UpdateMessage(ctx context.Context, conversationID int64, message models.ChatMessage) error
}

// Options tunes the admission checks applied before a turn is streamed.
type Options struct {
	// Credentials are the accepted bearer tokens.
	Credentials []string
	// RequestsPerMinute is the sustained turn rate allowed per credential. Zero disables limiting.
	RequestsPerMinute float64
	// Burst is the number of turns a credential may start at once before being limited.
	Burst int
	// MaxConcurrentStreams caps the turns streamed at the same time. Zero means no cap.
	MaxConcurrentStreams int64
}

// Main serves the two turn endpoints of the completion backend and the event feed of finalized
// messages. Turns are streamed as data records on the response of the request that started them.
type Main struct {
	sseSrv *sse.Server

	llm            LLM
	titleGenerator TitleGenerator
	store          Store

	credentials map[string]struct{}
	limiters    *limiterSet
	streams     *semaphore.Weighted

	titles *sync.WaitGroup
	logger *slog.Logger
}

const errLoggerKey = "err"

// NewMain creates a new Main. titleGen may be nil, in which case conversations keep an empty title.
// The event feed subscribes every session to the default topic and, when the conversation_id query
// parameter is given, to the topic of that conversation.
func NewMain(llm LLM, titleGen TitleGenerator, store Store, opts Options, logger *slog.Logger) Main {
	creds := make(map[string]struct{}, len(opts.Credentials))
	for _, c := range opts.Credentials {
		creds[c] = struct{}{}
	}

	var streams *semaphore.Weighted
	if opts.MaxConcurrentStreams > 0 {
		streams = semaphore.NewWeighted(opts.MaxConcurrentStreams)
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic}

				if id := s.Req.URL.Query().Get("conversation_id"); id != "" {
					n, err := strconv.ParseInt(id, 10, 64)
					if err != nil {
						return sse.Subscription{}, false
					}
					topics = append(topics, conversationTopic(n))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		llm:            llm,
		titleGenerator: titleGen,
		store:          store,
		credentials:    creds,
		limiters:       newLimiterSet(opts.RequestsPerMinute, opts.Burst),
		streams:        streams,
		titles:         &sync.WaitGroup{},
		logger:         logger.With(slog.String("module", "handlers")),
	}
}

func conversationTopic(conversationID int64) string {
	return fmt.Sprintf("conversation-%d", conversationID)
}

// HandleEvents serves the event feed of finalized assistant messages.
func (m Main) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.authorize(w, r); !ok {
		return
	}
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown broadcasts a close event to the event feed subscribers, waits for pending title
// generations and shuts the feed down. Connections still open after 5 seconds are closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("close")}
	// SSE requires data on every message.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.titles.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	return m.sseSrv.Shutdown(ctx)
}

// authorize checks the bearer credential of r and writes a 401 when it is missing or unknown.
func (m Main) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if ok {
		_, ok = m.credentials[token]
	}
	if !ok {
		m.logger.Warn("Unauthorized request", slog.String("path", r.URL.Path))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return token, true
}

// limiterSet keeps one token bucket per credential.
type limiterSet struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterSet(perMinute float64, burst int) *limiterSet {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &limiterSet{
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *limiterSet) allow(key string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}
