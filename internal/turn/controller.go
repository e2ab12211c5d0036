// Package turn runs a single chat turn against the completion backend: it picks the endpoint,
// dispatches the request, feeds the streamed response through the record parser into the open
// assistant message, and resolves the turn as completed, cancelled or failed.
package turn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/chatturn/internal/models"
	"github.com/MegaGrindStone/chatturn/internal/session"
	"github.com/MegaGrindStone/chatturn/internal/stream"
	"github.com/google/uuid"
)

// CancelMarker is appended to the streamed text of a cancelled turn.
const CancelMarker = "\n\n[Stream cancelled]"

// maxErrorBody bounds how much of a non-success response is read for classification.
const maxErrorBody = 4 << 10

const errLoggerKey = "err"

var (
	// ErrTurnInProgress is returned when a message is submitted while the previous turn is open.
	ErrTurnInProgress = errors.New("a turn is already in progress")
	// ErrEmptyMessage is returned when the submitted message has neither text nor images.
	ErrEmptyMessage = errors.New("message is required")

	errCancelled = errors.New("turn cancelled by user")
)

// Config holds what a Controller needs to reach the backend. The credential is the bearer token
// supplied by the authentication collaborator.
type Config struct {
	NewConversationURL      string
	ContinueConversationURL string
	Credential              string

	// HTTPClient defaults to a client without timeout; a stalled stream is bounded by IdleTimeout.
	HTTPClient *http.Client
	// IdleTimeout aborts a turn when no bytes arrive for that long. Zero disables it.
	IdleTimeout time.Duration

	Logger *slog.Logger
	// OnUpdate is called synchronously with the open assistant message after every change to it.
	OnUpdate func(models.ChatMessage)
}

// Controller owns the lifecycle of the turns of one session. Only one turn is open at a time.
type Controller struct {
	newURL      string
	continueURL string
	credential  string
	idleTimeout time.Duration

	client   *http.Client
	session  *session.Session
	logger   *slog.Logger
	onUpdate func(models.ChatMessage)

	// mu makes applying a stream event atomic with respect to Cancel.
	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

// Result describes how a turn resolved. Err holds the underlying cause of a failure for logging;
// the user-facing text is already in AssistantMessage.
type Result struct {
	Outcome          models.Outcome
	UserMessage      models.ChatMessage
	AssistantMessage models.ChatMessage
	Failure          FailureKind
	Err              error
}

// NewController creates a Controller that runs turns for sess.
func NewController(sess *session.Session, cfg Config) *Controller {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		newURL:      cfg.NewConversationURL,
		continueURL: cfg.ContinueConversationURL,
		credential:  cfg.Credential,
		idleTimeout: cfg.IdleTimeout,
		client:      client,
		session:     sess,
		logger:      logger.With(slog.String("module", "turn")),
		onUpdate:    cfg.OnUpdate,
	}
}

// Session returns the session the controller drives.
func (c *Controller) Session() *session.Session {
	return c.session
}

// Submit sends text (and optional base64 images) as a new user message and blocks until the turn
// resolves. The user message and an empty assistant placeholder are appended to the session before
// the request is sent. A failed turn is not an error: its classified text replaces the placeholder
// and the outcome is reported in the Result. Submit only returns an error when the message is
// rejected without starting a turn.
func (c *Controller) Submit(ctx context.Context, text string, images []string) (Result, error) {
	if err := validMessage(text, images); err != nil {
		return Result{}, err
	}
	if !c.session.Transition(models.TurnIdle, models.TurnDispatched) {
		return Result{}, ErrTurnInProgress
	}
	return c.dispatch(ctx, text, images), nil
}

// dispatch runs a turn the caller has already moved to Dispatched.
func (c *Controller) dispatch(ctx context.Context, text string, images []string) Result {
	defer c.session.EndTurn()

	now := time.Now()
	t := &openTurn{
		user: models.ChatMessage{
			ID:        uuid.New().String(),
			Role:      models.RoleUser,
			Text:      text,
			Images:    images,
			CreatedAt: now,
		},
		assistant: models.ChatMessage{
			ID:        uuid.New().String(),
			Role:      models.RoleAssistant,
			CreatedAt: now,
		},
	}
	c.session.Append(t.user)
	c.session.Append(t.assistant)
	c.notify(t.assistant.ID)

	return c.run(ctx, t)
}

// Cancel aborts the turn being streamed. It only has an effect while a response is streaming and
// reports whether this call cancelled it; repeated calls are no-ops.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil || !c.session.Transition(models.TurnStreaming, models.TurnCancelling) {
		return false
	}
	c.cancel(errCancelled)
	c.logger.Info("Turn cancelled")
	return true
}

func validMessage(text string, images []string) error {
	if strings.TrimSpace(text) == "" && len(images) == 0 {
		return ErrEmptyMessage
	}
	return nil
}

type openTurn struct {
	user      models.ChatMessage
	assistant models.ChatMessage

	acc Accumulator
	// inBandErr is the last error record not followed by a token or done record.
	inBandErr string
}

func (c *Controller) run(ctx context.Context, t *openTurn) Result {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	var idle *idleTimer
	if c.idleTimeout > 0 {
		idle = newIdleTimer(c.idleTimeout, cancel)
		defer idle.stop()
	}

	req, err := c.newRequest(ctx, t.user)
	if err != nil {
		return c.fail(t, FailureGeneric, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return c.abort(ctx, t, fmt.Errorf("error sending request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		return c.fail(t, ClassifyError(se), se)
	}

	if !c.session.Transition(models.TurnDispatched, models.TurnStreaming) {
		return c.fail(t, FailureGeneric, fmt.Errorf("unexpected turn state: %s", c.session.TurnState()))
	}

	var body io.Reader = resp.Body
	if idle != nil {
		body = idle.reader(resp.Body)
	}
	return c.consume(ctx, t, body)
}

func (c *Controller) consume(ctx context.Context, t *openTurn, body io.Reader) Result {
	var readErr error

	for payload, err := range stream.Records(body) {
		c.mu.Lock()
		if c.session.TurnState() != models.TurnStreaming {
			c.mu.Unlock()
			break
		}
		if err != nil {
			c.mu.Unlock()
			readErr = err
			break
		}
		changed := c.apply(t, payload)
		c.mu.Unlock()

		if changed {
			c.notify(t.assistant.ID)
		}
	}

	// The turn resolves from here on; a late Cancel must not report success.
	c.mu.Lock()
	c.cancel = nil
	cancelled := c.session.TurnState() == models.TurnCancelling
	c.mu.Unlock()

	if cancelled {
		return c.cancelled(t)
	}
	if readErr != nil {
		return c.abort(ctx, t, fmt.Errorf("error reading response: %w", readErr))
	}

	if t.inBandErr != "" {
		if n := t.acc.Tokens(); n > 0 {
			c.logger.Warn("Discarding partial text ended by an error",
				slog.Int("tokens", n),
				slog.Int("bytes", len(t.acc.Value())))
		}
		return c.fail(t, Classify(0, t.inBandErr), errors.New(t.inBandErr))
	}
	return c.complete(t)
}

// apply folds one record payload into the turn and reports whether the open message changed.
func (c *Controller) apply(t *openTurn, payload string) bool {
	ev, ok, err := stream.Interpret(payload)
	if err != nil {
		c.logger.Warn("Skipping malformed record",
			slog.String("payload", payload),
			slog.String(errLoggerKey, err.Error()))
		return false
	}
	if !ok {
		return false
	}

	switch ev.Kind {
	case stream.EventToken:
		t.inBandErr = ""
		text := t.acc.Append(ev.Fragment)
		if err := c.session.UpdateText(t.assistant.ID, text); err != nil {
			c.logger.Error("Failed to update open message", slog.String(errLoggerKey, err.Error()))
			return false
		}
		return true
	case stream.EventDone:
		t.inBandErr = ""
		if c.session.SetConversationID(ev.ConversationID) {
			c.logger.Info("Conversation started", slog.Int64("conversationID", ev.ConversationID))
		}
	case stream.EventError:
		c.logger.Warn("Backend reported an error", slog.String("message", ev.Message))
		t.inBandErr = ev.Message
	}
	return false
}

// abort resolves a turn whose request or response read failed. A cancelled context is reported as
// a cancellation rather than a failure.
func (c *Controller) abort(ctx context.Context, t *openTurn, err error) Result {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errCancelled), errors.Is(cause, context.Canceled):
		return c.cancelled(t)
	case errors.Is(cause, ErrIdleTimeout):
		err = fmt.Errorf("%w: %w", ErrIdleTimeout, err)
	}
	return c.fail(t, ClassifyError(err), err)
}

func (c *Controller) cancelled(t *openTurn) Result {
	t.acc.Append(CancelMarker)
	return c.resolve(t, models.OutcomeCancelled, t.acc.Finalize(), FailureGeneric, nil)
}

func (c *Controller) complete(t *openTurn) Result {
	c.logger.Debug("Turn completed", slog.Int("tokens", t.acc.Tokens()))
	return c.resolve(t, models.OutcomeCompleted, t.acc.Finalize(), FailureGeneric, nil)
}

func (c *Controller) fail(t *openTurn, kind FailureKind, err error) Result {
	c.logger.Error("Turn failed",
		slog.String("failure", kind.String()),
		slog.String(errLoggerKey, err.Error()))
	return c.resolve(t, models.OutcomeFailed, kind.Text(), kind, err)
}

func (c *Controller) resolve(t *openTurn, outcome models.Outcome, text string, kind FailureKind, err error) Result {
	if uerr := c.session.UpdateText(t.assistant.ID, text); uerr != nil {
		c.logger.Error("Failed to resolve open message", slog.String(errLoggerKey, uerr.Error()))
	}
	c.notify(t.assistant.ID)

	assistant, _ := c.session.Message(t.assistant.ID)
	return Result{
		Outcome:          outcome,
		UserMessage:      t.user,
		AssistantMessage: assistant,
		Failure:          kind,
		Err:              err,
	}
}

func (c *Controller) notify(messageID string) {
	if c.onUpdate == nil {
		return
	}
	if msg, ok := c.session.Message(messageID); ok {
		c.onUpdate(msg)
	}
}

func (c *Controller) newRequest(ctx context.Context, user models.ChatMessage) (*http.Request, error) {
	var (
		url  string
		body any
	)
	if id, ok := c.session.ConversationID(); ok {
		url = c.continueURL
		body = models.ContinueConversationRequest{
			ConversationID: id,
			Message:        user.Text,
			Images:         user.Images,
		}
	} else {
		url = c.newURL
		body = models.NewConversationRequest{
			FirstMessage: user.Text,
			Images:       user.Images,
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.credential)

	c.logger.Debug("Dispatching turn", slog.String("url", url))
	return req, nil
}
