// Package chat keeps the session transcript. Every mutation goes through one FIFO queue
// drained by a single runner, so transcript order always matches call order.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Source string

const (
	SourceUser          Source = "user"
	SourceAgent         Source = "agent"
	SourceSystem        Source = "system"
	SourceCompetitor    Source = "competitor-card"
	SourceConfirmButton Source = "confirm-button"
	SourceCongrats      Source = "congrats"
)

type Competitor struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Selected    bool   `json:"selected"`
}

type Congrats struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	PageURLs []string `json:"page_urls,omitempty"`
}

type Message struct {
	ID         string      `json:"id"`
	Source     Source      `json:"source"`
	Content    string      `json:"content"`
	IsThinking bool        `json:"is_thinking"`
	Competitor *Competitor `json:"competitor,omitempty"`
	Congrats   *Congrats   `json:"congrats,omitempty"`
	CreatedAt  string      `json:"created_at"`

	onConfirm func()
}

// Confirm invokes the callback attached to a confirm-button message.
func (m Message) Confirm() bool {
	if m.onConfirm == nil {
		return false
	}
	m.onConfirm()
	return true
}

// Observer receives a transcript copy after every applied operation.
type Observer func(messages []Message)

type Handler struct {
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	mu       sync.Mutex
	messages []Message
	observer Observer

	queueMu  sync.Mutex
	queue    []func()
	draining bool
	idle     *sync.Cond
}

type Option func(*Handler)

func WithObserver(observer Observer) Option {
	return func(h *Handler) { h.observer = observer }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(h *Handler) { h.newID = newID }
}

func NewHandler(logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	h.idle = sync.NewCond(&h.queueMu)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Restore replaces the transcript, used when a session is rehydrated from history.
func (h *Handler) Restore(messages []Message) {
	h.enqueue(func() {
		h.messages = append([]Message(nil), messages...)
	})
}

func (h *Handler) AddUserMessage(content string) string {
	return h.append(Message{Source: SourceUser, Content: content})
}

func (h *Handler) AddSystemMessage(content string) string {
	return h.append(Message{Source: SourceSystem, Content: content})
}

// AddAgentThinkingMessage appends the placeholder for an outstanding agent answer and
// returns its id for the later UpdateAgentMessage call.
func (h *Handler) AddAgentThinkingMessage() string {
	return h.append(Message{Source: SourceAgent, Content: "Thinking...", IsThinking: true})
}

func (h *Handler) AddCompetitorCardMessage(competitor Competitor) string {
	c := competitor
	return h.append(Message{Source: SourceCompetitor, Content: competitor.URL, Competitor: &c})
}

func (h *Handler) AddConfirmButtonMessage(onConfirm func()) string {
	return h.append(Message{Source: SourceConfirmButton, Content: "Confirm", onConfirm: onConfirm})
}

func (h *Handler) AddCustomCongratsMessage(payload Congrats) string {
	p := payload
	p.PageURLs = append([]string(nil), payload.PageURLs...)
	return h.append(Message{Source: SourceCongrats, Content: payload.Message, Congrats: &p})
}

// UpdateAgentMessage replaces the content of the last message carrying id and finalises it.
// An unknown id is logged and ignored.
func (h *Handler) UpdateAgentMessage(content string, id string) {
	h.enqueue(func() {
		for i := len(h.messages) - 1; i >= 0; i-- {
			if h.messages[i].ID != id {
				continue
			}
			h.messages[i].Content = content
			h.messages[i].IsThinking = false
			return
		}
		h.logger.Warn("agent message not found", zap.String("message_id", id))
	})
}

// RemoveConfirmButtonMessage drops every confirm-button message in the transcript.
func (h *Handler) RemoveConfirmButtonMessage() {
	h.enqueue(func() {
		kept := h.messages[:0]
		for _, msg := range h.messages {
			if msg.Source != SourceConfirmButton {
				kept = append(kept, msg)
			}
		}
		h.messages = kept
	})
}

func (h *Handler) HandleErrorMessage(err error, id string) {
	detail := "unknown error"
	if err != nil {
		detail = err.Error()
	}
	h.UpdateAgentMessage(fmt.Sprintf("⚠️ Failed to get a response: %s. Please try again.", detail), id)
}

// Messages returns a copy of the transcript as applied so far.
func (h *Handler) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.messages...)
}

// LastConfirmButton returns the most recent confirm-button message, if any.
func (h *Handler) LastConfirmButton() (Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.messages) - 1; i >= 0; i-- {
		if h.messages[i].Source == SourceConfirmButton {
			return h.messages[i], true
		}
	}
	return Message{}, false
}

// Flush blocks until every queued operation has been applied or ctx is done.
func (h *Handler) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.queueMu.Lock()
		for h.draining || len(h.queue) > 0 {
			h.idle.Wait()
		}
		h.queueMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) append(msg Message) string {
	msg.ID = h.newID()
	msg.Content = strings.TrimRight(msg.Content, "\n")
	msg.CreatedAt = h.now().UTC().Format(time.RFC3339Nano)
	h.enqueue(func() {
		h.messages = append(h.messages, msg)
	})
	return msg.ID
}

// enqueue appends op to the FIFO. The caller that finds the queue idle becomes the runner
// and drains it; callers arriving meanwhile only append.
func (h *Handler) enqueue(op func()) {
	h.queueMu.Lock()
	h.queue = append(h.queue, op)
	if h.draining {
		h.queueMu.Unlock()
		return
	}
	h.draining = true
	h.queueMu.Unlock()

	for {
		h.queueMu.Lock()
		if len(h.queue) == 0 {
			h.draining = false
			h.idle.Broadcast()
			h.queueMu.Unlock()
			return
		}
		next := h.queue[0]
		h.queue = h.queue[1:]
		h.queueMu.Unlock()

		h.apply(next)
	}
}

func (h *Handler) apply(op func()) {
	h.mu.Lock()
	op()
	snapshot := append([]Message(nil), h.messages...)
	observer := h.observer
	h.mu.Unlock()
	if observer != nil {
		observer(snapshot)
	}
}
