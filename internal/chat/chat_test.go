package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("m-%d", n)
	}
}

func contents(messages []Message) []string {
	out := make([]string, 0, len(messages))
	for _, msg := range messages {
		out = append(out, msg.Content)
	}
	return out
}

func TestHandler_OrderUnderInterleaving(t *testing.T) {
	h := NewHandler(nil, WithIDGenerator(sequentialIDs()))

	h.AddUserMessage("a")
	thinkingID := h.AddAgentThinkingMessage()
	h.AddSystemMessage("b")
	require.NoError(t, h.Flush(context.Background()))

	msgs := h.Messages()
	require.Equal(t, []string{"a", "Thinking...", "b"}, contents(msgs))
	require.True(t, msgs[1].IsThinking)

	h.UpdateAgentMessage("final", thinkingID)
	require.NoError(t, h.Flush(context.Background()))

	msgs = h.Messages()
	require.Equal(t, []string{"a", "final", "b"}, contents(msgs))
	require.False(t, msgs[1].IsThinking)
	require.Equal(t, SourceSystem, msgs[2].Source)
}

func TestHandler_ObserverReentrancyKeepsFIFO(t *testing.T) {
	var h *Handler
	var mu sync.Mutex
	seen := 0
	h = NewHandler(nil, WithIDGenerator(sequentialIDs()), WithObserver(func(messages []Message) {
		mu.Lock()
		seen++
		first := seen == 1
		mu.Unlock()
		if first {
			// runner is busy: queued behind "first", not applied inline
			h.AddSystemMessage("from-observer")
		}
	}))

	h.AddUserMessage("first")
	h.AddUserMessage("second")
	require.NoError(t, h.Flush(context.Background()))

	require.Equal(t, []string{"first", "from-observer", "second"}, contents(h.Messages()))
}

func TestHandler_ConcurrentCallersAllApplied(t *testing.T) {
	h := NewHandler(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.AddUserMessage(fmt.Sprintf("msg-%d", i))
		}(i)
	}
	wg.Wait()
	require.NoError(t, h.Flush(context.Background()))
	require.Len(t, h.Messages(), 50)
}

func TestHandler_UpdateTargetsLastMatch(t *testing.T) {
	h := NewHandler(nil, WithIDGenerator(func() string { return "same" }))
	h.AddAgentThinkingMessage()
	h.AddAgentThinkingMessage()
	h.UpdateAgentMessage("done", "same")
	require.NoError(t, h.Flush(context.Background()))

	msgs := h.Messages()
	require.True(t, msgs[0].IsThinking)
	require.Equal(t, "Thinking...", msgs[0].Content)
	require.False(t, msgs[1].IsThinking)
	require.Equal(t, "done", msgs[1].Content)
}

func TestHandler_UpdateUnknownIDIsNoop(t *testing.T) {
	h := NewHandler(nil)
	h.AddUserMessage("hi")
	require.NotPanics(t, func() { h.UpdateAgentMessage("x", "missing") })
	require.NoError(t, h.Flush(context.Background()))
	require.Equal(t, []string{"hi"}, contents(h.Messages()))
}

func TestHandler_ConfirmButtons(t *testing.T) {
	h := NewHandler(nil)
	confirmed := 0
	h.AddConfirmButtonMessage(func() { confirmed++ })
	h.AddSystemMessage("between")
	h.AddConfirmButtonMessage(func() { confirmed += 10 })
	require.NoError(t, h.Flush(context.Background()))

	last, ok := h.LastConfirmButton()
	require.True(t, ok)
	require.True(t, last.Confirm())
	require.Equal(t, 10, confirmed)

	h.RemoveConfirmButtonMessage()
	require.NoError(t, h.Flush(context.Background()))
	msgs := h.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "between", msgs[0].Content)

	_, ok = h.LastConfirmButton()
	require.False(t, ok)
}

func TestHandler_CardsAndCongrats(t *testing.T) {
	h := NewHandler(nil)
	h.AddCompetitorCardMessage(Competitor{URL: "https://a.com", Name: "A"})
	urls := []string{"https://preview/1"}
	h.AddCustomCongratsMessage(Congrats{Title: "Done", Message: "All pages ready", PageURLs: urls})
	urls[0] = "mutated"
	require.NoError(t, h.Flush(context.Background()))

	msgs := h.Messages()
	require.Equal(t, SourceCompetitor, msgs[0].Source)
	require.Equal(t, "A", msgs[0].Competitor.Name)
	require.Equal(t, SourceCongrats, msgs[1].Source)
	require.Equal(t, []string{"https://preview/1"}, msgs[1].Congrats.PageURLs)
}

func TestHandler_HandleErrorMessage(t *testing.T) {
	h := NewHandler(nil)
	id := h.AddAgentThinkingMessage()
	h.HandleErrorMessage(errors.New("boom"), id)
	require.NoError(t, h.Flush(context.Background()))

	msg := h.Messages()[0]
	require.False(t, msg.IsThinking)
	require.True(t, strings.HasPrefix(msg.Content, "⚠️ Failed"))
	require.Contains(t, msg.Content, "boom")
}

func TestHandler_Restore(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := NewHandler(nil, WithClock(func() time.Time { return fixed }))
	h.Restore([]Message{{ID: "old", Source: SourceUser, Content: "hello"}})
	h.AddSystemMessage("resumed")
	require.NoError(t, h.Flush(context.Background()))

	msgs := h.Messages()
	require.Equal(t, []string{"hello", "resumed"}, contents(msgs))
	require.Equal(t, fixed.Format(time.RFC3339Nano), msgs[1].CreatedAt)
}

func TestHandler_FlushHonoursContext(t *testing.T) {
	h := NewHandler(nil)
	h.queueMu.Lock()
	h.draining = true
	h.queueMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.Flush(ctx), context.DeadlineExceeded)

	h.queueMu.Lock()
	h.draining = false
	h.idle.Broadcast()
	h.queueMu.Unlock()
}
