// Package events fans session updates out to every relay subscribed to a session.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

type Kind string

const (
	KindChat   Kind = "chat"
	KindStatus Kind = "status"
	KindView   Kind = "view"
	KindLog    Kind = "log"
	KindClosed Kind = "closed"
)

// Update is one change to a session, as relayed over SSE and WebSocket.
type Update struct {
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Kind      Kind            `json:"kind"`
	Ts        string          `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// subscriberBuffer bounds each subscriber; a slow reader drops updates rather than
// stalling the publisher.
const subscriberBuffer = 32

type Broker struct {
	mu          sync.RWMutex
	seq         atomic.Int64
	subscribers map[string]map[chan Update]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: map[string]map[chan Update]struct{}{},
	}
}

func (b *Broker) Subscribe(ctx context.Context, sessionID string) <-chan Update {
	ch := make(chan Update, subscriberBuffer)

	b.mu.Lock()
	if b.subscribers[sessionID] == nil {
		b.subscribers[sessionID] = map[chan Update]struct{}{}
	}
	b.subscribers[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if set := b.subscribers[sessionID]; set != nil {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subscribers, sessionID)
			}
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Subscribers reports how many relays currently follow sessionID.
func (b *Broker) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}

// Publish marshals payload and delivers it to every subscriber of sessionID.
func (b *Broker) Publish(sessionID string, kind Kind, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = encoded
	}
	b.Send(Update{
		SessionID: sessionID,
		Kind:      kind,
		Ts:        time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   raw,
	})
	return nil
}

// Send delivers a prepared update, stamping its sequence number.
func (b *Broker) Send(update Update) {
	update.Seq = b.seq.Add(1)

	b.mu.RLock()
	subscribers := b.subscribers[update.SessionID]
	chans := make([]chan Update, 0, len(subscribers))
	for ch := range subscribers {
		chans = append(chans, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- update:
		default:
		}
	}
}
