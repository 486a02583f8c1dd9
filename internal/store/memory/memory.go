package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/websitelm/alternatively-gateway/internal/store"
)

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]store.Session
	messages map[string][]store.Message
	events   map[string][]store.Event
	seq      map[string]int64
	pages    map[string]map[string]store.Page
	batches  map[string]store.Batch
}

func New() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]store.Session{},
		messages: map[string][]store.Message{},
		events:   map[string][]store.Event{},
		seq:      map[string]int64{},
		pages:    map[string]map[string]store.Page{},
		batches:  map[string]store.Batch{},
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, session store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := nowString()
	if session.CreatedAt == "" {
		session.CreatedAt = now
	}
	if session.UpdatedAt == "" {
		session.UpdatedAt = session.CreatedAt
	}
	m.sessions[session.ID] = session
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, session store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.sessions[session.ID]
	if !ok {
		return store.ErrNotFound
	}
	session.CreatedAt = existing.CreatedAt
	session.UpdatedAt = nowString()
	m.sessions[session.ID] = session
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	delete(m.messages, sessionID)
	delete(m.events, sessionID)
	delete(m.seq, sessionID)
	delete(m.pages, sessionID)
	return nil
}

func (m *MemoryStore) ListSessions(ctx context.Context) ([]store.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]store.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		results = append(results, session)
	}
	sort.Slice(results, func(i, j int) bool {
		return parseTime(results[i].UpdatedAt).After(parseTime(results[j].UpdatedAt))
	})
	return results, nil
}

func (m *MemoryStore) ReplaceMessages(ctx context.Context, sessionID string, messages []store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cloned := make([]store.Message, len(messages))
	for i, msg := range messages {
		msg.SessionID = sessionID
		msg.Sequence = int64(i + 1)
		msg.Metadata = cloneMap(msg.Metadata)
		cloned[i] = msg
	}
	m.messages[sessionID] = cloned
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, sessionID string) ([]store.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]store.Message{}, m.messages[sessionID]...), nil
}

func (m *MemoryStore) NextSeq(ctx context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[sessionID] += 1
	return m.seq[sessionID], nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.Timestamp == "" {
		event.Timestamp = nowString()
	}
	event.Payload = append([]byte(nil), event.Payload...)
	m.events[event.SessionID] = append(m.events[event.SessionID], event)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]store.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := []store.Event{}
	for _, event := range m.events[sessionID] {
		if event.Seq > afterSeq {
			results = append(results, event)
		}
	}
	return results, nil
}

func (m *MemoryStore) UpsertPage(ctx context.Context, page store.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if page.CreatedAt == "" {
		page.CreatedAt = nowString()
	}
	if m.pages[page.SessionID] == nil {
		m.pages[page.SessionID] = map[string]store.Page{}
	}
	m.pages[page.SessionID][page.ResultID] = page
	return nil
}

func (m *MemoryStore) ListPages(ctx context.Context, sessionID string) ([]store.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]store.Page, 0, len(m.pages[sessionID]))
	for _, page := range m.pages[sessionID] {
		results = append(results, page)
	}
	sort.Slice(results, func(i, j int) bool {
		left := parseTime(results[i].CreatedAt)
		right := parseTime(results[j].CreatedAt)
		if left.Equal(right) {
			return results[i].ResultID < results[j].ResultID
		}
		return left.Before(right)
	})
	return results, nil
}

func (m *MemoryStore) UpsertBatch(ctx context.Context, batch store.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := nowString()
	if existing, ok := m.batches[batch.ID]; ok {
		batch.CreatedAt = existing.CreatedAt
	} else if batch.CreatedAt == "" {
		batch.CreatedAt = now
	}
	batch.UpdatedAt = now
	batch.URLs = append([]string{}, batch.URLs...)
	m.batches[batch.ID] = batch
	return nil
}

func (m *MemoryStore) GetBatch(ctx context.Context, batchID string) (*store.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	batch, ok := m.batches[batchID]
	if !ok {
		return nil, nil
	}
	batch.URLs = append([]string{}, batch.URLs...)
	return &batch, nil
}

func (m *MemoryStore) ListBatches(ctx context.Context) ([]store.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]store.Batch, 0, len(m.batches))
	for _, batch := range m.batches {
		batch.URLs = append([]string{}, batch.URLs...)
		results = append(results, batch)
	}
	sort.Slice(results, func(i, j int) bool {
		return parseTime(results[i].CreatedAt).After(parseTime(results[j].CreatedAt))
	})
	return results, nil
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func cloneMap(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}
