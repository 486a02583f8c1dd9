package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/websitelm/alternatively-gateway/internal/orchestrator"
	"github.com/websitelm/alternatively-gateway/internal/store"
)

var ErrNotFound = errors.New("session not found")

// Manager keeps live sessions in an LRU with idle expiry. Evicted sessions are closed and
// reloaded from the store on next access.
type Manager struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	cache *expirable.LRU[string, *Session]
}

func NewManager(deps Deps, cfg Config, size int, idleTTL time.Duration) *Manager {
	if size <= 0 {
		size = 256
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{deps: deps, cfg: cfg, logger: logger}
	m.cache = expirable.NewLRU[string, *Session](size, func(id string, s *Session) {
		logger.Info("session evicted", zap.String("session_id", id))
		go s.Close()
	}, idleTTL)
	return m
}

// Create registers a new session for creds and persists it.
func (m *Manager) Create(ctx context.Context, creds Credentials, firstTimeUser bool) (*Session, error) {
	id := uuid.NewString()
	if m.deps.Store != nil {
		token, err := m.deps.Tokens.Seal(creds.AccessToken)
		if err != nil {
			return nil, err
		}
		err = m.deps.Store.CreateSession(ctx, store.Session{
			ID:            id,
			CustomerID:    creds.CustomerID,
			AccessToken:   token,
			State:         string(orchestrator.KindIdle),
			FirstTimeUser: firstTimeUser,
		})
		if err != nil {
			return nil, err
		}
	}
	cfg := m.cfg
	cfg.FirstTimeUser = firstTimeUser
	s := New(id, creds, m.deps, cfg)
	m.cache.Add(id, s)
	return s, nil
}

// Get returns a live session, rehydrating it from the store after eviction or restart.
// Rehydration runs outside the manager lock; a concurrent load of the same id keeps the
// first session cached.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.cache.Get(id); ok {
		m.cache.Add(id, s)
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()
	if m.deps.Store == nil {
		return nil, ErrNotFound
	}

	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if live, ok := m.cache.Get(id); ok {
		m.cache.Add(id, live)
		m.mu.Unlock()
		s.Close()
		return live, nil
	}
	m.cache.Add(id, s)
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	record, err := m.deps.Store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNotFound
	}
	messages, err := m.deps.Store.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	token, err := m.deps.Tokens.Open(record.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}

	cfg := m.cfg
	cfg.FirstTimeUser = record.FirstTimeUser
	s := New(id, Credentials{CustomerID: record.CustomerID, AccessToken: token}, m.deps, cfg)
	if len(messages) > 0 {
		s.chat.Restore(fromStoreMessages(messages))
	}
	if strings.TrimSpace(record.WebsiteID) != "" {
		if err := s.replayJournal(ctx, record.WebsiteID); err != nil {
			s.Close()
			return nil, fmt.Errorf("replay events: %w", err)
		}
	}
	if resumable(record) {
		if err := s.Resume(ctx, record.WebsiteID); err != nil {
			m.logger.Warn("resume failed", zap.String("session_id", id), zap.String("website_id", record.WebsiteID), zap.Error(err))
		}
	}
	return s, nil
}

func resumable(record *store.Session) bool {
	if strings.TrimSpace(record.WebsiteID) == "" {
		return false
	}
	switch orchestrator.Kind(record.State) {
	case orchestrator.KindIdle, orchestrator.KindAborted:
		return false
	}
	return true
}

// Delete closes the session and removes every persisted trace of it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.cache.Peek(id)
	if ok {
		m.cache.Remove(id)
	}
	m.mu.Unlock()
	if ok {
		s.Close()
	}
	if m.deps.Store != nil {
		return m.deps.Store.DeleteSession(ctx, id)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Prune deletes stored sessions that have not been updated since before. Live sessions
// are kept.
func (m *Manager) Prune(ctx context.Context, before time.Time) (int, error) {
	if m.deps.Store == nil {
		return 0, nil
	}
	records, err := m.deps.Store.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, record := range records {
		updated, err := time.Parse(time.RFC3339Nano, record.UpdatedAt)
		if err != nil || !updated.Before(before) {
			continue
		}
		m.mu.Lock()
		live := m.cache.Contains(record.ID)
		m.mu.Unlock()
		if live {
			continue
		}
		if err := m.deps.Store.DeleteSession(ctx, record.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

func (m *Manager) Len() int {
	return m.cache.Len()
}

// Close shuts every live session down.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.cache.Values()
	m.cache.Purge()
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
