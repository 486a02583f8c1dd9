// Package artifacts stores the HTML of generated pages so a finished session can still
// serve them after the backend preview expires.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("artifact not found")

type Store interface {
	// Put writes content under sessionID/name and returns its URI.
	Put(ctx context.Context, sessionID, name, contentType string, content []byte) (string, error)
	Get(ctx context.Context, sessionID, name string) ([]byte, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

func (m *MemoryStore) Put(ctx context.Context, sessionID, name, contentType string, content []byte) (string, error) {
	key, err := objectKey(sessionID, name)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.objects[key] = append([]byte(nil), content...)
	m.mu.Unlock()
	return "memory://" + key, nil
}

func (m *MemoryStore) Get(ctx context.Context, sessionID, name string) ([]byte, error) {
	key, err := objectKey(sessionID, name)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), content...), nil
}

func objectKey(sessionID, name string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	name = strings.TrimLeft(strings.TrimSpace(name), "/")
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	if name == "" {
		return "", fmt.Errorf("name is required")
	}
	return sessionID + "/" + name, nil
}

// PageName is the object name of the archived HTML for a result.
func PageName(resultID string) string {
	return "pages/" + strings.TrimSpace(resultID) + ".html"
}
