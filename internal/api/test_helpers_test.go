package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/websitelm/alternatively-gateway/internal/artifacts"
	"github.com/websitelm/alternatively-gateway/internal/backend"
	"github.com/websitelm/alternatively-gateway/internal/config"
	"github.com/websitelm/alternatively-gateway/internal/events"
	"github.com/websitelm/alternatively-gateway/internal/orchestrator"
	"github.com/websitelm/alternatively-gateway/internal/session"
	"github.com/websitelm/alternatively-gateway/internal/sse"
	"github.com/websitelm/alternatively-gateway/internal/store"
	"github.com/websitelm/alternatively-gateway/internal/store/memory"
)

// MockStore mocks the calls a test sets up; everything else panics through the nil
// embedded interface.
type MockStore struct {
	mock.Mock
	store.Store
}

func (m *MockStore) ListBatches(ctx context.Context) ([]store.Batch, error) {
	args := m.Called(ctx)
	var result []store.Batch
	if value := args.Get(0); value != nil {
		result = value.([]store.Batch)
	}
	return result, args.Error(1)
}

func (m *MockStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	args := m.Called(ctx, id)
	var result *store.Session
	if value := args.Get(0); value != nil {
		result = value.(*store.Session)
	}
	return result, args.Error(1)
}

func (m *MockStore) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]store.Event, error) {
	args := m.Called(ctx, sessionID, afterSeq)
	var result []store.Event
	if value := args.Get(0); value != nil {
		result = value.([]store.Event)
	}
	return result, args.Error(1)
}

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Subscribe(ctx context.Context, sessionID string) <-chan events.Update {
	args := m.Called(ctx, sessionID)
	if value := args.Get(0); value != nil {
		if ch, ok := value.(chan events.Update); ok {
			return ch
		}
		if ch, ok := value.(<-chan events.Update); ok {
			return ch
		}
	}
	return nil
}

type MockBatchService struct {
	mock.Mock
}

func (m *MockBatchService) StartBatch(ctx context.Context, batchID string, urls []string) error {
	args := m.Called(ctx, batchID, urls)
	return args.Error(0)
}

func (m *MockBatchService) CancelBatch(ctx context.Context, batchID string) error {
	args := m.Called(ctx, batchID)
	return args.Error(0)
}

type MockHistory struct {
	mock.Mock
}

func (m *MockHistory) WebsiteHistory(ctx context.Context) ([]backend.Website, error) {
	args := m.Called(ctx)
	var result []backend.Website
	if value := args.Get(0); value != nil {
		result = value.([]backend.Website)
	}
	return result, args.Error(1)
}

type fakeBackend struct {
	mu        sync.Mutex
	token     string
	searchErr error
	generated [][]string
}

func (f *fakeBackend) Search(ctx context.Context, req backend.SearchRequest) (backend.SearchResult, error) {
	if f.searchErr != nil {
		return backend.SearchResult{}, f.searchErr
	}
	return backend.SearchResult{WebsiteID: "w1"}, nil
}

func (f *fakeBackend) Generate(ctx context.Context, websiteID string, domains []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generated = append(f.generated, domains)
	return nil
}

func (f *fakeBackend) Chat(ctx context.Context, websiteID, message string) (backend.ChatReply, error) {
	return backend.ChatReply{Answer: "ok"}, nil
}

func (f *fakeBackend) Status(ctx context.Context, websiteID string) (backend.TaskStatus, error) {
	return backend.TaskStatus{WebsiteID: websiteID, Status: "finished"}, nil
}

func (f *fakeBackend) ChatHistory(ctx context.Context, websiteID string) ([]backend.ChatRecord, error) {
	return nil, nil
}

func (f *fakeBackend) Delete(ctx context.Context, websiteID string) error { return nil }

func (f *fakeBackend) lastToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

type fakeConn struct {
	frames    chan sse.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *fakeConn) Recv() (sse.Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return sse.Frame{}, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, event map[string]any) {
	t.Helper()
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	c.frames <- sse.Frame{Data: raw}
}

type fakeDialer struct {
	conns chan *fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, taskID string) (sse.Conn, error) {
	conn := &fakeConn{frames: make(chan sse.Frame, 16), closed: make(chan struct{})}
	d.conns <- conn
	return conn, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

type testEnv struct {
	backend   *fakeBackend
	dialer    *fakeDialer
	store     *memory.MemoryStore
	artifacts *artifacts.MemoryStore
	broker    *events.Broker
	manager   *session.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		backend:   &fakeBackend{},
		dialer:    &fakeDialer{conns: make(chan *fakeConn, 8)},
		store:     memory.New(),
		artifacts: artifacts.NewMemoryStore(),
		broker:    events.NewBroker(),
	}
	deps := session.Deps{
		Backend: func(creds session.Credentials) orchestrator.Backend {
			env.backend.mu.Lock()
			env.backend.token = creds.AccessToken
			env.backend.mu.Unlock()
			return env.backend
		},
		Dialer:    func(session.Credentials) sse.Dialer { return env.dialer },
		Store:     env.store,
		Artifacts: env.artifacts,
		Broker:    env.broker,
	}
	env.manager = session.NewManager(deps, session.Config{PreviewBase: "https://preview.example.com"}, 16, time.Minute)
	t.Cleanup(env.manager.Close)
	return env
}

func newTestServer(t *testing.T, env *testEnv, cfg config.Config, opts ...Option) *httptest.Server {
	t.Helper()
	server := NewServer(env.manager, env.store, env.broker, cfg, opts...)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts
}
