// Package session assembles one user's gateway session: the transcript, the event
// reducer, the stream supervisor and the task orchestrator, plus persistence and relay.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/websitelm/alternatively-gateway/internal/artifacts"
	"github.com/websitelm/alternatively-gateway/internal/backend"
	"github.com/websitelm/alternatively-gateway/internal/chat"
	"github.com/websitelm/alternatively-gateway/internal/events"
	"github.com/websitelm/alternatively-gateway/internal/orchestrator"
	"github.com/websitelm/alternatively-gateway/internal/render"
	"github.com/websitelm/alternatively-gateway/internal/secrets"
	"github.com/websitelm/alternatively-gateway/internal/sse"
	"github.com/websitelm/alternatively-gateway/internal/store"
	"github.com/websitelm/alternatively-gateway/internal/stream"
)

var ErrPageNotFound = errors.New("page not found")

// Credentials are the per-user values the browser client used to keep in local storage.
type Credentials struct {
	CustomerID  string `json:"customer_id"`
	AccessToken string `json:"-"`
}

type Config struct {
	PreviewBase   string
	EventsURL     string
	DeepResearch  bool
	FirstTimeUser bool
	SSE           sse.Config
	WhatsNext     string
}

// Deps are the collaborators shared by every session. Store, Artifacts, Broker and Tokens
// are optional.
type Deps struct {
	Backend    func(creds Credentials) orchestrator.Backend
	Dialer     func(creds Credentials) sse.Dialer
	Store      store.Store
	Artifacts  artifacts.Store
	Broker     *events.Broker
	Tokens     *secrets.Cipher
	Logger     *zap.Logger
	HTTPClient *http.Client
}

// BackendFactory binds a shared client to each session's token.
func BackendFactory(client *backend.Client) func(Credentials) orchestrator.Backend {
	return func(creds Credentials) orchestrator.Backend {
		return client.WithToken(creds.AccessToken)
	}
}

// Snapshot is the complete state a front-end needs to draw a session.
type Snapshot struct {
	ID       string              `json:"id"`
	Status   orchestrator.Status `json:"status"`
	Messages []chat.Message      `json:"messages"`
	View     render.View         `json:"view"`
}

type Session struct {
	id     string
	creds  Credentials
	cfg    Config
	deps   Deps
	logger *zap.Logger

	chat       *chat.Handler
	reducer    *stream.Reducer
	supervisor *sse.Supervisor
	orch       *orchestrator.Orchestrator
	connector  *connector
	replaying  atomic.Bool

	changeMu sync.Mutex
	changed  chan struct{}

	persist   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	bg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

func New(id string, creds Credentials, deps Deps, cfg Config) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_id", id))
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      id,
		creds:   creds,
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		changed: make(chan struct{}),
		persist: make(chan struct{}, 1),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.chat = chat.NewHandler(logger, chat.WithObserver(s.onMessages))
	s.reducer = stream.NewReducer(logger,
		stream.WithStepSource(func() int { return s.orch.Phase() }),
		stream.WithPageSink(s),
	)
	s.supervisor = sse.NewSupervisor(s.dialer(), &recorder{session: s}, cfg.SSE,
		sse.WithLogger(logger),
		sse.WithHooks(sse.Hooks{
			OnOpen:         func() { s.orch.HandleConnected() },
			OnReconnecting: func(attempt int, _ time.Duration) { s.orch.HandleReconnecting(attempt) },
			OnNotice:       func(attempt int) { s.orch.HandleReconnecting(attempt) },
			OnExhausted:    func(error) { s.orch.HandleExhausted() },
		}),
	)
	s.connector = &connector{supervisor: s.supervisor, reducer: s.reducer}
	s.orch = orchestrator.New(deps.Backend(creds), s.chat, s.connector, s.reducer, orchestrator.Config{
		PreviewBase:   cfg.PreviewBase,
		DeepResearch:  cfg.DeepResearch,
		FirstTimeUser: cfg.FirstTimeUser,
		MaxRetries:    cfg.SSE.MaxRetries,
		WhatsNext:     cfg.WhatsNext,
	}, orchestrator.WithLogger(logger), orchestrator.WithObserver(s.onStatus))
	s.reducer.Subscribe(s.orch.Observe)
	s.reducer.Subscribe(s.onSnapshot)

	s.bg.Add(1)
	go s.persistLoop()
	return s
}

func (s *Session) dialer() sse.Dialer {
	if s.deps.Dialer != nil {
		return s.deps.Dialer(s.creds)
	}
	return &sse.HTTPDialer{
		Client:     s.deps.HTTPClient,
		BaseURL:    s.cfg.EventsURL,
		CustomerID: s.creds.CustomerID,
		Token:      func() string { return s.creds.AccessToken },
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Credentials() Credentials { return s.creds }

func (s *Session) Submit(ctx context.Context, input string) error {
	return s.orch.Submit(ctx, input)
}

func (s *Session) SelectCompetitors(ctx context.Context, domains []string) error {
	return s.orch.SelectCompetitors(ctx, domains)
}

func (s *Session) Confirm(ctx context.Context) error {
	return s.orch.Confirm(ctx)
}

func (s *Session) Abort(ctx context.Context) error {
	return s.orch.Abort(ctx)
}

func (s *Session) Resume(ctx context.Context, websiteID string) error {
	return s.orch.Resume(ctx, websiteID)
}

// replayJournal rebuilds the reduced log state of websiteID from the stored events. It runs
// before Resume, so the orchestrator is still idle and ignores the replayed snapshots, and
// pages already archived are not archived again.
func (s *Session) replayJournal(ctx context.Context, websiteID string) error {
	if s.deps.Store == nil {
		return nil
	}
	journal, err := s.deps.Store.ListEvents(ctx, s.id, 0)
	if err != nil {
		return err
	}
	s.replaying.Store(true)
	defer s.replaying.Store(false)
	replayed := 0
	for _, ev := range journal {
		if ev.WebsiteID != websiteID {
			continue
		}
		if err := s.reducer.HandleMessage(ev.Payload); err != nil {
			// a journaled fatal event ends the task; the orchestrator surfaces it after Resume
			s.logger.Info("replay stopped at terminal event", zap.Int64("seq", ev.Seq), zap.Error(err))
			break
		}
		replayed++
	}
	s.connector.adopt(websiteID)
	s.logger.Debug("journal replayed", zap.String("website_id", websiteID), zap.Int("events", replayed))
	return nil
}

func (s *Session) Status() orchestrator.Status {
	return s.orch.Status()
}

func (s *Session) Snapshot() Snapshot {
	status := s.orch.Status()
	return Snapshot{
		ID:       s.id,
		Status:   status,
		Messages: s.chat.Messages(),
		View:     render.Build(s.reducer.Snapshot(), int(status.Phase), s.cfg.PreviewBase),
	}
}

// Flush waits until queued transcript operations and background requests have settled.
func (s *Session) Flush(ctx context.Context) error {
	s.orch.Wait()
	return s.chat.Flush(ctx)
}

// WaitFor blocks until cond holds for the current status or ctx ends.
func (s *Session) WaitFor(ctx context.Context, cond func(orchestrator.Status) bool) (orchestrator.Status, error) {
	for {
		s.changeMu.Lock()
		changed := s.changed
		s.changeMu.Unlock()

		status := s.orch.Status()
		if cond(status) {
			return status, nil
		}
		select {
		case <-changed:
		case <-s.done:
			return status, fmt.Errorf("session %s closed", s.id)
		case <-ctx.Done():
			return status, ctx.Err()
		}
	}
}

// Page returns the archived HTML of a generated page, falling back to the in-memory
// stream when no archive is configured.
func (s *Session) Page(ctx context.Context, resultID string) ([]byte, error) {
	if s.deps.Artifacts != nil {
		content, err := s.deps.Artifacts.Get(ctx, s.id, artifacts.PageName(resultID))
		if err == nil {
			return content, nil
		}
		if !errors.Is(err, artifacts.ErrNotFound) {
			return nil, err
		}
	}
	var html string
	for _, entry := range s.reducer.Snapshot().Logs {
		switch c := entry.Content.(type) {
		case stream.HTMLContent:
			html = c.Text
		case stream.CodesContent:
			if c.ResultID == resultID && html != "" {
				return []byte(html), nil
			}
		}
	}
	return nil, ErrPageNotFound
}

// Close stops the stream and background work, then writes a final copy to the store.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.supervisor.Stop()
		s.orch.Close()
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.chat.Flush(flushCtx)
		cancel()
		close(s.done)
		s.bg.Wait()
		s.cancel()
		s.save(context.Background())
		if s.deps.Broker != nil {
			s.deps.Broker.Send(events.Update{SessionID: s.id, Kind: events.KindClosed})
		}
	})
}

func (s *Session) onMessages(messages []chat.Message) {
	s.publish(events.KindChat, messages)
	s.markDirty()
}

func (s *Session) onStatus(status orchestrator.Status) {
	s.changeMu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.changeMu.Unlock()

	s.publish(events.KindStatus, status)
	s.markDirty()
}

func (s *Session) onSnapshot(snapshot stream.Snapshot) {
	if s.deps.Broker == nil || s.deps.Broker.Subscribers(s.id) == 0 {
		return
	}
	s.publish(events.KindView, render.Build(snapshot, s.orch.Phase(), s.cfg.PreviewBase))
}

func (s *Session) publish(kind events.Kind, payload any) {
	if s.deps.Broker == nil {
		return
	}
	if err := s.deps.Broker.Publish(s.id, kind, payload); err != nil {
		s.logger.Warn("publish session update failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (s *Session) markDirty() {
	select {
	case s.persist <- struct{}{}:
	default:
	}
}

// persistLoop coalesces bursts of changes into one write.
func (s *Session) persistLoop() {
	defer s.bg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.persist:
			s.save(s.ctx)
		}
	}
}

func (s *Session) save(ctx context.Context) {
	if s.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token, err := s.deps.Tokens.Seal(s.creds.AccessToken)
	if err != nil {
		s.logger.Warn("seal access token failed", zap.Error(err))
		return
	}
	status := s.orch.Status()
	record := store.Session{
		ID:            s.id,
		CustomerID:    s.creds.CustomerID,
		AccessToken:   token,
		WebsiteID:     status.WebsiteID,
		URL:           status.URL,
		State:         string(status.State),
		Phase:         int(status.Phase),
		FirstTimeUser: status.FirstTimeUser,
	}
	if err := s.deps.Store.UpdateSession(ctx, record); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("persist session failed", zap.Error(err))
			return
		}
		if err := s.deps.Store.CreateSession(ctx, record); err != nil {
			s.logger.Warn("create session failed", zap.Error(err))
			return
		}
	}
	if err := s.deps.Store.ReplaceMessages(ctx, s.id, toStoreMessages(s.chat.Messages())); err != nil {
		s.logger.Warn("persist transcript failed", zap.Error(err))
	}
}

// PageCompleted archives a finished page. It runs in the background so the reducer is
// never blocked on storage.
func (s *Session) PageCompleted(page stream.Page) {
	if s.replaying.Load() || (s.deps.Artifacts == nil && s.deps.Store == nil) {
		return
	}
	websiteID := s.orch.Status().WebsiteID
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
		defer cancel()
		if err := s.archive(ctx, websiteID, page); err != nil {
			s.logger.Warn("archive page failed", zap.String("result_id", page.ResultID), zap.Error(err))
		}
	}()
}

func (s *Session) archive(ctx context.Context, websiteID string, page stream.Page) error {
	content := []byte(page.HTML)
	record := store.Page{
		SessionID:   s.id,
		ResultID:    page.ResultID,
		WebsiteID:   websiteID,
		ContentType: "text/html",
		SizeBytes:   int64(len(content)),
		URI:         strings.TrimRight(s.cfg.PreviewBase, "/") + "/" + page.ResultID,
	}
	sum := sha256.Sum256(content)
	record.Checksum = hex.EncodeToString(sum[:])
	if preview, err := render.PreviewHTML(page.HTML); err == nil {
		record.Title = preview.Title
	}
	if s.deps.Artifacts != nil {
		uri, err := s.deps.Artifacts.Put(ctx, s.id, artifacts.PageName(page.ResultID), "text/html", content)
		if err != nil {
			return fmt.Errorf("store page html: %w", err)
		}
		record.URI = uri
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.UpsertPage(ctx, record); err != nil {
			return fmt.Errorf("index page: %w", err)
		}
	}
	return nil
}

// connector resets the reducer whenever the stream is (re)started for a different task or
// after an explicit stop, so a new task never sees the previous task's logs.
type connector struct {
	supervisor *sse.Supervisor
	reducer    *stream.Reducer

	mu      sync.Mutex
	taskID  string
	stopped bool
}

func (c *connector) Start(taskID string) {
	c.mu.Lock()
	reset := c.taskID != taskID || c.stopped
	c.taskID = taskID
	c.stopped = false
	c.mu.Unlock()
	if reset {
		c.supervisor.Stop()
		c.reducer.Reset()
	}
	c.supervisor.Start(taskID)
}

// adopt marks taskID as the task whose logs the reducer already holds, so the next Start
// for it keeps them.
func (c *connector) adopt(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taskID = taskID
	c.stopped = false
}

func (c *connector) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.supervisor.Stop()
}

// recorder journals every raw event before handing it to the reducer.
type recorder struct {
	session *Session
}

func (r *recorder) HandleMessage(data []byte) error {
	s := r.session
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
		if err := s.journal(ctx, data); err != nil {
			s.logger.Warn("journal event failed", zap.Error(err))
		}
		cancel()
	}
	if s.deps.Broker != nil && s.deps.Broker.Subscribers(s.id) > 0 && json.Valid(data) {
		s.publish(events.KindLog, json.RawMessage(data))
	}
	return s.reducer.HandleMessage(data)
}

func (s *Session) journal(ctx context.Context, data []byte) error {
	seq, err := s.deps.Store.NextSeq(ctx, s.id)
	if err != nil {
		return err
	}
	return s.deps.Store.AppendEvent(ctx, store.Event{
		SessionID: s.id,
		Seq:       seq,
		WebsiteID: s.connector.currentTask(),
		Type:      eventType(data),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   append([]byte(nil), data...),
	})
}

func (c *connector) currentTask() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskID
}
