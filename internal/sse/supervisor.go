// Package sse owns the lifecycle of the task event stream: connect, deliver, retry with
// exponential backoff, and tear down.
package sse

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateBackoff    State = "backoff"
	StateClosed     State = "closed"
)

var ErrHeartbeatTimeout = errors.New("event stream heartbeat timeout")

// Sink consumes event payloads. A non-nil error closes the connection and disables retry.
type Sink interface {
	HandleMessage(data []byte) error
}

type Config struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	MaxRetries      int
	NoticeInterval  time.Duration
	ConnectTimeout  time.Duration
	HeartbeatWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.NoticeInterval <= 0 {
		c.NoticeInterval = DefaultNoticeInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HeartbeatWindow <= 0 {
		c.HeartbeatWindow = DefaultHeartbeatWindow
	}
	return c
}

// Hooks report lifecycle transitions. All are optional and run outside the supervisor lock.
type Hooks struct {
	OnOpen         func()
	OnReconnecting func(attempt int, delay time.Duration)
	OnNotice       func(attempt int)
	OnExhausted    func(err error)
	OnFatal        func(err error)
}

type Supervisor struct {
	dialer Dialer
	sink   Sink
	cfg    Config
	clock  Clock
	hooks  Hooks
	logger *zap.Logger

	mu            sync.Mutex
	state         State
	shouldConnect bool
	taskID        string
	retryCount    int
	gen           uint64
	cancel        context.CancelFunc
	conn          Conn
	retryTimer    Timer
	noticeTimer   Timer
	noticeSeq     uint64
}

type Option func(*Supervisor)

func WithClock(clock Clock) Option {
	return func(s *Supervisor) { s.clock = clock }
}

func WithHooks(hooks Hooks) Option {
	return func(s *Supervisor) { s.hooks = hooks }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

func NewSupervisor(dialer Dialer, sink Sink, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		dialer: dialer,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		clock:  realClock{},
		logger: zap.NewNop(),
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// Start sets the should-connect flag for taskID and connects when both preconditions
// hold. Starting the task already being served is a no-op.
func (s *Supervisor) Start(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldConnect && s.taskID == taskID && s.state != StateClosed && s.state != StateIdle {
		return
	}
	// a restart after exhaustion or Stop gets a fresh retry budget
	s.teardownLocked()
	s.shouldConnect = true
	s.taskID = taskID
	if taskID == "" {
		s.state = StateIdle
		return
	}
	s.connectLocked()
}

// Stop clears the should-connect flag and tears everything down.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shouldConnect = false
	s.teardownLocked()
	s.state = StateClosed
}

// teardownLocked closes the connection, clears both timers and resets the retry count.
// Bumping gen makes callbacks from the old connection no-ops.
func (s *Supervisor) teardownLocked() {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.stopNoticeLocked()
	s.retryCount = 0
}

func (s *Supervisor) connectLocked() {
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = StateConnecting
	go s.serve(ctx, gen, s.taskID)
}

func (s *Supervisor) serve(ctx context.Context, gen uint64, taskID string) {
	dialCtx, dialCancel := context.WithCancel(ctx)
	defer dialCancel()
	var dialExpired atomic.Bool
	dialTimer := s.clock.AfterFunc(s.cfg.ConnectTimeout, func() {
		dialExpired.Store(true)
		dialCancel()
	})
	conn, err := s.dialer.Dial(dialCtx, taskID)
	dialTimer.Stop()
	if dialExpired.Load() {
		if err == nil {
			_ = conn.Close()
		}
		err = context.DeadlineExceeded
	}
	if err != nil {
		s.handleError(gen, err)
		return
	}
	if !s.handleOpen(gen, conn) {
		return
	}

	var silent atomic.Bool
	arm := func() Timer {
		return s.clock.AfterFunc(s.cfg.HeartbeatWindow, func() {
			silent.Store(true)
			s.logger.Warn("event stream silent, closing", zap.String("task_id", taskID))
			_ = conn.Close()
		})
	}
	watchdog := arm()
	defer func() { watchdog.Stop() }()

	for {
		frame, err := conn.Recv()
		if err != nil {
			if silent.Load() {
				err = ErrHeartbeatTimeout
			}
			s.handleError(gen, err)
			return
		}
		watchdog.Stop()
		watchdog = arm()
		if frame.Comment || len(frame.Data) == 0 {
			continue
		}
		if !s.current(gen) {
			return
		}
		if err := s.sink.HandleMessage(frame.Data); err != nil {
			s.handleFatal(gen, err)
			return
		}
	}
}

func (s *Supervisor) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

func (s *Supervisor) handleOpen(gen uint64, conn Conn) bool {
	s.mu.Lock()
	if gen != s.gen || !s.shouldConnect {
		s.mu.Unlock()
		_ = conn.Close()
		return false
	}
	s.conn = conn
	s.state = StateOpen
	s.retryCount = 0
	s.stopNoticeLocked()
	taskID := s.taskID
	s.mu.Unlock()

	s.logger.Info("event stream open", zap.String("task_id", taskID))
	if s.hooks.OnOpen != nil {
		s.hooks.OnOpen()
	}
	return true
}

func (s *Supervisor) handleError(gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if !s.shouldConnect {
		s.state = StateClosed
		s.mu.Unlock()
		return
	}
	s.retryCount++
	attempt := s.retryCount
	if attempt > s.cfg.MaxRetries {
		s.state = StateClosed
		s.shouldConnect = false
		s.stopNoticeLocked()
		s.mu.Unlock()
		s.logger.Error("event stream retries exhausted", zap.Int("attempts", attempt-1), zap.Error(cause))
		if s.hooks.OnExhausted != nil {
			s.hooks.OnExhausted(cause)
		}
		return
	}
	if s.noticeTimer == nil {
		s.startNoticeLocked()
	}
	delay := Backoff(attempt, s.cfg.BaseDelay, s.cfg.MaxDelay)
	s.state = StateBackoff
	s.retryTimer = s.clock.AfterFunc(delay, func() { s.retry(gen) })
	s.mu.Unlock()

	s.logger.Warn("event stream error, scheduling retry",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause))
	if s.hooks.OnReconnecting != nil {
		s.hooks.OnReconnecting(attempt, delay)
	}
}

func (s *Supervisor) retry(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.shouldConnect || s.taskID == "" {
		return
	}
	s.retryTimer = nil
	s.connectLocked()
}

func (s *Supervisor) handleFatal(gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.shouldConnect = false
	s.teardownLocked()
	s.state = StateClosed
	s.mu.Unlock()

	s.logger.Error("event stream closed by fatal event", zap.Error(cause))
	if s.hooks.OnFatal != nil {
		s.hooks.OnFatal(cause)
	}
}

func (s *Supervisor) startNoticeLocked() {
	s.noticeSeq++
	seq := s.noticeSeq
	s.noticeTimer = s.clock.AfterFunc(s.cfg.NoticeInterval, func() { s.noticeTick(seq) })
}

func (s *Supervisor) noticeTick(seq uint64) {
	s.mu.Lock()
	if seq != s.noticeSeq || s.noticeTimer == nil {
		s.mu.Unlock()
		return
	}
	attempt := s.retryCount
	s.noticeTimer = s.clock.AfterFunc(s.cfg.NoticeInterval, func() { s.noticeTick(seq) })
	s.mu.Unlock()
	if s.hooks.OnNotice != nil {
		s.hooks.OnNotice(attempt)
	}
}

func (s *Supervisor) stopNoticeLocked() {
	if s.noticeTimer != nil {
		s.noticeTimer.Stop()
		s.noticeTimer = nil
	}
	s.noticeSeq++
}
