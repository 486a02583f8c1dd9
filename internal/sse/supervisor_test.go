package sse

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return &fakeTimerHandle{clock: c, timer: t}
}

type fakeTimerHandle struct {
	clock *fakeClock
	timer *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	active := !h.timer.stopped && !h.timer.fired
	h.timer.stopped = true
	return active
}

func (c *fakeClock) pending(d time.Duration) []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if t.d == d && !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the single pending timer with duration d.
func (c *fakeClock) fire(t *testing.T, d time.Duration) {
	t.Helper()
	timers := c.pending(d)
	require.Len(t, timers, 1, "pending timers for %s", d)
	c.mu.Lock()
	timers[0].fired = true
	c.mu.Unlock()
	timers[0].f()
}

type fakeConn struct {
	frames    chan Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan Frame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Recv() (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return Frame{}, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type dialFunc func(ctx context.Context, taskID string) (Conn, error)

func (f dialFunc) Dial(ctx context.Context, taskID string) (Conn, error) {
	return f(ctx, taskID)
}

type countingDialer struct {
	mu    sync.Mutex
	calls int
	tasks []string
	next  func(call int) (Conn, error)
}

func (d *countingDialer) Dial(_ context.Context, taskID string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.tasks = append(d.tasks, taskID)
	d.mu.Unlock()
	return d.next(call)
}

func (d *countingDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type sinkFunc func([]byte) error

func (f sinkFunc) HandleMessage(data []byte) error { return f(data) }

var errRefused = errors.New("connection refused")

func TestBackoff(t *testing.T) {
	base, max := 5*time.Second, 60*time.Second
	require.Equal(t, 5*time.Second, Backoff(0, base, max))
	require.Equal(t, 5*time.Second, Backoff(1, base, max))
	require.Equal(t, 10*time.Second, Backoff(2, base, max))
	require.Equal(t, 20*time.Second, Backoff(3, base, max))
	require.Equal(t, 40*time.Second, Backoff(4, base, max))
	require.Equal(t, 60*time.Second, Backoff(5, base, max))
	require.Equal(t, 60*time.Second, Backoff(12, base, max))
}

func TestSupervisor_BackoffScheduleThenExhausted(t *testing.T) {
	clock := &fakeClock{}
	dialer := &countingDialer{next: func(int) (Conn, error) { return nil, errRefused }}
	delays := make(chan time.Duration, 8)
	exhausted := make(chan error, 1)
	sup := NewSupervisor(dialer, sinkFunc(func([]byte) error { return nil }), Config{},
		WithClock(clock),
		WithHooks(Hooks{
			OnReconnecting: func(_ int, d time.Duration) { delays <- d },
			OnExhausted:    func(err error) { exhausted <- err },
		}))
	defer sup.Stop()

	sup.Start("task-1")
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second}
	for i, d := range want {
		select {
		case got := <-delays:
			require.Equal(t, d, got, "retry %d", i+1)
		case <-time.After(2 * time.Second):
			t.Fatalf("no reconnect scheduled for retry %d", i+1)
		}
		require.Equal(t, StateBackoff, sup.State())
		clock.fire(t, d)
	}

	select {
	case err := <-exhausted:
		require.ErrorIs(t, err, errRefused)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never gave up")
	}
	require.Equal(t, StateClosed, sup.State())
	require.Equal(t, 6, dialer.Calls())
	require.Empty(t, delays)
	require.Empty(t, clock.pending(DefaultNoticeInterval))
}

func TestSupervisor_OpenResetsRetryCount(t *testing.T) {
	clock := &fakeClock{}
	conn := newFakeConn()
	dialer := &countingDialer{next: func(call int) (Conn, error) {
		if call == 1 {
			return nil, errRefused
		}
		return conn, nil
	}}
	opened := make(chan struct{}, 1)
	retrying := make(chan struct{}, 1)
	sup := NewSupervisor(dialer, sinkFunc(func([]byte) error { return nil }), Config{},
		WithClock(clock),
		WithHooks(Hooks{
			OnOpen:         func() { opened <- struct{}{} },
			OnReconnecting: func(int, time.Duration) { retrying <- struct{}{} },
		}))
	defer sup.Stop()

	sup.Start("task-1")
	<-retrying
	require.Equal(t, 1, sup.RetryCount())
	require.Len(t, clock.pending(DefaultNoticeInterval), 1)

	clock.fire(t, DefaultBaseDelay)
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("never opened")
	}
	require.Equal(t, StateOpen, sup.State())
	require.Equal(t, 0, sup.RetryCount())
	require.Empty(t, clock.pending(DefaultNoticeInterval))
}

func TestSupervisor_DeliversDataAndSkipsComments(t *testing.T) {
	conn := newFakeConn()
	got := make(chan string, 4)
	sup := NewSupervisor(
		dialFunc(func(context.Context, string) (Conn, error) { return conn, nil }),
		sinkFunc(func(data []byte) error { got <- string(data); return nil }),
		Config{}, WithClock(&fakeClock{}))
	defer sup.Stop()

	sup.Start("task-1")
	conn.frames <- Frame{Comment: true, Data: []byte("keep-alive")}
	conn.frames <- Frame{Data: []byte(`{"type":"Info"}`)}

	select {
	case data := <-got:
		require.Equal(t, `{"type":"Info"}`, data)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
	require.Empty(t, got)
}

func TestSupervisor_SinkErrorClosesWithoutRetry(t *testing.T) {
	clock := &fakeClock{}
	conn := newFakeConn()
	dialer := &countingDialer{next: func(int) (Conn, error) { return conn, nil }}
	fatal := make(chan error, 1)
	boom := errors.New("fatal event")
	sup := NewSupervisor(dialer, sinkFunc(func([]byte) error { return boom }), Config{},
		WithClock(clock),
		WithHooks(Hooks{
			OnFatal:        func(err error) { fatal <- err },
			OnReconnecting: func(int, time.Duration) { t.Error("retry scheduled after fatal event") },
		}))
	defer sup.Stop()

	sup.Start("task-1")
	conn.frames <- Frame{Data: []byte(`{"type":"Error"}`)}

	select {
	case err := <-fatal:
		require.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("fatal hook not called")
	}
	require.True(t, conn.isClosed())
	require.Equal(t, StateClosed, sup.State())
	require.Empty(t, clock.pending(DefaultBaseDelay))
	require.Equal(t, 1, dialer.Calls())
}

func TestSupervisor_StopWhileRetryPendingPreventsReconnect(t *testing.T) {
	clock := &fakeClock{}
	dialer := &countingDialer{next: func(int) (Conn, error) { return nil, errRefused }}
	retrying := make(chan struct{}, 1)
	sup := NewSupervisor(dialer, sinkFunc(func([]byte) error { return nil }), Config{},
		WithClock(clock),
		WithHooks(Hooks{OnReconnecting: func(int, time.Duration) { retrying <- struct{}{} }}))

	sup.Start("task-1")
	<-retrying
	timers := clock.pending(DefaultBaseDelay)
	require.Len(t, timers, 1)

	sup.Stop()
	require.True(t, timers[0].stopped)
	require.Equal(t, 0, sup.RetryCount())

	// a callback that raced past Stop must not reconnect
	timers[0].f()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, dialer.Calls())
	require.Equal(t, StateClosed, sup.State())
}

func TestSupervisor_StartRequiresTaskID(t *testing.T) {
	dialer := &countingDialer{next: func(int) (Conn, error) { return newFakeConn(), nil }}
	sup := NewSupervisor(dialer, sinkFunc(func([]byte) error { return nil }), Config{}, WithClock(&fakeClock{}))
	defer sup.Stop()

	sup.Start("")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, dialer.Calls())
	require.Equal(t, StateIdle, sup.State())
}

func TestSupervisor_SwitchingTaskTearsDownOldStream(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &countingDialer{next: func(call int) (Conn, error) {
		if call == 1 {
			return first, nil
		}
		return second, nil
	}}
	opened := make(chan struct{}, 2)
	sup := NewSupervisor(dialer, sinkFunc(func([]byte) error { return nil }), Config{},
		WithClock(&fakeClock{}),
		WithHooks(Hooks{OnOpen: func() { opened <- struct{}{} }}))
	defer sup.Stop()

	sup.Start("task-1")
	<-opened
	sup.Start("task-1")
	sup.Start("task-2")
	<-opened

	require.True(t, first.isClosed())
	require.False(t, second.isClosed())
	require.Equal(t, 2, dialer.Calls())
	require.Equal(t, []string{"task-1", "task-2"}, dialer.tasks)
}

func TestSupervisor_NoticeRepeatsWhileReconnecting(t *testing.T) {
	clock := &fakeClock{}
	dialer := &countingDialer{next: func(int) (Conn, error) { return nil, errRefused }}
	retrying := make(chan struct{}, 1)
	notices := make(chan int, 4)
	sup := NewSupervisor(dialer, sinkFunc(func([]byte) error { return nil }), Config{},
		WithClock(clock),
		WithHooks(Hooks{
			OnReconnecting: func(int, time.Duration) { retrying <- struct{}{} },
			OnNotice:       func(attempt int) { notices <- attempt },
		}))
	defer sup.Stop()

	sup.Start("task-1")
	<-retrying
	clock.fire(t, DefaultNoticeInterval)
	clock.fire(t, DefaultNoticeInterval)
	require.Equal(t, 1, <-notices)
	require.Equal(t, 1, <-notices)
	require.Len(t, clock.pending(DefaultNoticeInterval), 1)

	sup.Stop()
	require.Empty(t, clock.pending(DefaultNoticeInterval))
}

func TestSupervisor_RestartAfterExhaustionGetsFreshRetries(t *testing.T) {
	clock := &fakeClock{}
	dialer := &countingDialer{next: func(int) (Conn, error) { return nil, errRefused }}
	attempts := make(chan int, 8)
	exhausted := make(chan struct{}, 2)
	sup := NewSupervisor(dialer, sinkFunc(func([]byte) error { return nil }), Config{MaxRetries: 1},
		WithClock(clock),
		WithHooks(Hooks{
			OnReconnecting: func(attempt int, _ time.Duration) { attempts <- attempt },
			OnExhausted:    func(error) { exhausted <- struct{}{} },
		}))
	defer sup.Stop()

	sup.Start("task-1")
	require.Equal(t, 1, <-attempts)
	clock.fire(t, DefaultBaseDelay)
	select {
	case <-exhausted:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never gave up")
	}
	require.Equal(t, StateClosed, sup.State())

	sup.Start("task-1")
	select {
	case attempt := <-attempts:
		require.Equal(t, 1, attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("restart gave up without scheduling a retry")
	}
	require.Equal(t, StateBackoff, sup.State())
	require.Equal(t, 1, sup.RetryCount())
	require.Len(t, clock.pending(DefaultNoticeInterval), 1)
	require.Empty(t, exhausted)
}

func TestSupervisor_HeartbeatSilenceReconnects(t *testing.T) {
	clock := &fakeClock{}
	conn := newFakeConn()
	dialer := &countingDialer{next: func(call int) (Conn, error) {
		if call == 1 {
			return conn, nil
		}
		return nil, errRefused
	}}
	core, logs := observer.New(zap.WarnLevel)
	got := make(chan string, 1)
	retrying := make(chan time.Duration, 1)
	sup := NewSupervisor(dialer, sinkFunc(func(data []byte) error { got <- string(data); return nil }), Config{},
		WithClock(clock),
		WithLogger(zap.New(core)),
		WithHooks(Hooks{OnReconnecting: func(_ int, d time.Duration) { retrying <- d }}))
	defer sup.Stop()

	sup.Start("task-1")
	conn.frames <- Frame{Data: []byte(`{"type":"Info"}`)}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
	// every frame re-arms the window
	require.Len(t, clock.pending(DefaultHeartbeatWindow), 1)

	clock.fire(t, DefaultHeartbeatWindow)
	select {
	case d := <-retrying:
		require.Equal(t, DefaultBaseDelay, d)
	case <-time.After(2 * time.Second):
		t.Fatal("silent stream was not retried")
	}
	require.True(t, conn.isClosed())
	entries := logs.FilterMessage("event stream error, scheduling retry").All()
	require.Len(t, entries, 1)
	require.Equal(t, ErrHeartbeatTimeout.Error(), entries[0].ContextMap()["error"])
}

func TestSupervisor_DialTimeoutSchedulesRetry(t *testing.T) {
	clock := &fakeClock{}
	dialer := dialFunc(func(ctx context.Context, _ string) (Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	core, logs := observer.New(zap.WarnLevel)
	retrying := make(chan int, 1)
	sup := NewSupervisor(dialer, sinkFunc(func([]byte) error { return nil }), Config{},
		WithClock(clock),
		WithLogger(zap.New(core)),
		WithHooks(Hooks{OnReconnecting: func(attempt int, _ time.Duration) { retrying <- attempt }}))
	defer sup.Stop()

	sup.Start("task-1")
	require.Eventually(t, func() bool {
		return len(clock.pending(DefaultConnectTimeout)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, StateConnecting, sup.State())

	clock.fire(t, DefaultConnectTimeout)
	select {
	case attempt := <-retrying:
		require.Equal(t, 1, attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("dial timeout was not retried")
	}
	entries := logs.FilterMessage("event stream error, scheduling retry").All()
	require.Len(t, entries, 1)
	require.Equal(t, context.DeadlineExceeded.Error(), entries[0].ContextMap()["error"])
}
