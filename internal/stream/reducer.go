// Package stream folds the generation event feed into structured session state.
package stream

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Page is a finished Html stream, reported when the Codes event that closes it arrives.
type Page struct {
	StreamID string
	ResultID string
	HTML     string
}

type PageSink interface {
	PageCompleted(page Page)
}

// Snapshot is an immutable view of the reducer state at one version.
type Snapshot struct {
	Version       uint64
	Logs          []LogEntry
	Streaming     bool
	CurrentHTMLID string
	Fatal         *ErrorContent
}

type Observer func(snapshot Snapshot)

type Reducer struct {
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
	stepFn func() int

	mu            sync.Mutex
	logs          []LogEntry
	htmlIndex     int
	currentHTMLID string
	htmlBuf       strings.Builder
	streaming     bool
	fatal         *ErrorContent
	version       uint64
	observers     []Observer
	pages         PageSink
}

type Option func(*Reducer)

// WithStepSource stamps every entry with the orchestrator phase current at arrival.
func WithStepSource(step func() int) Option {
	return func(r *Reducer) { r.stepFn = step }
}

func WithPageSink(sink PageSink) Option {
	return func(r *Reducer) { r.pages = sink }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reducer) { r.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(r *Reducer) { r.newID = newID }
}

func NewReducer(logger *zap.Logger, opts ...Option) *Reducer {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reducer{
		logger:    logger,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		stepFn:    func() int { return 0 },
		htmlIndex: -1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers an observer called after every applied event.
func (r *Reducer) Subscribe(observer Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, observer)
	r.mu.Unlock()
}

// HandleMessage decodes and applies one raw SSE payload. Malformed payloads are logged
// and skipped; only ErrFatalEvent is returned.
func (r *Reducer) HandleMessage(data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.Warn("skipping malformed event", zap.Error(err), zap.Int("bytes", len(data)))
		return nil
	}
	return r.Apply(ev)
}

// Apply folds one event into the log state. After an Error event every further call is
// ignored and reports ErrFatalEvent.
func (r *Reducer) Apply(ev Event) error {
	step := r.stepFn()
	r.mu.Lock()
	if r.fatal != nil {
		r.mu.Unlock()
		return ErrFatalEvent
	}
	timestamp := strings.TrimSpace(ev.Timestamp)
	if timestamp == "" {
		timestamp = r.now().UTC().Format(time.RFC3339Nano)
	}

	var (
		completed *Page
		result    error
	)
	switch ev.Type {
	case TypeHTML:
		r.applyHTML(ev, step, timestamp)
	case TypeCodes:
		completed = r.applyCodes(ev, step, timestamp)
	case TypeError:
		content := decodeError(ev.Content)
		r.fatal = &content
		r.streaming = false
		r.currentHTMLID = ""
		r.htmlIndex = -1
		result = ErrFatalEvent
	case TypeColor:
		r.appendEntry(ev, decodeColor(ev.Content), step, timestamp)
	case TypeCrawlerImages, TypeCrawlerHeaders, TypeCrawlerFooters:
		r.appendEntry(ev, decodeCrawler(ev.Content), step, timestamp)
	case TypeAgent:
		r.appendEntry(ev, decodeAgent(ev.Content), step, timestamp)
	default:
		r.appendEntry(ev, StructuredContent{Value: decodeAny(ev.Content)}, step, timestamp)
	}
	r.version++
	snapshot := r.snapshotLocked()
	observers := append([]Observer(nil), r.observers...)
	sink := r.pages
	r.mu.Unlock()

	if completed != nil && sink != nil {
		sink.PageCompleted(*completed)
	}
	for _, observer := range observers {
		observer(snapshot)
	}
	return result
}

// applyHTML keeps a single open stream slot. A new id resets the buffer and opens a new
// entry; an id-less chunk goes into whatever stream is open.
func (r *Reducer) applyHTML(ev Event, step int, timestamp string) {
	id := string(ev.ID)
	sameStream := r.htmlIndex >= 0 && (id == r.currentHTMLID || !ev.ID.valid())
	if !sameStream {
		if !ev.ID.valid() {
			id = r.newID()
		}
		r.htmlBuf.Reset()
		r.currentHTMLID = id
		r.logs = append(r.logs, LogEntry{
			ID:          id,
			Type:        TypeHTML,
			Content:     HTMLContent{},
			Step:        ev.Step,
			Timestamp:   timestamp,
			CurrentStep: step,
		})
		r.htmlIndex = len(r.logs) - 1
	}
	r.streaming = true
	r.htmlBuf.WriteString(decodeText(ev.Content))
	r.logs[r.htmlIndex].Content = HTMLContent{Text: r.htmlBuf.String()}
}

func (r *Reducer) applyCodes(ev Event, step int, timestamp string) *Page {
	codes := decodeCodes(ev.Content)
	var page *Page
	if r.htmlIndex >= 0 && codes.ResultID != "" {
		page = &Page{StreamID: r.currentHTMLID, ResultID: codes.ResultID, HTML: r.htmlBuf.String()}
	}
	r.streaming = false
	r.currentHTMLID = ""
	r.htmlIndex = -1
	r.appendEntry(ev, codes, step, timestamp)
	return page
}

func (r *Reducer) appendEntry(ev Event, content Content, step int, timestamp string) {
	id := string(ev.ID)
	if !ev.ID.valid() {
		id = r.newID()
	}
	r.logs = append(r.logs, LogEntry{
		ID:          id,
		Type:        ev.Type,
		Content:     content,
		Step:        ev.Step,
		Timestamp:   timestamp,
		CurrentStep: step,
	})
}

func (r *Reducer) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reducer) snapshotLocked() Snapshot {
	snapshot := Snapshot{
		Version:       r.version,
		Logs:          append([]LogEntry(nil), r.logs...),
		Streaming:     r.streaming,
		CurrentHTMLID: r.currentHTMLID,
	}
	if r.fatal != nil {
		fatal := *r.fatal
		snapshot.Fatal = &fatal
	}
	return snapshot
}

// Reset clears all state, used when a task is restarted in the same session.
func (r *Reducer) Reset() {
	r.mu.Lock()
	r.logs = nil
	r.htmlBuf.Reset()
	r.htmlIndex = -1
	r.currentHTMLID = ""
	r.streaming = false
	r.fatal = nil
	r.version++
	snapshot := r.snapshotLocked()
	observers := append([]Observer(nil), r.observers...)
	r.mu.Unlock()
	for _, observer := range observers {
		observer(snapshot)
	}
}
