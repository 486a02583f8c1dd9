package store

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrNotFound = errors.New("not found")

// Session is the persisted part of a gateway session: credentials plus enough task state
// to resume after a reload.
type Session struct {
	ID            string
	CustomerID    string
	AccessToken   string
	WebsiteID     string
	URL           string
	State         string
	Phase         int
	FirstTimeUser bool
	CreatedAt     string
	UpdatedAt     string
}

type Message struct {
	ID        string
	SessionID string
	Source    string
	Content   string
	Sequence  int64
	CreatedAt string
	Metadata  map[string]any
}

// Event is one raw frame received from the backend event stream.
type Event struct {
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	WebsiteID string          `json:"website_id,omitempty"`
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Page indexes an archived generated page.
type Page struct {
	SessionID   string `json:"session_id"`
	ResultID    string `json:"result_id"`
	WebsiteID   string `json:"website_id,omitempty"`
	Title       string `json:"title,omitempty"`
	URI         string `json:"uri"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Checksum    string `json:"checksum"`
	CreatedAt   string `json:"created_at"`
}

type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

type Batch struct {
	ID        string      `json:"id"`
	URLs      []string    `json:"urls"`
	Status    BatchStatus `json:"status"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Error     string      `json:"error,omitempty"`
	CreatedAt string      `json:"created_at"`
	UpdatedAt string      `json:"updated_at"`
}

// Store persists sessions and their transcripts. Lookups of missing rows return nil, nil;
// updates of missing rows return ErrNotFound.
type Store interface {
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	UpdateSession(ctx context.Context, session Session) error
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) ([]Session, error)
	ReplaceMessages(ctx context.Context, sessionID string, messages []Message) error
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	NextSeq(ctx context.Context, sessionID string) (int64, error)
	AppendEvent(ctx context.Context, event Event) error
	ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]Event, error)
	UpsertPage(ctx context.Context, page Page) error
	ListPages(ctx context.Context, sessionID string) ([]Page, error)
	UpsertBatch(ctx context.Context, batch Batch) error
	GetBatch(ctx context.Context, batchID string) (*Batch, error)
	ListBatches(ctx context.Context) ([]Batch, error)
}
