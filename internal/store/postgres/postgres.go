package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/websitelm/alternatively-gateway/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	db *sql.DB
}

var openDB = sql.Open

var requiredTables = []string{
	"sessions",
	"messages",
	"stream_events",
	"stream_event_sequences",
	"pages",
	"batches",
}

func New(conn string) (*PostgresStore, error) {
	db, err := open(conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate creates any missing tables. It is safe to run repeatedly.
func Migrate(ctx context.Context, conn string) error {
	db, err := open(conn)
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func open(conn string) (*sql.DB, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	for _, table := range requiredTables {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return err
		}
		if !regclass.Valid {
			return fmt.Errorf("database schema missing: %s table not found (run altctl migrate)", table)
		}
	}
	return nil
}

const sessionColumns = `id, customer_id, access_token, website_id, url, state, phase, first_time_user, created_at, updated_at`

func (p *PostgresStore) CreateSession(ctx context.Context, session store.Session) error {
	state := strings.TrimSpace(session.State)
	if state == "" {
		state = "idle"
	}
	const query = `
		INSERT INTO sessions (id, customer_id, access_token, website_id, url, state, phase, first_time_user, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	createdAt := parseTimestampValue(session.CreatedAt)
	updatedAt := createdAt
	if session.UpdatedAt != "" {
		updatedAt = parseTimestampValue(session.UpdatedAt)
	}
	_, err := p.db.ExecContext(
		ctx,
		query,
		session.ID,
		nullString(session.CustomerID),
		nullString(session.AccessToken),
		nullString(session.WebsiteID),
		nullString(session.URL),
		state,
		session.Phase,
		session.FirstTimeUser,
		createdAt,
		updatedAt,
	)
	return err
}

func (p *PostgresStore) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	row := p.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = $1", sessionID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (p *PostgresStore) UpdateSession(ctx context.Context, session store.Session) error {
	const query = `
		UPDATE sessions
		SET customer_id = $2,
			access_token = $3,
			website_id = $4,
			url = $5,
			state = $6,
			phase = $7,
			first_time_user = $8,
			updated_at = now()
		WHERE id = $1
	`
	result, err := p.db.ExecContext(
		ctx,
		query,
		session.ID,
		nullString(session.CustomerID),
		nullString(session.AccessToken),
		nullString(session.WebsiteID),
		nullString(session.URL),
		session.State,
		session.Phase,
		session.FirstTimeUser,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, "DELETE FROM stream_event_sequences WHERE session_id = $1", sessionID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = $1", sessionID); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) ListSessions(ctx context.Context) ([]store.Session, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT "+sessionColumns+" FROM sessions ORDER BY updated_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (store.Session, error) {
	var session store.Session
	var customerID, accessToken, websiteID, url sql.NullString
	var createdAt, updatedAt time.Time
	if err := row.Scan(
		&session.ID,
		&customerID,
		&accessToken,
		&websiteID,
		&url,
		&session.State,
		&session.Phase,
		&session.FirstTimeUser,
		&createdAt,
		&updatedAt,
	); err != nil {
		return store.Session{}, err
	}
	session.CustomerID = customerID.String
	session.AccessToken = accessToken.String
	session.WebsiteID = websiteID.String
	session.URL = url.String
	session.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	session.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	return session, nil
}

// ReplaceMessages swaps the stored transcript for messages in one transaction.
func (p *PostgresStore) ReplaceMessages(ctx context.Context, sessionID string, messages []store.Message) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = $1", sessionID); err != nil {
		return err
	}
	const insert = `
		INSERT INTO messages (id, session_id, source, content, sequence, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for i, msg := range messages {
		metadata := msg.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		var encoded []byte
		encoded, err = json.Marshal(metadata)
		if err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, insert, msg.ID, sessionID, msg.Source, msg.Content, int64(i+1), parseTimestampValue(msg.CreatedAt), encoded); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) ListMessages(ctx context.Context, sessionID string) ([]store.Message, error) {
	const query = `
		SELECT id, session_id, source, content, sequence, created_at, metadata
		FROM messages
		WHERE session_id = $1
		ORDER BY sequence ASC
	`
	rows, err := p.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Message{}
	for rows.Next() {
		var createdAt time.Time
		var metadataBytes []byte
		var msg store.Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Source, &msg.Content, &msg.Sequence, &createdAt, &metadataBytes); err != nil {
			return nil, err
		}
		msg.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		metadata, err := decodeJSONMap(metadataBytes)
		if err != nil {
			return nil, err
		}
		msg.Metadata = metadata
		results = append(results, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) NextSeq(ctx context.Context, sessionID string) (int64, error) {
	const query = `
		INSERT INTO stream_event_sequences (session_id, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (session_id)
		DO UPDATE SET last_seq = stream_event_sequences.last_seq + 1
		RETURNING last_seq
	`
	var seq int64
	if err := p.db.QueryRowContext(ctx, query, sessionID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, event store.Event) error {
	payload := []byte(event.Payload)
	if len(payload) == 0 || !json.Valid(payload) {
		wrapped, err := json.Marshal(map[string]string{"raw": string(event.Payload)})
		if err != nil {
			return err
		}
		payload = wrapped
	}
	timestamp := time.Now().UTC()
	if event.Timestamp != "" {
		timestamp = parseTimestampValue(event.Timestamp)
	}
	const query = `
		INSERT INTO stream_events (session_id, seq, website_id, type, timestamp, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := p.db.ExecContext(ctx, query, event.SessionID, event.Seq, nullString(event.WebsiteID), event.Type, timestamp, payload)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]store.Event, error) {
	const query = `
		SELECT session_id, seq, website_id, type, timestamp, payload
		FROM stream_events
		WHERE session_id = $1 AND seq > $2
		ORDER BY seq ASC
	`
	rows, err := p.db.QueryContext(ctx, query, sessionID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Event{}
	for rows.Next() {
		var websiteID sql.NullString
		var timestamp time.Time
		var payload []byte
		var event store.Event
		if err := rows.Scan(&event.SessionID, &event.Seq, &websiteID, &event.Type, &timestamp, &payload); err != nil {
			return nil, err
		}
		event.WebsiteID = websiteID.String
		event.Timestamp = timestamp.UTC().Format(time.RFC3339Nano)
		event.Payload = json.RawMessage(payload)
		results = append(results, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) UpsertPage(ctx context.Context, page store.Page) error {
	contentType := strings.TrimSpace(page.ContentType)
	if contentType == "" {
		contentType = "text/html"
	}
	createdAt := time.Now().UTC()
	if page.CreatedAt != "" {
		createdAt = parseTimestampValue(page.CreatedAt)
	}
	const query = `
		INSERT INTO pages (session_id, result_id, website_id, title, uri, content_type, size_bytes, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, result_id)
		DO UPDATE SET
			website_id = EXCLUDED.website_id,
			title = EXCLUDED.title,
			uri = EXCLUDED.uri,
			content_type = EXCLUDED.content_type,
			size_bytes = EXCLUDED.size_bytes,
			checksum = EXCLUDED.checksum
	`
	_, err := p.db.ExecContext(
		ctx,
		query,
		page.SessionID,
		page.ResultID,
		nullString(page.WebsiteID),
		nullString(page.Title),
		page.URI,
		contentType,
		page.SizeBytes,
		nullString(page.Checksum),
		createdAt,
	)
	return err
}

func (p *PostgresStore) ListPages(ctx context.Context, sessionID string) ([]store.Page, error) {
	const query = `
		SELECT session_id, result_id, website_id, title, uri, content_type, size_bytes, checksum, created_at
		FROM pages
		WHERE session_id = $1
		ORDER BY created_at ASC, result_id ASC
	`
	rows, err := p.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Page{}
	for rows.Next() {
		var websiteID, title, checksum sql.NullString
		var createdAt time.Time
		var page store.Page
		if err := rows.Scan(&page.SessionID, &page.ResultID, &websiteID, &title, &page.URI, &page.ContentType, &page.SizeBytes, &checksum, &createdAt); err != nil {
			return nil, err
		}
		page.WebsiteID = websiteID.String
		page.Title = title.String
		page.Checksum = checksum.String
		page.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		results = append(results, page)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) UpsertBatch(ctx context.Context, batch store.Batch) error {
	urls := batch.URLs
	if urls == nil {
		urls = []string{}
	}
	encoded, err := json.Marshal(urls)
	if err != nil {
		return err
	}
	createdAt := time.Now().UTC()
	if batch.CreatedAt != "" {
		createdAt = parseTimestampValue(batch.CreatedAt)
	}
	const query = `
		INSERT INTO batches (id, urls, status, completed, failed, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id)
		DO UPDATE SET
			urls = EXCLUDED.urls,
			status = EXCLUDED.status,
			completed = EXCLUDED.completed,
			failed = EXCLUDED.failed,
			error = EXCLUDED.error,
			updated_at = now()
	`
	_, err = p.db.ExecContext(ctx, query, batch.ID, encoded, string(batch.Status), batch.Completed, batch.Failed, nullString(batch.Error), createdAt)
	return err
}

const batchColumns = `id, urls, status, completed, failed, error, created_at, updated_at`

func (p *PostgresStore) GetBatch(ctx context.Context, batchID string) (*store.Batch, error) {
	row := p.db.QueryRowContext(ctx, "SELECT "+batchColumns+" FROM batches WHERE id = $1", batchID)
	batch, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (p *PostgresStore) ListBatches(ctx context.Context) ([]store.Batch, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT "+batchColumns+" FROM batches ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Batch{}
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func scanBatch(row rowScanner) (store.Batch, error) {
	var batch store.Batch
	var urls []byte
	var status string
	var errText sql.NullString
	var createdAt, updatedAt time.Time
	if err := row.Scan(&batch.ID, &urls, &status, &batch.Completed, &batch.Failed, &errText, &createdAt, &updatedAt); err != nil {
		return store.Batch{}, err
	}
	batch.URLs = decodeStringSlice(urls)
	batch.Status = store.BatchStatus(status)
	batch.Error = errText.String
	batch.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	batch.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	return batch, nil
}

func parseTimestampValue(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return time.Now().UTC()
	}
	return parsed.UTC()
}

func nullString(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}

func decodeStringSlice(raw []byte) []string {
	if len(raw) == 0 {
		return []string{}
	}
	values := []string{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return []string{}
	}
	return values
}

func decodeJSONMap(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
