package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	CodeOK          = 200
	CodeTransient   = 1058
	CodeTaskRunning = 1075
)

var (
	ErrTaskRunning  = errors.New("a generation task is already running")
	ErrTransient    = errors.New("temporary network error, please retry")
	ErrUnauthorized = errors.New("backend rejected the access token")
)

// APIError is a non-success envelope code other than the known sentinels.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned code %d", e.Code)
	}
	return fmt.Sprintf("backend returned code %d: %s", e.Code, e.Message)
}

type Config struct {
	BaseURL string
	Token   func() string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	token   func() string
	client  *http.Client
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
	}
}

// WithToken returns a copy of the client that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = func() string { return token }
	return &clone
}

type SearchRequest struct {
	Website      string `json:"website"`
	WebsiteID    string `json:"websiteId,omitempty"`
	DeepResearch bool   `json:"deepResearch"`
}

type SearchResult struct {
	WebsiteID string `json:"websiteId"`
}

type ChatReply struct {
	Answer    string `json:"answer"`
	WebsiteID string `json:"websiteId,omitempty"`
}

type TaskStatus struct {
	WebsiteID string   `json:"websiteId"`
	Status    string   `json:"status"`
	Domains   []string `json:"domains,omitempty"`
}

// Running reports whether the backend is still producing events for the task.
func (s TaskStatus) Running() bool {
	switch strings.ToLower(s.Status) {
	case "processing", "running", "init", "pending":
		return true
	}
	return false
}

type Website struct {
	WebsiteID string `json:"websiteId"`
	Website   string `json:"website"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type ChatRecord struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Answer    string `json:"answer,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	var out SearchResult
	if err := c.do(ctx, http.MethodPost, "/alternatively/search", req, &out); err != nil {
		return SearchResult{}, fmt.Errorf("search: %w", err)
	}
	if out.WebsiteID == "" {
		return SearchResult{}, errors.New("search: response missing websiteId")
	}
	return out, nil
}

func (c *Client) Generate(ctx context.Context, websiteID string, domains []string) error {
	payload := map[string]any{"websiteId": websiteID, "domains": domains}
	if err := c.do(ctx, http.MethodPost, "/alternatively/generate", payload, nil); err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	return nil
}

func (c *Client) Chat(ctx context.Context, websiteID, message string) (ChatReply, error) {
	payload := map[string]any{"message": message, "websiteId": websiteID}
	var out ChatReply
	if err := c.do(ctx, http.MethodPost, "/alternatively/chat", payload, &out); err != nil {
		return ChatReply{}, fmt.Errorf("chat: %w", err)
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context, websiteID string) (TaskStatus, error) {
	var out TaskStatus
	path := "/alternatively/" + url.PathEscape(websiteID) + "/status"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return TaskStatus{}, fmt.Errorf("status: %w", err)
	}
	if out.WebsiteID == "" {
		out.WebsiteID = websiteID
	}
	return out, nil
}

func (c *Client) WebsiteHistory(ctx context.Context) ([]Website, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/alternatively/website/history", nil, &raw); err != nil {
		return nil, fmt.Errorf("website history: %w", err)
	}
	var out []Website
	if err := decodeList(raw, &out); err != nil {
		return nil, fmt.Errorf("website history: %w", err)
	}
	return out, nil
}

func (c *Client) ChatHistory(ctx context.Context, websiteID string) ([]ChatRecord, error) {
	var raw json.RawMessage
	path := "/alternatively/chat/history?websiteId=" + url.QueryEscape(websiteID)
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("chat history: %w", err)
	}
	var out []ChatRecord
	if err := decodeList(raw, &out); err != nil {
		return nil, fmt.Errorf("chat history: %w", err)
	}
	return out, nil
}

func (c *Client) Delete(ctx context.Context, websiteID string) error {
	if err := c.do(ctx, http.MethodDelete, "/alternatively/"+url.PathEscape(websiteID), nil, nil); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if token := strings.TrimSpace(c.token()); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s", ErrTransient, resp.Status)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed: %s", resp.Status)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	switch env.Code {
	case CodeOK, 0:
	case CodeTaskRunning:
		return ErrTaskRunning
	case CodeTransient:
		return ErrTransient
	default:
		return &APIError{Code: env.Code, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], env.Data...)
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// decodeList accepts either a bare array or an object wrapping it under list/records/items.
func decodeList[T any](raw json.RawMessage, out *[]T) error {
	*out = []T{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	if trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return err
	}
	for _, key := range []string{"list", "records", "items", "data"} {
		if inner, ok := wrapped[key]; ok {
			return decodeList(inner, out)
		}
	}
	return nil
}
