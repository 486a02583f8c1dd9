package sse

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Frame is one parsed text/event-stream message. Comment frames are keep-alives.
type Frame struct {
	ID      string
	Event   string
	Data    []byte
	Comment bool
}

// Conn is one open event stream. Close unblocks a pending Recv.
type Conn interface {
	Recv() (Frame, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, taskID string) (Conn, error)
}

// HTTPDialer opens GET {BaseURL}/events/{customerId}-{taskId}-chat with bearer auth.
type HTTPDialer struct {
	Client     *http.Client
	BaseURL    string
	CustomerID string
	Token      func() string
}

func (d *HTTPDialer) URL(taskID string) string {
	base := strings.TrimRight(d.BaseURL, "/")
	return fmt.Sprintf("%s/events/%s-%s-chat", base, url.PathEscape(d.CustomerID), url.PathEscape(taskID))
}

func (d *HTTPDialer) Dial(ctx context.Context, taskID string) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL(taskID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if d.Token != nil {
		if token := strings.TrimSpace(d.Token()); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("event stream status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}
	return &httpConn{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

type httpConn struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

func (c *httpConn) Close() error {
	return c.body.Close()
}

func (c *httpConn) Recv() (Frame, error) {
	return readFrame(c.reader)
}

func readFrame(r *bufio.Reader) (Frame, error) {
	var (
		frame   Frame
		data    bytes.Buffer
		hasData bool
	)
	for {
		line, err := r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData || frame.Event != "" {
				frame.Data = data.Bytes()
				return frame, nil
			}
			if err == io.EOF {
				return Frame{}, io.EOF
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			return Frame{Comment: true, Data: []byte(strings.TrimSpace(line[1:]))}, nil
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			frame.Event = value
		case "id":
			frame.ID = value
		}
		if err == io.EOF {
			if hasData {
				frame.Data = data.Bytes()
				return frame, nil
			}
			return Frame{}, io.EOF
		}
	}
}
