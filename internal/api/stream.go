package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/websitelm/alternatively-gateway/internal/events"
	"github.com/websitelm/alternatively-gateway/internal/session"
)

const (
	heartbeatInterval = 15 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 25 * time.Second
	wsWriteWait       = 10 * time.Second
	wsMaxMessageBytes = 64 << 10
)

// streamEvents relays session updates as server-sent events. The first event is a full
// snapshot; the stream ends when the session closes.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	updates := s.broker.Subscribe(ctx, sess.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	snapshot, _ := json.Marshal(sess.Snapshot())
	sendSSE(w, events.Update{SessionID: sess.ID(), Kind: "snapshot", Payload: snapshot})
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			sendSSE(w, update)
			flusher.Flush()
			if update.Kind == events.KindClosed {
				return
			}
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, update events.Update) {
	payload, _ := json.Marshal(update)
	if update.Seq > 0 {
		fmt.Fprintf(w, "id: %s:%d\n", update.SessionID, update.Seq)
	}
	fmt.Fprintf(w, "event: %s\n", update.Kind)
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

type wsFrame struct {
	Kind    string `json:"kind"`
	Seq     int64  `json:"seq,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type wsCommand struct {
	Action    string   `json:"action"`
	Content   string   `json:"content,omitempty"`
	Domains   []string `json:"domains,omitempty"`
	WebsiteID string   `json:"website_id,omitempty"`
}

// streamWebSocket relays the same updates as streamEvents and also accepts commands, so a
// front-end can drive a session over one connection.
func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("session_id", sess.ID()), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	updates := s.broker.Subscribe(ctx, sess.ID())
	replies := make(chan wsFrame, 8)
	go s.readCommands(ctx, cancel, conn, sess, replies)

	if err := writeFrame(conn, wsFrame{Kind: "snapshot", Payload: sess.Snapshot()}); err != nil {
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := writeFrame(conn, wsFrame{Kind: string(update.Kind), Seq: update.Seq, Payload: update.Payload}); err != nil {
				return
			}
			if update.Kind == events.KindClosed {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(wsWriteWait))
				return
			}
		case reply := <-replies:
			if err := writeFrame(conn, reply); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, frame wsFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(frame)
}

// readCommands is the connection's only reader. It cancels ctx when the peer goes away.
func (s *Server) readCommands(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *session.Session, replies chan<- wsFrame) {
	defer cancel()
	conn.SetReadLimit(wsMaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		reply := wsFrame{Kind: "ack", Payload: map[string]string{"action": cmd.Action}}
		if err := dispatch(ctx, sess, cmd); err != nil {
			reply = wsFrame{Kind: "error", Payload: errorResponse{Error: err.Error()}}
		}
		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func dispatch(ctx context.Context, sess *session.Session, cmd wsCommand) error {
	switch strings.ToLower(strings.TrimSpace(cmd.Action)) {
	case "message":
		return sess.Submit(ctx, cmd.Content)
	case "competitors":
		return sess.SelectCompetitors(ctx, cmd.Domains)
	case "confirm":
		return sess.Confirm(ctx)
	case "abort":
		return sess.Abort(ctx)
	case "resume":
		websiteID := cmd.WebsiteID
		if websiteID == "" {
			websiteID = sess.Status().WebsiteID
		}
		return sess.Resume(ctx, websiteID)
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}
