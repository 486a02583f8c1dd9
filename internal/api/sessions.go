package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/websitelm/alternatively-gateway/internal/session"
)

type createSessionRequest struct {
	CustomerID    string `json:"customer_id"`
	AccessToken   string `json:"access_token"`
	FirstTimeUser bool   `json:"first_time_user"`
	URL           string `json:"url"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	req := createSessionRequest{}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	creds := s.credentials(r)
	if v := strings.TrimSpace(req.CustomerID); v != "" {
		creds.CustomerID = v
	}
	if v := strings.TrimSpace(req.AccessToken); v != "" {
		creds.AccessToken = v
	}
	if creds.AccessToken == "" {
		http.Error(w, "access token required", http.StatusUnauthorized)
		return
	}

	sess, err := s.sessions.Create(r.Context(), creds, req.FirstTimeUser)
	if err != nil {
		writeError(w, err)
		return
	}
	if url := strings.TrimSpace(req.URL); url != "" {
		if err := sess.Submit(r.Context(), url); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSONStatus(w, sess.Snapshot(), http.StatusCreated)
}

// credentials reads the bearer token and customer id headers, falling back to the
// gateway's service account.
func (s *Server) credentials(r *http.Request) session.Credentials {
	creds := session.Credentials{CustomerID: s.cfg.CustomerID, AccessToken: s.cfg.AccessToken}
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		creds.AccessToken = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if customer := strings.TrimSpace(r.Header.Get("X-Customer-Id")); customer != "" {
		creds.CustomerID = customer
	}
	return creds
}

// loadSession answers 404 both for unknown ids and for sessions owned by another customer.
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if owner := sess.Credentials().CustomerID; owner != "" && owner != s.callerCustomer(r) {
		s.logger.Warn("session requested by another customer", zap.String("session_id", sess.ID()))
		writeError(w, session.ErrNotFound)
		return nil, false
	}
	return sess, true
}

// ownsStored applies the same customer check as loadSession to a stored session without
// rehydrating it.
func (s *Server) ownsStored(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	record, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return false
	}
	if record != nil && record.CustomerID != "" && record.CustomerID != s.callerCustomer(r) {
		writeError(w, session.ErrNotFound)
		return false
	}
	return true
}

// callerCustomer also reads the customer_id query parameter, since EventSource and
// WebSocket clients in a browser cannot set headers.
func (s *Server) callerCustomer(r *http.Request) string {
	if customer := strings.TrimSpace(r.Header.Get("X-Customer-Id")); customer != "" {
		return customer
	}
	if customer := strings.TrimSpace(r.URL.Query().Get("customer_id")); customer != "" {
		return customer
	}
	return s.cfg.CustomerID
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, sess.Snapshot())
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Delete(r.Context(), sess.ID()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) addMessage(w http.ResponseWriter, r *http.Request) {
	var req addMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if err := sess.Submit(r.Context(), req.Content); err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, sess.Status(), http.StatusAccepted)
}

type selectCompetitorsRequest struct {
	Domains []string `json:"domains"`
}

func (s *Server) selectCompetitors(w http.ResponseWriter, r *http.Request) {
	var req selectCompetitorsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if err := sess.SelectCompetitors(r.Context(), req.Domains); err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, sess.Status(), http.StatusAccepted)
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if err := sess.Confirm(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, sess.Status(), http.StatusAccepted)
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if err := sess.Abort(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, sess.Status(), http.StatusAccepted)
}

type resumeRequest struct {
	WebsiteID string `json:"website_id"`
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	req := resumeRequest{}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	websiteID := strings.TrimSpace(req.WebsiteID)
	if websiteID == "" {
		websiteID = sess.Status().WebsiteID
	}
	if err := sess.Resume(r.Context(), websiteID); err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, sess.Status(), http.StatusAccepted)
}

func (s *Server) listJournal(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no session store configured", http.StatusServiceUnavailable)
		return
	}
	sessionID := chi.URLParam(r, "id")
	if !s.ownsStored(w, r, sessionID) {
		return
	}
	journal, err := s.store.ListEvents(r.Context(), sessionID, parseAfterSeq(sessionID, r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"events": journal})
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	creds := s.credentials(r)
	if creds.AccessToken == "" {
		http.Error(w, "access token required", http.StatusUnauthorized)
		return
	}
	websites, err := s.history(creds.AccessToken).WebsiteHistory(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"websites": websites})
}

// parseAfterSeq reads the journal cursor from ?after_seq or a "<session>:<seq>"
// Last-Event-ID header.
func parseAfterSeq(sessionID string, r *http.Request) int64 {
	afterParam := strings.TrimSpace(r.URL.Query().Get("after_seq"))
	if afterParam != "" {
		if parsed, err := strconv.ParseInt(afterParam, 10, 64); err == nil {
			return parsed
		}
	}
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		return 0
	}
	parts := strings.Split(lastEventID, ":")
	if len(parts) != 2 || parts[0] != sessionID {
		return 0
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
