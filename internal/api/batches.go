package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/websitelm/alternatively-gateway/internal/store"
	"github.com/websitelm/alternatively-gateway/internal/tagfilter"
)

const maxBatchURLs = 50

type createBatchRequest struct {
	URLs []string `json:"urls"`
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil || s.store == nil {
		http.Error(w, "batch generation unavailable", http.StatusServiceUnavailable)
		return
	}
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	urls := make([]string, 0, len(req.URLs))
	seen := map[string]struct{}{}
	for _, raw := range req.URLs {
		url := tagfilter.FirstURL(strings.TrimSpace(raw))
		if url == "" {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		urls = append(urls, url)
	}
	if len(urls) == 0 {
		http.Error(w, "at least one product url required", http.StatusBadRequest)
		return
	}
	if len(urls) > maxBatchURLs {
		http.Error(w, "too many urls", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	batch := store.Batch{
		ID:        uuid.New().String(),
		URLs:      urls,
		Status:    store.BatchPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.UpsertBatch(r.Context(), batch); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.batches.StartBatch(r.Context(), batch.ID, urls); err != nil {
		s.logger.Warn("start batch failed", zap.String("batch_id", batch.ID), zap.Error(err))
		batch.Status = store.BatchFailed
		batch.Error = err.Error()
		_ = s.store.UpsertBatch(r.Context(), batch)
		http.Error(w, "start batch: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSONStatus(w, batch, http.StatusAccepted)
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no session store configured", http.StatusServiceUnavailable)
		return
	}
	batches, err := s.store.ListBatches(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"batches": batches})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no session store configured", http.StatusServiceUnavailable)
		return
	}
	batch, err := s.store.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if batch == nil {
		http.Error(w, "batch not found", http.StatusNotFound)
		return
	}
	writeJSON(w, batch)
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil || s.store == nil {
		http.Error(w, "batch generation unavailable", http.StatusServiceUnavailable)
		return
	}
	batchID := chi.URLParam(r, "id")
	batch, err := s.store.GetBatch(r.Context(), batchID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if batch == nil {
		http.Error(w, "batch not found", http.StatusNotFound)
		return
	}
	switch batch.Status {
	case store.BatchCompleted, store.BatchFailed, store.BatchCancelled:
		http.Error(w, "batch already "+string(batch.Status), http.StatusConflict)
		return
	}
	if err := s.batches.CancelBatch(r.Context(), batchID); err != nil {
		http.Error(w, "cancel batch: "+err.Error(), http.StatusBadGateway)
		return
	}
	batch.Status = store.BatchCancelled
	batch.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.store.UpsertBatch(r.Context(), *batch); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
