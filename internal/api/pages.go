package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/websitelm/alternatively-gateway/internal/store"
)

type listPagesResponse struct {
	Pages      []store.Page `json:"pages"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
	Total      int          `json:"total"`
	TotalPages int          `json:"total_pages"`
}

func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no session store configured", http.StatusServiceUnavailable)
		return
	}
	sessionID := chi.URLParam(r, "id")
	if !s.ownsStored(w, r, sessionID) {
		return
	}
	pages, err := s.store.ListPages(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	queryText := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("query")))
	websiteFilter := strings.TrimSpace(r.URL.Query().Get("website_id"))
	page := parsePositiveInt(r.URL.Query().Get("page"), 1)
	pageSize := parsePositiveInt(r.URL.Query().Get("page_size"), 50)
	if pageSize > 200 {
		pageSize = 200
	}

	filtered := make([]store.Page, 0, len(pages))
	for _, p := range pages {
		if websiteFilter != "" && p.WebsiteID != websiteFilter {
			continue
		}
		if queryText != "" && !pageMatchesQuery(p, queryText) {
			continue
		}
		filtered = append(filtered, p)
	}

	total := len(filtered)
	start, end := pageBounds(total, page, pageSize)
	writeJSON(w, listPagesResponse{
		Pages:      filtered[start:end],
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages(total, pageSize),
	})
}

func pageMatchesQuery(p store.Page, queryText string) bool {
	return strings.Contains(strings.ToLower(p.Title), queryText) ||
		strings.Contains(strings.ToLower(p.ResultID), queryText) ||
		strings.Contains(strings.ToLower(p.URI), queryText)
}

func (s *Server) getPage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	content, err := sess.Page(r.Context(), chi.URLParam(r, "resultID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(content)
}

func pageBounds(total, page, pageSize int) (int, int) {
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return start, end
}

func parsePositiveInt(raw string, fallback int) int {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func totalPages(total int, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}
