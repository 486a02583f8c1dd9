package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/websitelm/alternatively-gateway/internal/backend"
	"github.com/websitelm/alternatively-gateway/internal/config"
	"github.com/websitelm/alternatively-gateway/internal/events"
	"github.com/websitelm/alternatively-gateway/internal/orchestrator"
	"github.com/websitelm/alternatively-gateway/internal/session"
	"github.com/websitelm/alternatively-gateway/internal/store"
)

type Server struct {
	sessions Sessions
	store    store.Store
	broker   Broker
	batches  BatchService
	history  func(token string) History
	cfg      config.Config
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

type Sessions interface {
	Create(ctx context.Context, creds session.Credentials, firstTimeUser bool) (*session.Session, error)
	Get(ctx context.Context, id string) (*session.Session, error)
	Delete(ctx context.Context, id string) error
}

type Broker interface {
	Subscribe(ctx context.Context, sessionID string) <-chan events.Update
}

type BatchService interface {
	StartBatch(ctx context.Context, batchID string, urls []string) error
	CancelBatch(ctx context.Context, batchID string) error
}

type History interface {
	WebsiteHistory(ctx context.Context) ([]backend.Website, error)
}

type Option func(*Server)

func WithBatches(batches BatchService) Option {
	return func(s *Server) { s.batches = batches }
}

// WithHistory sets the factory for per-token website history clients.
func WithHistory(history func(token string) History) Option {
	return func(s *Server) { s.history = history }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func NewServer(sessions Sessions, store store.Store, broker Broker, cfg config.Config, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		store:    store,
		broker:   broker,
		cfg:      cfg,
		logger:   zap.NewNop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(quietRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Post("/sessions", s.createSession)
	r.Get("/sessions/{id}", s.getSession)
	r.Delete("/sessions/{id}", s.deleteSession)
	r.Post("/sessions/{id}/messages", s.addMessage)
	r.Post("/sessions/{id}/competitors", s.selectCompetitors)
	r.Post("/sessions/{id}/confirm", s.confirm)
	r.Post("/sessions/{id}/abort", s.abort)
	r.Post("/sessions/{id}/resume", s.resume)
	r.Get("/sessions/{id}/events", s.streamEvents)
	r.Get("/sessions/{id}/ws", s.streamWebSocket)
	r.Get("/sessions/{id}/journal", s.listJournal)
	r.Get("/sessions/{id}/pages", s.listPages)
	r.Get("/sessions/{id}/pages/{resultID}", s.getPage)
	r.Get("/history", s.listHistory)
	r.Post("/batches", s.createBatch)
	r.Get("/batches", s.listBatches)
	r.Get("/batches/{id}", s.getBatch)
	r.Post("/batches/{id}/cancel", s.cancelBatch)
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)

	return r
}

func quietRequestLogger(next http.Handler) http.Handler {
	logged := middleware.Logger(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}

func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if method == http.MethodGet && (strings.HasSuffix(cleanPath, "/events") || strings.HasSuffix(cleanPath, "/ws")) {
		return true
	}
	if method == http.MethodGet && (cleanPath == "/health" || cleanPath == "/ready") {
		return true
	}
	if method == http.MethodOptions && strings.HasSuffix(cleanPath, "/messages") {
		return true
	}
	return false
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	if s.store == nil {
		subsystems["store"] = subsystemStatus{Status: "skipped"}
	} else if _, err := s.store.ListBatches(ctx); err != nil {
		subsystems["store"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["store"] = subsystemStatus{Status: "ok"}
	}

	if s.batches == nil {
		subsystems["batches"] = subsystemStatus{Status: "skipped"}
	} else {
		subsystems["batches"] = subsystemStatus{Status: "ok"}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

func writeJSON(w http.ResponseWriter, value any) {
	writeJSONStatus(w, value, http.StatusOK)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrPageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrEmptyInput), errors.Is(err, orchestrator.ErrNoValidDomains):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNoTask), errors.Is(err, orchestrator.ErrNothingToConfirm),
		errors.Is(err, backend.ErrTaskRunning):
		status = http.StatusConflict
	case errors.Is(err, backend.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, backend.ErrTransient), errors.As(err, &apiErr):
		status = http.StatusBadGateway
	}
	writeJSONStatus(w, errorResponse{Error: err.Error()}, status)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID, X-Customer-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	return server.ListenAndServe()
}
