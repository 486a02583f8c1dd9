// Package app builds the collaborators shared by the gateway, the batch worker and altctl
// from a loaded config.
package app

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/websitelm/alternatively-gateway/internal/artifacts"
	"github.com/websitelm/alternatively-gateway/internal/backend"
	"github.com/websitelm/alternatively-gateway/internal/config"
	"github.com/websitelm/alternatively-gateway/internal/events"
	"github.com/websitelm/alternatively-gateway/internal/secrets"
	"github.com/websitelm/alternatively-gateway/internal/session"
	"github.com/websitelm/alternatively-gateway/internal/sse"
	"github.com/websitelm/alternatively-gateway/internal/store"
	"github.com/websitelm/alternatively-gateway/internal/store/memory"
	"github.com/websitelm/alternatively-gateway/internal/store/postgres"
)

var openPostgres = func(conn string) (store.Store, func() error, error) {
	st, err := postgres.New(conn)
	if err != nil {
		return nil, nil, err
	}
	return st, st.Close, nil
}

// OpenStore returns the session store selected by STORE_DRIVER and its closer.
func OpenStore(cfg config.Config) (store.Store, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreDriver)) {
	case "memory":
		return memory.New(), func() error { return nil }, nil
	case "", "postgres":
		return openPostgres(cfg.PostgresURL)
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func OpenArtifacts(cfg config.ArtifactConfig) (artifacts.Store, error) {
	if !cfg.Enabled {
		return artifacts.NewMemoryStore(), nil
	}
	return artifacts.NewS3Store(cfg)
}

func NewBackend(cfg config.Config) *backend.Client {
	return backend.New(backend.Config{BaseURL: cfg.APIURL})
}

func SessionConfig(cfg config.Config) session.Config {
	return session.Config{
		PreviewBase:  cfg.PreviewURL,
		EventsURL:    cfg.EventsURL,
		DeepResearch: cfg.DeepResearch,
		SSE: sse.Config{
			BaseDelay:       cfg.SSE.BaseDelay,
			MaxDelay:        cfg.SSE.MaxDelay,
			MaxRetries:      cfg.SSE.MaxRetries,
			NoticeInterval:  cfg.SSE.NoticeInterval,
			ConnectTimeout:  cfg.SSE.ConnectTimeout,
			HeartbeatWindow: cfg.SSE.HeartbeatTimeout,
		},
	}
}

type Components struct {
	Store     store.Store
	Artifacts artifacts.Store
	Broker    *events.Broker
	Tokens    *secrets.Cipher
	Backend   *backend.Client
	Manager   *session.Manager
	closeFn   func() error
}

// Build opens the store and archive and assembles a session manager over them.
func Build(cfg config.Config, logger *zap.Logger) (*Components, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tokens, err := secrets.FromEnv(cfg.SessionSecretKey)
	if err != nil {
		return nil, err
	}
	st, closeFn, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	archive, err := OpenArtifacts(cfg.Artifact)
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	client := NewBackend(cfg)
	broker := events.NewBroker()
	deps := session.Deps{
		Backend:   session.BackendFactory(client),
		Store:     st,
		Artifacts: archive,
		Broker:    broker,
		Tokens:    tokens,
		Logger:    logger,
	}
	return &Components{
		Store:     st,
		Artifacts: archive,
		Broker:    broker,
		Tokens:    tokens,
		Backend:   client,
		Manager:   session.NewManager(deps, SessionConfig(cfg), cfg.SessionCacheSize, cfg.SessionIdleTTL),
		closeFn:   closeFn,
	}, nil
}

// Close shuts live sessions down before closing the store they persist to.
func (c *Components) Close() error {
	if c.Manager != nil {
		c.Manager.Close()
	}
	if c.closeFn == nil {
		return nil
	}
	return c.closeFn()
}

// ServiceAccount is the credential pair used when no user token is supplied.
func ServiceAccount(cfg config.Config) session.Credentials {
	return session.Credentials{CustomerID: cfg.CustomerID, AccessToken: cfg.AccessToken}
}
