package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/websitelm/alternatively-gateway/internal/api"
	"github.com/websitelm/alternatively-gateway/internal/app"
	"github.com/websitelm/alternatively-gateway/internal/config"
	"github.com/websitelm/alternatively-gateway/internal/logging"
	"github.com/websitelm/alternatively-gateway/internal/workflows"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

type pruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

var (
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	newLogger          = logging.New
	buildComponents    = app.Build
	dialTemporal       = client.Dial
	newWorkflowService = workflows.NewService
	newServer          = func(components *app.Components, batches api.BatchService, cfg config.Config, logger *zap.Logger) server {
		opts := []api.Option{
			api.WithLogger(logger),
			api.WithHistory(func(token string) api.History { return components.Backend.WithToken(token) }),
		}
		if batches != nil {
			opts = append(opts, api.WithBatches(batches))
		}
		return api.NewServer(components.Manager, components.Store, components.Broker, cfg, opts...)
	}
	notifyContext   = signal.NotifyContext
	janitorInterval = time.Hour
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	components, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := components.Close(); err != nil {
			logger.Warn("close components", zap.Error(err))
		}
	}()

	var batches api.BatchService
	if cfg.TemporalAddress != "" {
		workflowClient, err := dialTemporal(client.Options{HostPort: cfg.TemporalAddress})
		if err != nil {
			return err
		}
		if workflowClient != nil {
			defer workflowClient.Close()
		}
		batches = newWorkflowService(workflowClient, cfg.TemporalTaskQueue)
	}

	srv := newServer(components, batches, cfg, logger)
	addr := fmt.Sprintf(":%s", cfg.GatewayPort)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		logger.Info("gateway listening", zap.String("addr", addr))
		if err := srv.Start(groupCtx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		runJanitor(groupCtx, components.Manager, cfg.SessionRetention, logger)
		return nil
	})
	return group.Wait()
}

// runJanitor prunes stored sessions idle for longer than retention until ctx ends.
func runJanitor(ctx context.Context, sessions pruner, retention time.Duration, logger *zap.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := sessions.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("prune sessions", zap.Error(err))
				continue
			}
			if pruned > 0 {
				logger.Info("pruned idle sessions", zap.Int("count", pruned))
			}
		}
	}
}
