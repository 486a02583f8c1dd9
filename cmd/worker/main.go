package main

import (
	"errors"
	"log"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/websitelm/alternatively-gateway/internal/app"
	"github.com/websitelm/alternatively-gateway/internal/config"
	"github.com/websitelm/alternatively-gateway/internal/logging"
	"github.com/websitelm/alternatively-gateway/internal/session"
	"github.com/websitelm/alternatively-gateway/internal/store"
	"github.com/websitelm/alternatively-gateway/internal/workflows"
)

var errMissingServiceToken = errors.New("ALTERNATIVELY_ACCESS_TOKEN is required for batch generation")

var (
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	newLogger       = logging.New
	dialTemporal    = client.Dial
	buildComponents = app.Build
	newActivities   = func(sessions workflows.SessionStarter, st store.Store, creds session.Credentials, logger *zap.Logger) *workflows.BatchActivities {
		return workflows.NewBatchActivities(sessions, st, creds, logger)
	}
	newWorker       = worker.New
	workerInterrupt = worker.InterruptCh
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
	creds := app.ServiceAccount(cfg)
	if creds.AccessToken == "" {
		return errMissingServiceToken
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	temporalClient, err := dialTemporal(client.Options{
		HostPort: cfg.TemporalAddress,
	})
	if err != nil {
		return err
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	components, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := components.Close(); err != nil {
			logger.Warn("close components", zap.Error(err))
		}
	}()

	activities := newActivities(components.Manager, components.Store, creds, logger)

	w := newWorker(temporalClient, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.BatchWorkflow)
	w.RegisterActivity(activities)

	logger.Info("batch worker started", zap.String("task_queue", cfg.TemporalTaskQueue))
	if err := w.Run(workerInterrupt()); err != nil {
		return err
	}

	return nil
}
