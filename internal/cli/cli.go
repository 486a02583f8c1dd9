// Package cli implements altctl, the terminal client for the generation backend.
package cli

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/websitelm/alternatively-gateway/internal/app"
	"github.com/websitelm/alternatively-gateway/internal/backend"
	"github.com/websitelm/alternatively-gateway/internal/config"
	"github.com/websitelm/alternatively-gateway/internal/logging"
	"github.com/websitelm/alternatively-gateway/internal/store/postgres"
)

// CLI holds the root command and the collaborators its subcommands build on.
type CLI struct {
	version    string
	verbose    bool
	customerID string
	token      string
	rootCmd    *cobra.Command

	loadConfig func() config.Config
	build      func(cfg config.Config, logger *zap.Logger) (*app.Components, error)
	history    func(cfg config.Config, token string) historyClient
	migrate    func(ctx context.Context, conn string) error
}

type historyClient interface {
	WebsiteHistory(ctx context.Context) ([]backend.Website, error)
}

func New(version string) *CLI {
	c := &CLI{
		version:    version,
		loadConfig: config.Load,
		build:      app.Build,
		history: func(cfg config.Config, token string) historyClient {
			return app.NewBackend(cfg).WithToken(token)
		},
		migrate: postgres.Migrate,
	}
	c.setupCommands()
	return c
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:           "altctl",
		Short:         "Generate competitor alternative pages from the terminal",
		Version:       c.version,
		SilenceUsage:  true,
		SilenceErrors: false,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	flags := c.rootCmd.PersistentFlags()
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "Log debug output to stderr")
	flags.StringVar(&c.customerID, "customer-id", "", "Customer id (defaults to ALTERNATIVELY_CUSTOMER_ID)")
	flags.StringVar(&c.token, "token", "", "Access token (defaults to ALTERNATIVELY_ACCESS_TOKEN)")

	c.rootCmd.AddCommand(c.newRunCommand())
	c.rootCmd.AddCommand(c.newHistoryCommand())
	c.rootCmd.AddCommand(c.newMigrateCommand())
}

func (c *CLI) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) logger() *zap.Logger {
	level := "warn"
	if c.verbose {
		level = "debug"
	}
	logger, err := logging.New(level)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func (c *CLI) config() config.Config {
	cfg := c.loadConfig()
	if c.customerID != "" {
		cfg.CustomerID = c.customerID
	}
	if c.token != "" {
		cfg.AccessToken = c.token
	}
	return cfg
}
