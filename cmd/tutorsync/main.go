package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/conorfennell/tutorsync/internal/config"
	"github.com/conorfennell/tutorsync/internal/connectivity"
	"github.com/conorfennell/tutorsync/internal/logging"
	"github.com/conorfennell/tutorsync/internal/remote"
	"github.com/conorfennell/tutorsync/internal/storage"
	"github.com/conorfennell/tutorsync/internal/sync"
)

var rootCmd = &cobra.Command{
	Use:   "tutorsync",
	Short: "Offline-first sync engine for the tutoring app",
	Long: `tutorsync keeps flashcards, knowledge tests and test results usable while
the network is down.

Flashcards and tests are cached in a local SQLite database. Results are written
to a local queue first and submitted to the backend once it is reachable.

Settings come from --config (YAML), TUTORSYNC_* environment variables and flags,
in increasing precedence.`,
	SilenceUsage: true,
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the components shared by every command.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *storage.DB
	client  *remote.Client
	monitor *connectivity.Monitor
	closers []io.Closer
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)

	store, err := storage.Open(cfg.DB.Path)
	if err != nil {
		logCloser.Close()
		return nil, err
	}
	logger.Debug("Database opened", "path", store.Path())

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		client:  remote.New(cfg.Server.URL, cfg.Server.Token, cfg.Server.Timeout),
		monitor: connectivity.New(false),
		closers: []io.Closer{store, logCloser},
	}, nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		_ = c.Close()
	}
}

func (a *app) coordinator(sc sync.Config) *sync.Coordinator {
	sc.BackoffMin = a.cfg.Sync.BackoffMin
	sc.BackoffMax = a.cfg.Sync.BackoffMax
	sc.Interval = a.cfg.Sync.Interval
	sc.Logger = a.logger
	return sync.NewCoordinator(a.store, a.client, a.monitor, sc)
}
