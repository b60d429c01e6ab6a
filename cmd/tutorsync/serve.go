package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/conorfennell/tutorsync/internal/cache"
	"github.com/conorfennell/tutorsync/internal/connectivity"
	"github.com/conorfennell/tutorsync/internal/events"
	"github.com/conorfennell/tutorsync/internal/sync"
	"github.com/conorfennell/tutorsync/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine and the local API",
	Long: `Run the sync engine in the foreground.

It probes the backend, flushes queued results whenever the backend becomes
reachable, and serves the local API:

  GET  /status              connectivity and queue depth
  POST /sync                run a sync pass now
  POST /refresh             re-download flashcards and tests
  POST /results             queue a result {"kind": "test", "payload": {...}}
  GET  /flashcards?subject= flashcards, network first
  GET  /tests?subject=      tests, network first
  GET  /ws                  WebSocket feed of network and sync events`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		hub := events.NewHub(events.Config{
			Logger: a.logger,
			Welcome: func() events.Event {
				return events.New(events.Status, "", map[string]bool{"online": a.monitor.Online()})
			},
		})
		hub.Start()
		defer hub.Stop()

		online, unforward := startConnectivity(ctx, a.monitor, a.client.Ping, hub)
		defer unforward()
		if online {
			a.logger.Info("Backend reachable", "url", a.cfg.Server.URL)
		} else {
			a.logger.Warn("Backend unreachable, working offline", "url", a.cfg.Server.URL)
		}

		coordinator := a.coordinator(sync.Config{Notifier: hub})
		defer coordinator.Close()
		facade := cache.NewFacade(
			cache.WithLogger(a.logger),
			cache.WithTimeout(a.cfg.Server.Timeout),
			cache.WithOnline(a.monitor.Online),
		)
		defer facade.Wait()
		loader := cache.NewLoader(facade, a.client, a.store)

		srv := &http.Server{
			Addr: a.cfg.Listen.Addr,
			Handler: web.NewServer(web.Deps{
				Store:       a.store,
				Coordinator: coordinator,
				Loader:      loader,
				Monitor:     a.monitor,
				Events:      hub,
				Notifier:    hub,
				Logger:      a.logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return connectivity.Watch(gctx, a.monitor, a.client.Ping, a.cfg.Probe.Interval, a.logger)
		})
		g.Go(func() error {
			return coordinator.Run(gctx)
		})
		g.Go(func() error {
			if !a.monitor.Online() {
				return nil
			}
			if _, err := loader.Refresh(gctx); err != nil {
				a.logger.Warn("Initial refresh failed, serving cached content", "error", err)
			}
			return nil
		})
		g.Go(func() error {
			a.logger.Info("Local API listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to serve local API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		a.logger.Info("Shut down")
		return err
	},
}

// startConnectivity sets the initial state from one probe, then forwards
// later transitions to n. The initial state is not announced.
func startConnectivity(ctx context.Context, m *connectivity.Monitor, probe connectivity.Probe, n events.Notifier) (bool, func()) {
	online := connectivity.Init(ctx, m, probe)
	return online, events.ForwardConnectivity(m, n)
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
