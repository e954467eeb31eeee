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

	"github.com/devblac/chainforge/internal/engine"
	"github.com/devblac/chainforge/internal/health"
	"github.com/devblac/chainforge/internal/metrics"
	"github.com/devblac/chainforge/internal/sink"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagDryRun     bool
	flagNoBackfill bool
	flagHealth     string
	flagMetrics    string
)

func init() {
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Do not send to sinks")
	runCmd.Flags().BoolVar(&flagNoBackfill, "no-backfill", false, "Skip catching up from the stored cursor")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync ledger events, forward them to the backend and route alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
		}

		a, err := newApp(ctx, false, mtr)
		if err != nil {
			return err
		}
		defer a.Close()
		log := a.log

		store, err := openStore(a.cfg)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		sinks, err := sink.FromConfig(a.cfg.Sinks)
		if err != nil {
			return err
		}
		runner, err := engine.NewRunner(store, a.network.ID, a.cfg.Rules, sinks, mtr, log, flagDryRun)
		if err != nil {
			return err
		}

		syncer, closeSync, err := a.newSynchronizer(ctx, store, true)
		if err != nil {
			return err
		}
		defer closeSync()
		syncer.OnAll(runner.Listener(ctx))

		if !flagNoBackfill {
			if _, err := syncer.Backfill(ctx, a.registry); err != nil {
				mtr.Errors()
				return err
			}
		}

		// With a wallet the session drives the subscription table; without one
		// the configured network is watched directly.
		if a.cfg.Wallet.PrivateKey != "" {
			detach := syncer.Attach(ctx, a.session, a.resolveNetwork)
			defer detach()
			if _, err := a.session.Connect(ctx); err != nil {
				return fmt.Errorf("connect wallet: %w", err)
			}
		} else if err := syncer.Start(ctx, a.registry); err != nil {
			return err
		}
		log.Info("sync running", "network", a.network.ID, "bindings", len(syncer.Bindings()), "dry_run", flagDryRun)

		g, gctx := errgroup.WithContext(ctx)
		if flagHealth != "" {
			nodes := map[string]health.HeaderClient{}
			for id, c := range a.clients {
				nodes[id] = c
			}
			srv := health.Serve(flagHealth, health.Checker{
				DBPing:       store.Ping,
				RPCPing:      health.NewRPCChecker(nodes).Ping,
				ArtifactPing: a.artifacts.Ping,
				BackendPing:  a.backend.Ping,
				Bindings:     func() int { return len(syncer.Bindings()) },
			})
			log.Info("health check enabled", "addr", flagHealth)
			g.Go(func() error {
				<-gctx.Done()
				return shutdown(srv)
			})
		}
		if flagMetrics != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: flagMetrics, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
			log.Info("metrics enabled", "addr", flagMetrics)
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				return shutdown(srv)
			})
		}
		g.Go(func() error {
			<-gctx.Done()
			syncer.Stop()
			syncer.Wait()
			log.Info("sync stopped")
			return nil
		})
		return g.Wait()
	},
}

func shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return health.Shutdown(ctx, srv)
}
