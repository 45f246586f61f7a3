package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/proxy-rotator/internal/aggregator"
	"github.com/proxy-rotator/internal/api"
	"github.com/proxy-rotator/internal/checker"
	"github.com/proxy-rotator/internal/snapshot"
	"github.com/proxy-rotator/internal/storage"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, the health sweep loop and source ingestion",
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Infof("Starting proxy rotator v%s", version)

		a, err := newApp(cfg)
		if err != nil {
			return err
		}

		store, err := storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		snap := snapshot.NewManager(store, cfg.Storage.PersistIntervalSeconds)
		defer snap.Close()

		var agg *aggregator.Aggregator
		if len(cfg.Sources.Sources) > 0 {
			agg = aggregator.NewAggregator(cfg.Sources, a.registry, a.metrics)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)

		if cfg.Health.IntervalSeconds > 0 {
			interval := time.Duration(cfg.Health.IntervalSeconds) * time.Second
			g.Go(func() error {
				a.checker.Run(ctx, interval, func([]checker.Result) {
					snap.Refresh(a.registry)
				})
				return nil
			})
		}

		if agg != nil && cfg.Sources.IntervalSeconds > 0 {
			interval := time.Duration(cfg.Sources.IntervalSeconds) * time.Second
			g.Go(func() error {
				agg.Run(ctx, interval, func(added int) {
					log.Infof("Checking %d new proxies", added)
					a.checker.TestAll(ctx)
					snap.Refresh(a.registry)
				})
				return nil
			})
		}

		if cfg.API.Enabled {
			server := api.NewServer(cfg, api.Deps{
				Executor:   a.executor,
				Checker:    a.checker,
				Aggregator: agg,
				Snapshot:   snap,
				Metrics:    a.metrics,
			})
			g.Go(func() error {
				if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
		}

		log.Info("Service started")
		<-ctx.Done()
		log.Info("Shutting down gracefully...")

		err = g.Wait()
		log.Info("Shutdown complete")
		return err
	},
}
