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

	"github.com/birdayz/kcorrelate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the correlator",
		Long: `Run the correlator until SIGINT or SIGTERM.

Prometheus metrics are served on metricsAddr under /metrics.

Examples:
  # Run with defaults against localhost:9092
  kcorrelate run

  # Run with a config file and a different broker
  KCORRELATE_BROKERS=kafka:9092 kcorrelate run -c kcorrelate.yaml`,
		RunE: runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := kcorrelate.New(cfg.AppOptions(log)...)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		log.Info("Serving metrics", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		return app.Run(gctx)
	})
	grp.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		closeErr := app.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return closeErr
	})

	return grp.Wait()
}
