package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kidager/dmarcpipe/internal/metrics"
	"github.com/kidager/dmarcpipe/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

var runAtStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduled processing cycle",
	Long: `Run ingestion with enrichment and monthly maintenance (rotate then purge)
on cron schedules (DMARC_CRON_INGEST, DMARC_CRON_MAINTENANCE), exposing
Prometheus metrics on DMARC_METRICS_ADDR. Jobs never overlap.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&runAtStart, "run-now", false, "Run an ingestion cycle immediately on start")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := openApp(metrics.New(reg))
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.New(a.log, time.UTC)
	if err := sched.Register(scheduler.Job{
		Name:     "ingest",
		Schedule: a.cfg.Schedule.Ingest,
		Run: func(ctx context.Context) error {
			_, _, err := a.ingestCycle(ctx, a.cfg.Ingest.InboxDir, a.cfg.Ingest.ProcessedDir, true)
			return err
		},
	}); err != nil {
		return err
	}
	if err := sched.Register(scheduler.Job{
		Name:     "maintenance",
		Schedule: a.cfg.Schedule.Maintenance,
		Run: func(ctx context.Context) error {
			_, _, err := a.manager(a.cfg.Retention.PurgeArchives).Maintain(ctx, time.Now())
			return err
		},
	}); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("metrics listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sched.Start()
	for _, name := range []string{"ingest", "maintenance"} {
		if next, ok := sched.Next(name); ok {
			a.log.Info("job scheduled", zap.String("job", name), zap.Time("next", next))
		}
	}
	if runAtStart {
		if err := sched.Trigger(ctx, "ingest"); err != nil {
			a.log.Error("initial ingest failed", zap.Error(err))
		}
	}

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case err = <-errCh:
		a.log.Error("metrics server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	sched.Stop(shutdownCtx)
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.log.Warn("stopping metrics server", zap.Error(serr))
	}
	if err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
