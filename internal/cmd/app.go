package cmd

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/kidager/dmarcpipe/internal/config"
	"github.com/kidager/dmarcpipe/internal/enrich"
	"github.com/kidager/dmarcpipe/internal/inbox"
	"github.com/kidager/dmarcpipe/internal/ingest"
	"github.com/kidager/dmarcpipe/internal/logger"
	"github.com/kidager/dmarcpipe/internal/metrics"
	"github.com/kidager/dmarcpipe/internal/partition"
	"github.com/kidager/dmarcpipe/internal/store"
	"github.com/kidager/dmarcpipe/pkg/types"
)

// app holds the components a command run shares.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	store   *store.Store
	metrics *metrics.Metrics
}

func openApp(m *metrics.Metrics) (*app, error) {
	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	log.Debug("database opened", zap.String("driver", cfg.Database.Driver))
	return &app{cfg: cfg, log: log, store: st, metrics: m}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing database", zap.Error(err))
	}
}

func (a *app) notifier() ingest.Notifier {
	if a.cfg.SMTP.Enabled() {
		return ingest.NewSMTPNotifier(ingest.SMTPConfig{
			Addr:     a.cfg.SMTP.Addr,
			From:     a.cfg.SMTP.From,
			To:       a.cfg.SMTP.To,
			Username: a.cfg.SMTP.User,
			Password: a.cfg.SMTP.Password,
		})
	}
	return &ingest.LogNotifier{Log: a.log}
}

func (a *app) pipeline() (*ingest.Pipeline, error) {
	return ingest.NewPipeline(a.store, a.store,
		ingest.WithNotifier(a.notifier()),
		ingest.WithThreshold(a.cfg.Ingest.ThresholdFailures),
		ingest.WithAlertSubject(a.cfg.Ingest.AlertSubject),
		ingest.WithLogger(a.log),
		ingest.WithMetrics(a.metrics),
	)
}

func (a *app) reader(inboxDir, processedDir string) *inbox.Reader {
	return inbox.NewReader(inboxDir,
		inbox.WithProcessedDir(processedDir),
		inbox.WithLogger(a.log),
	)
}

func (a *app) engine() (*enrich.Engine, error) {
	geo := a.cfg.Geo
	provider := enrich.NewHTTPProvider(geo.URL, &http.Client{Timeout: geo.Timeout})
	return enrich.NewEngine(provider, a.store,
		enrich.WithRatePerMinute(geo.RatePerMinute),
		enrich.WithConcurrency(geo.Concurrency),
		enrich.WithLookupTimeout(geo.Timeout),
		enrich.WithCacheSize(geo.CacheSize),
		enrich.WithLogger(a.log),
		enrich.WithMetrics(a.metrics),
	)
}

func (a *app) manager(purgeArchives bool) *partition.Manager {
	return partition.NewManager(a.store,
		partition.WithRetentionMonths(a.cfg.Retention.Months),
		partition.WithPurgeArchives(purgeArchives),
		partition.WithLogger(a.log),
		partition.WithMetrics(a.metrics),
	)
}

// ingestCycle scans the inbox, commits new messages, archives consumed files
// and optionally enriches the active partition.
func (a *app) ingestCycle(ctx context.Context, inboxDir, processedDir string, withEnrich bool) (*ingest.Result, *enrich.Stats, error) {
	p, err := a.pipeline()
	if err != nil {
		return nil, nil, err
	}

	r := a.reader(inboxDir, processedDir)
	items, err := r.Scan(ctx)
	if err != nil {
		return nil, nil, err
	}

	result, err := p.Run(ctx, inbox.Messages(items))
	if err != nil {
		return result, nil, err
	}

	moved, err := r.Archive(ctx, items, a.store)
	if err != nil {
		a.log.Warn("archiving inbox files", zap.Error(err))
	} else if moved > 0 {
		a.log.Info("inbox files archived", zap.Int("files", moved))
	}

	if !withEnrich {
		return result, nil, nil
	}

	e, err := a.engine()
	if err != nil {
		return result, nil, err
	}
	stats, err := e.EnrichPartition(ctx, a.store, types.ActivePartition)
	if err != nil {
		return result, &stats, err
	}
	return result, &stats, nil
}
