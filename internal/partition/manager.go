// Package partition rotates the active dataset into monthly archives and
// purges rows past the retention horizon.
package partition

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kidager/dmarcpipe/internal/logger"
	"github.com/kidager/dmarcpipe/internal/metrics"
	"github.com/kidager/dmarcpipe/pkg/types"
)

// DefaultRetentionMonths is the default retention horizon.
const DefaultRetentionMonths = 12

// Store is the partitioned row storage the manager operates on.
type Store interface {
	ReadRows(ctx context.Context, partition string) ([]types.Record, error)
	DeleteRows(ctx context.Context, partition string, pred func(types.Record) bool) (int, error)
	MoveRows(ctx context.Context, from, to string, ids []uint) (int, error)
	DropPartition(ctx context.Context, partition string) (int, error)
	Partitions(ctx context.Context) ([]string, error)
}

// Manager owns the Active, Archived and Purged lifecycle of partitions.
type Manager struct {
	store           Store
	retentionMonths int
	purgeArchives   bool
	loc             *time.Location
	log             logger.Logger
	metrics         *metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetentionMonths sets the retention horizon in months.
func WithRetentionMonths(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.retentionMonths = n
		}
	}
}

// WithPurgeArchives makes Purge also drop archived partitions that lie
// entirely before the cutoff.
func WithPurgeArchives(enabled bool) Option {
	return func(m *Manager) { m.purgeArchives = enabled }
}

// WithLocation sets the time zone month boundaries are computed in.
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) {
		if loc != nil {
			m.loc = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager returns a manager for store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:           store,
		retentionMonths: DefaultRetentionMonths,
		loc:             time.UTC,
		log:             logger.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ArchiveMove records rows relocated into one archive partition.
type ArchiveMove struct {
	Partition string `json:"partition"`
	Rows      int    `json:"rows"`
}

// RotationReport summarises a rotation.
type RotationReport struct {
	Moves []ArchiveMove `json:"moves"`
	Rows  int           `json:"rows"`
}

// PurgeReport summarises a retention purge.
type PurgeReport struct {
	Cutoff            time.Time `json:"cutoff"`
	ActiveRows        int       `json:"active_rows"`
	DroppedPartitions []string  `json:"dropped_partitions,omitempty"`
	ArchivedRows      int       `json:"archived_rows"`
}

// Rotate moves every active row processed before the current month into the
// archive partition named for its month. Current-month rows stay active, and
// so do rows already past the retention cutoff, which are left for Purge.
// Rotating twice in the same month is a no-op.
func (m *Manager) Rotate(ctx context.Context, now time.Time) (RotationReport, error) {
	var report RotationReport
	boundary := types.MonthStart(now.In(m.loc))
	cutoff := m.Cutoff(now)

	rows, err := m.store.ReadRows(ctx, types.ActivePartition)
	if err != nil {
		return report, err
	}

	byMonth := make(map[string][]uint)
	for _, r := range rows {
		at := r.ProcessedAt.In(m.loc)
		if !at.Before(boundary) || at.Before(cutoff) {
			continue
		}
		key := types.PartitionKey(at)
		byMonth[key] = append(byMonth[key], r.ID)
	}
	if len(byMonth) == 0 {
		m.log.Debug("nothing to rotate", zap.String("boundary", types.PartitionKey(boundary)))
		return report, nil
	}

	keys := make([]string, 0, len(byMonth))
	for k := range byMonth {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		moved, err := m.store.MoveRows(ctx, types.ActivePartition, key, byMonth[key])
		if err != nil {
			return report, errors.Wrapf(err, "rotating into %s", key)
		}
		report.Moves = append(report.Moves, ArchiveMove{Partition: key, Rows: moved})
		report.Rows += moved
		m.log.Info("rows archived", zap.String("partition", key), zap.Int("rows", moved))
	}

	m.metrics.RowsRotated(report.Rows)
	return report, nil
}

// Cutoff returns the retention cutoff relative to now.
func (m *Manager) Cutoff(now time.Time) time.Time {
	return now.In(m.loc).AddDate(0, -m.retentionMonths, 0)
}

// Purge deletes active rows processed before the retention cutoff. Archived
// partitions are kept unless archive purging is enabled, in which case an
// archive is dropped once its whole month lies before the cutoff.
func (m *Manager) Purge(ctx context.Context, now time.Time) (PurgeReport, error) {
	cutoff := m.Cutoff(now)
	report := PurgeReport{Cutoff: cutoff}

	deleted, err := m.store.DeleteRows(ctx, types.ActivePartition, func(r types.Record) bool {
		return r.ProcessedAt.Before(cutoff)
	})
	if err != nil {
		return report, err
	}
	report.ActiveRows = deleted

	if m.purgeArchives {
		if err := m.purgeArchived(ctx, cutoff, &report); err != nil {
			return report, err
		}
	}

	total := report.ActiveRows + report.ArchivedRows
	m.metrics.RowsPurged(total)
	m.log.Info("retention purge finished",
		zap.Time("cutoff", cutoff),
		zap.Int("active_rows", report.ActiveRows),
		zap.Strings("dropped", report.DroppedPartitions),
		zap.Int("archived_rows", report.ArchivedRows))
	return report, nil
}

func (m *Manager) purgeArchived(ctx context.Context, cutoff time.Time, report *PurgeReport) error {
	keys, err := m.store.Partitions(ctx)
	if err != nil {
		return err
	}

	for _, key := range keys {
		if key == types.ActivePartition {
			continue
		}
		start, err := types.ParsePartitionKey(key, m.loc)
		if err != nil {
			m.log.Warn("skipping partition with unexpected key", zap.String("partition", key))
			continue
		}
		if start.AddDate(0, 1, 0).After(cutoff) {
			continue
		}
		n, err := m.store.DropPartition(ctx, key)
		if err != nil {
			return err
		}
		report.DroppedPartitions = append(report.DroppedPartitions, key)
		report.ArchivedRows += n
	}
	return nil
}

// Maintain rotates then purges, the order a processing cycle runs them in.
func (m *Manager) Maintain(ctx context.Context, now time.Time) (RotationReport, PurgeReport, error) {
	rot, err := m.Rotate(ctx, now)
	if err != nil {
		return rot, PurgeReport{}, err
	}
	purge, err := m.Purge(ctx, now)
	return rot, purge, err
}
