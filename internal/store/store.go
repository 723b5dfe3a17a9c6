// Package store persists report rows, the dedup index and the geolocation
// cache through gorm.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kidager/dmarcpipe/pkg/types"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// batchSize bounds multi-row inserts and IN lists.
const batchSize = 500

// Store implements the row sink, dedup index and geolocation cache on one database.
type Store struct {
	db *gorm.DB
}

// Open connects to the database and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database DSN is empty")
	}

	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "", DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	return New(db)
}

// New wraps an existing gorm connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&RecordRow{}, &SeenMessage{}, &GeoCacheEntry{}); err != nil {
		return nil, errors.Wrap(err, "migrating schema")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AppendRows appends rows to a partition.
func (s *Store) AppendRows(ctx context.Context, partition string, rows []types.Record) error {
	if len(rows) == 0 {
		return nil
	}
	return appendRows(s.db.WithContext(ctx), partition, rows)
}

func appendRows(tx *gorm.DB, partition string, rows []types.Record) error {
	models := make([]RecordRow, 0, len(rows))
	for _, r := range rows {
		row := toRow(partition, r)
		row.ID = 0
		models = append(models, row)
	}
	if err := tx.CreateInBatches(models, batchSize).Error; err != nil {
		return errors.Wrapf(err, "appending %d rows to %s", len(rows), partition)
	}
	return nil
}

// ReadRows returns every row of a partition in insertion order.
func (s *Store) ReadRows(ctx context.Context, partition string) ([]types.Record, error) {
	var rows []RecordRow
	err := s.db.WithContext(ctx).
		Where("partition_key = ?", partition).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "reading partition %s", partition)
	}

	records := make([]types.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord())
	}
	return records, nil
}

// DeleteRows removes every row of a partition matching pred and returns how
// many were deleted.
func (s *Store) DeleteRows(ctx context.Context, partition string, pred func(types.Record) bool) (int, error) {
	deleted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []RecordRow
		if err := tx.Where("partition_key = ?", partition).Find(&rows).Error; err != nil {
			return err
		}

		ids := make([]uint, 0, len(rows))
		for _, row := range rows {
			if pred(row.toRecord()) {
				ids = append(ids, row.ID)
			}
		}

		for _, chunk := range chunkIDs(ids) {
			res := tx.Where("partition_key = ? AND id IN ?", partition, chunk).Delete(&RecordRow{})
			if res.Error != nil {
				return res.Error
			}
			deleted += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "deleting rows from %s", partition)
	}
	return deleted, nil
}

// MoveRows relocates the given rows from one partition to another in a single
// transaction. Rows keep their identity, so a row is never in two partitions.
func (s *Store) MoveRows(ctx context.Context, from, to string, ids []uint) (int, error) {
	moved := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, chunk := range chunkIDs(ids) {
			res := tx.Model(&RecordRow{}).
				Where("partition_key = ? AND id IN ?", from, chunk).
				Update("partition_key", to)
			if res.Error != nil {
				return res.Error
			}
			moved += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "moving rows from %s to %s", from, to)
	}
	return moved, nil
}

// DropPartition deletes every row of a partition.
func (s *Store) DropPartition(ctx context.Context, partition string) (int, error) {
	res := s.db.WithContext(ctx).Where("partition_key = ?", partition).Delete(&RecordRow{})
	if res.Error != nil {
		return 0, errors.Wrapf(res.Error, "dropping partition %s", partition)
	}
	return int(res.RowsAffected), nil
}

// Partitions lists the partition keys that currently hold rows, sorted.
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).
		Model(&RecordRow{}).
		Distinct("partition_key").
		Order("partition_key ASC").
		Pluck("partition_key", &keys).Error
	if err != nil {
		return nil, errors.Wrap(err, "listing partitions")
	}
	return keys, nil
}

// UpdateEnrichment writes country and failure reason for already stored rows.
// A stored country is never overwritten.
func (s *Store) UpdateEnrichment(ctx context.Context, rows []types.Record) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range rows {
			if r.ID == 0 {
				continue
			}
			if r.FailureReason != "" {
				if err := tx.Model(&RecordRow{}).
					Where("id = ?", r.ID).
					Update("failure_reason", r.FailureReason).Error; err != nil {
					return errors.Wrapf(err, "updating failure reason for row %d", r.ID)
				}
			}
			if r.Country != "" {
				if err := tx.Model(&RecordRow{}).
					Where("id = ? AND country = ?", r.ID, "").
					Update("country", r.Country).Error; err != nil {
					return errors.Wrapf(err, "updating country for row %d", r.ID)
				}
			}
		}
		return nil
	})
}

// AlreadySeen reports whether a message id has been committed before.
func (s *Store) AlreadySeen(ctx context.Context, messageID string) (bool, error) {
	return alreadySeen(s.db.WithContext(ctx), messageID)
}

func alreadySeen(tx *gorm.DB, messageID string) (bool, error) {
	var count int64
	if err := tx.Model(&SeenMessage{}).Where("message_id = ?", messageID).Count(&count).Error; err != nil {
		return false, errors.Wrapf(err, "checking message %s", messageID)
	}
	return count > 0, nil
}

// MarkSeen records a message id as committed. Marking twice is a no-op.
func (s *Store) MarkSeen(ctx context.Context, messageID string) error {
	return markSeen(s.db.WithContext(ctx), messageID, time.Now().UTC())
}

func markSeen(tx *gorm.DB, messageID string, at time.Time) error {
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&SeenMessage{MessageID: messageID, SeenAt: at}).Error
	if err != nil {
		return errors.Wrapf(err, "marking message %s", messageID)
	}
	return nil
}

// CommitMessage appends all rows of one message and marks it seen in a single
// transaction. It returns false without writing when the message was already
// committed, so concurrent invocations cannot double-commit.
func (s *Store) CommitMessage(ctx context.Context, messageID, partition string, rows []types.Record) (bool, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return false, tx.Error
	}

	seen, err := alreadySeen(tx, messageID)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	if seen {
		tx.Rollback()
		return false, nil
	}

	if len(rows) > 0 {
		if err := appendRows(tx, partition, rows); err != nil {
			tx.Rollback()
			return false, err
		}
	}

	if err := markSeen(tx, messageID, time.Now().UTC()); err != nil {
		tx.Rollback()
		return false, err
	}

	if err := tx.Commit().Error; err != nil {
		return false, errors.Wrapf(err, "committing message %s", messageID)
	}
	return true, nil
}

// CachedCountry returns the persisted country for an IP, if any.
func (s *Store) CachedCountry(ctx context.Context, ip string) (string, bool, error) {
	var entry GeoCacheEntry
	err := s.db.WithContext(ctx).Where("ip = ?", ip).Limit(1).Find(&entry).Error
	if err != nil {
		return "", false, errors.Wrapf(err, "reading geo cache for %s", ip)
	}
	if entry.IP == "" {
		return "", false, nil
	}
	return entry.Country, true, nil
}

// CacheCountry persists the country resolved for an IP.
func (s *Store) CacheCountry(ctx context.Context, ip, country string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		DoUpdates: clause.AssignmentColumns([]string{"country", "resolved_at"}),
	}).Create(&GeoCacheEntry{IP: ip, Country: country, ResolvedAt: time.Now().UTC()}).Error
	if err != nil {
		return errors.Wrapf(err, "writing geo cache for %s", ip)
	}
	return nil
}

func chunkIDs(ids []uint) [][]uint {
	var chunks [][]uint
	for len(ids) > 0 {
		n := batchSize
		if len(ids) < n {
			n = len(ids)
		}
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}
	return chunks
}
