package store

import (
	"time"

	"github.com/kidager/dmarcpipe/pkg/types"
)

// RecordRow is the persisted form of a types.Record. Partition is either
// types.ActivePartition or a YYYY-MM archive key.
type RecordRow struct {
	ID            uint      `gorm:"column:id;primaryKey"`
	Partition     string    `gorm:"column:partition_key;index;size:16;not null"`
	MessageID     string    `gorm:"column:message_id;index;size:512;not null"`
	ReportingOrg  string    `gorm:"column:reporting_org;size:255"`
	SourceIP      string    `gorm:"column:source_ip;index;size:64"`
	Disposition   string    `gorm:"column:disposition;size:16"`
	DKIMResult    string    `gorm:"column:dkim_result;size:16"`
	SPFResult     string    `gorm:"column:spf_result;size:16"`
	Domain        string    `gorm:"column:domain;size:255"`
	HeaderFrom    string    `gorm:"column:header_from;size:255"`
	Count         int       `gorm:"column:count"`
	ProcessedAt   time.Time `gorm:"column:processed_at;index"`
	Country       string    `gorm:"column:country;size:128"`
	FailureReason string    `gorm:"column:failure_reason;type:text"`
}

func (RecordRow) TableName() string {
	return "dmarc_records"
}

// SeenMessage marks a source message as committed. Entries are never removed.
type SeenMessage struct {
	MessageID string    `gorm:"column:message_id;primaryKey;size:512"`
	SeenAt    time.Time `gorm:"column:seen_at"`
}

func (SeenMessage) TableName() string {
	return "dmarc_seen_messages"
}

// GeoCacheEntry persists a resolved source IP country across runs.
type GeoCacheEntry struct {
	IP         string    `gorm:"column:ip;primaryKey;size:64"`
	Country    string    `gorm:"column:country;size:128"`
	ResolvedAt time.Time `gorm:"column:resolved_at"`
}

func (GeoCacheEntry) TableName() string {
	return "dmarc_geo_cache"
}

func toRow(partition string, r types.Record) RecordRow {
	return RecordRow{
		ID:            r.ID,
		Partition:     partition,
		MessageID:     r.MessageID,
		ReportingOrg:  r.ReportingOrg,
		SourceIP:      r.SourceIP,
		Disposition:   string(r.Disposition),
		DKIMResult:    string(r.DKIMResult),
		SPFResult:     string(r.SPFResult),
		Domain:        r.Domain,
		HeaderFrom:    r.HeaderFrom,
		Count:         r.Count,
		ProcessedAt:   r.ProcessedAt.UTC(),
		Country:       r.Country,
		FailureReason: r.FailureReason,
	}
}

func (row RecordRow) toRecord() types.Record {
	return types.Record{
		ID:            row.ID,
		MessageID:     row.MessageID,
		ReportingOrg:  row.ReportingOrg,
		SourceIP:      row.SourceIP,
		Disposition:   types.ParseDisposition(row.Disposition),
		DKIMResult:    types.ParseAuthResult(row.DKIMResult),
		SPFResult:     types.ParseAuthResult(row.SPFResult),
		Domain:        row.Domain,
		HeaderFrom:    row.HeaderFrom,
		Count:         row.Count,
		ProcessedAt:   row.ProcessedAt.UTC(),
		Country:       row.Country,
		FailureReason: row.FailureReason,
	}
}
