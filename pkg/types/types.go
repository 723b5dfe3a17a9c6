// Package types contains shared data types for dmarcpipe.
package types

import (
	"strings"
	"time"
)

// Disposition is the policy action a receiver applied to a message.
type Disposition string

// Disposition values. Absent or unrecognised XML values map to DispositionUnknown.
const (
	DispositionNone       Disposition = "none"
	DispositionQuarantine Disposition = "quarantine"
	DispositionReject     Disposition = "reject"
	DispositionUnknown    Disposition = "unknown"
)

// ParseDisposition normalises a raw policy_evaluated disposition.
func ParseDisposition(s string) Disposition {
	switch Disposition(strings.ToLower(strings.TrimSpace(s))) {
	case DispositionNone:
		return DispositionNone
	case DispositionQuarantine:
		return DispositionQuarantine
	case DispositionReject:
		return DispositionReject
	default:
		return DispositionUnknown
	}
}

// AuthResult is a DKIM or SPF outcome.
type AuthResult string

// Authentication outcomes.
const (
	AuthPass    AuthResult = "pass"
	AuthFail    AuthResult = "fail"
	AuthUnknown AuthResult = "unknown"
)

// ParseAuthResult normalises a raw dkim/spf policy result.
func ParseAuthResult(s string) AuthResult {
	switch AuthResult(strings.ToLower(strings.TrimSpace(s))) {
	case AuthPass:
		return AuthPass
	case AuthFail:
		return AuthFail
	default:
		return AuthUnknown
	}
}

// CountryUnknown is the terminal enrichment outcome for rows whose source IP
// could not be resolved. It is distinct from an empty (unenriched) country.
const CountryUnknown = "Unknown"

// Record is one ingested row of a DMARC aggregate report.
type Record struct {
	ID            uint
	MessageID     string
	ReportingOrg  string
	SourceIP      string
	Disposition   Disposition
	DKIMResult    AuthResult
	SPFResult     AuthResult
	Domain        string
	HeaderFrom    string
	Count         int
	ProcessedAt   time.Time
	Country       string
	FailureReason string
}

// AuthFailed reports whether DKIM or SPF explicitly failed.
func (r Record) AuthFailed() bool {
	return r.DKIMResult == AuthFail || r.SPFResult == AuthFail
}

// FullyPassed reports whether both DKIM and SPF passed.
func (r Record) FullyPassed() bool {
	return r.DKIMResult == AuthPass && r.SPFResult == AuthPass
}

// ActivePartition is the key of the partition currently receiving rows.
const ActivePartition = "active"

// partitionLayout is the year-month tag used for archived partitions.
const partitionLayout = "2006-01"

// PartitionKey returns the archive partition key for the month containing t.
func PartitionKey(t time.Time) string {
	return t.Format(partitionLayout)
}

// ParsePartitionKey parses an archive partition key into the first instant
// of that month in loc.
func ParsePartitionKey(key string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(partitionLayout, key, loc)
}

// MonthStart returns midnight on the first day of t's month, in t's location.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// DateRange is an inclusive processedAt filter.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within the inclusive range.
func (r DateRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// Scope selects which partitions a rollup reads.
type Scope string

// Rollup scopes.
const (
	ScopeCurrent Scope = "current"
	ScopeAll     Scope = "all"
)

// GroupCount is one entry of a group-by rollup.
type GroupCount struct {
	Key   string
	Count int
}

// AuthTotals holds DKIM/SPF pass and fail row counts. Unknown counts as fail.
type AuthTotals struct {
	DKIMPass int
	DKIMFail int
	SPFPass  int
	SPFFail  int
}

// Rollup is the output of the aggregation engine.
type Rollup struct {
	Scope      Scope
	Range      *DateRange
	Rows       int
	ByOrg      []GroupCount
	FailingIPs []GroupCount
	ByDomain   []GroupCount
	Totals     AuthTotals
}

// IngestError represents a recoverable failure recorded during ingestion.
type IngestError struct {
	MessageID  string `json:"message_id"`
	Attachment string `json:"attachment"`
	Kind       string `json:"kind"`
	Error      string `json:"error"`
}

// Attachment is one named payload of a source message.
type Attachment struct {
	Filename string
	Data     []byte
}

// Message is a discovered candidate report message. ID is the dedup key.
type Message struct {
	ID          string
	Source      string
	Attachments []Attachment
}
