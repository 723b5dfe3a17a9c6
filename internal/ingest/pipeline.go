// Package ingest turns candidate report messages into committed rows.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kidager/dmarcpipe/internal/logger"
	"github.com/kidager/dmarcpipe/internal/metrics"
	"github.com/kidager/dmarcpipe/internal/parser"
	"github.com/kidager/dmarcpipe/pkg/types"
)

// DefaultThresholdFailures is the per-row count at which a failing row alerts.
const DefaultThresholdFailures = 3

// DefaultAlertSubject is the subject of the batch alert notification.
const DefaultAlertSubject = "DMARC alert: authentication failures above threshold"

// RowSink appends committed rows to a partition.
type RowSink interface {
	AppendRows(ctx context.Context, partition string, rows []types.Record) error
}

// DedupIndex tracks committed message ids.
type DedupIndex interface {
	AlreadySeen(ctx context.Context, messageID string) (bool, error)
	MarkSeen(ctx context.Context, messageID string) error
}

// MessageCommitter is implemented by sinks that can append rows and mark the
// message seen atomically. The pipeline prefers it when available.
type MessageCommitter interface {
	CommitMessage(ctx context.Context, messageID, partition string, rows []types.Record) (bool, error)
}

// Pipeline orchestrates decode, parse, dedup, commit and threshold alerting.
type Pipeline struct {
	sink      RowSink
	dedup     DedupIndex
	notifier  Notifier
	threshold int
	subject   string
	now       func() time.Time
	log       logger.Logger
	metrics   *metrics.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithNotifier sets the alert sink. Without one, alerts are only returned.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithThreshold sets the failing count at which a row produces an alert line.
func WithThreshold(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.threshold = n
		}
	}
}

// WithAlertSubject overrides the alert notification subject.
func WithAlertSubject(s string) Option {
	return func(p *Pipeline) {
		if s != "" {
			p.subject = s
		}
	}
}

// WithClock overrides the time source used for processedAt.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline builds a pipeline. A missing sink or dedup index is a ConfigError.
func NewPipeline(sink RowSink, dedup DedupIndex, opts ...Option) (*Pipeline, error) {
	if sink == nil {
		return nil, &ConfigError{Kind: MissingSink}
	}
	if dedup == nil {
		return nil, &ConfigError{Kind: MissingDedup}
	}

	p := &Pipeline{
		sink:      sink,
		dedup:     dedup,
		threshold: DefaultThresholdFailures,
		subject:   DefaultAlertSubject,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logger.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Result summarises one pipeline run.
type Result struct {
	RunID             string
	MessagesSeen      int
	MessagesSkipped   int
	MessagesCommitted int
	MessagesFailed    int
	RowsCommitted     int
	Alerts            []string
	Notified          bool
	Errors            []types.IngestError
}

// Run ingests a batch of candidate messages. Decode and parse failures are
// recorded in the result and never abort the batch; storage failures do, and
// the batch is then safe to retry because dedup marks follow row commits.
func (p *Pipeline) Run(ctx context.Context, messages []types.Message) (*Result, error) {
	result := &Result{RunID: uuid.NewString()}
	log := p.log.With(zap.String("run_id", result.RunID))

	for _, msg := range messages {
		if len(msg.Attachments) == 0 {
			continue
		}
		result.MessagesSeen++

		if err := p.ingestMessage(ctx, log, msg, result); err != nil {
			return result, err
		}
	}

	p.metrics.Alerts(len(result.Alerts))
	if len(result.Alerts) > 0 && p.notifier != nil {
		body := strings.Join(result.Alerts, "\n")
		if err := p.notifier.Notify(ctx, p.subject, body); err != nil {
			log.Error("sending alert notification", zap.Error(err))
		} else {
			result.Notified = true
		}
	}

	log.Info("ingestion finished",
		zap.Int("messages", result.MessagesSeen),
		zap.Int("committed", result.MessagesCommitted),
		zap.Int("skipped", result.MessagesSkipped),
		zap.Int("failed", result.MessagesFailed),
		zap.Int("rows", result.RowsCommitted),
		zap.Int("alerts", len(result.Alerts)),
		zap.Int("errors", len(result.Errors)))

	return result, nil
}

func (p *Pipeline) ingestMessage(ctx context.Context, log logger.Logger, msg types.Message, result *Result) error {
	log = log.With(zap.String("message_id", msg.ID))

	seen, err := p.dedup.AlreadySeen(ctx, msg.ID)
	if err != nil {
		return errors.Wrapf(err, "dedup check for %s", msg.ID)
	}
	if seen {
		log.Debug("message already ingested")
		result.MessagesSkipped++
		p.metrics.Message(metrics.OutcomeSkipped)
		return nil
	}

	records, parsed := p.extract(log, msg, result)
	if parsed == 0 {
		log.Warn("no attachment produced a parsable report; message left for retry")
		result.MessagesFailed++
		p.metrics.Message(metrics.OutcomeFailed)
		return nil
	}

	now := p.now()
	for i := range records {
		records[i].MessageID = msg.ID
		records[i].ProcessedAt = now
	}

	committed, err := p.commit(ctx, msg.ID, records)
	if err != nil {
		return err
	}
	if !committed {
		result.MessagesSkipped++
		p.metrics.Message(metrics.OutcomeSkipped)
		return nil
	}

	result.MessagesCommitted++
	result.RowsCommitted += len(records)
	p.metrics.Message(metrics.OutcomeCommitted)
	p.metrics.RowsCommitted(len(records))
	result.Alerts = append(result.Alerts, ThresholdAlerts(records, p.threshold)...)

	log.Info("message committed", zap.Int("rows", len(records)), zap.Int("payloads", parsed))
	return nil
}

// extract decodes and parses every attachment of a message. It returns the
// collected records and how many payloads parsed successfully.
func (p *Pipeline) extract(log logger.Logger, msg types.Message, result *Result) ([]types.Record, int) {
	return extractRecords(msg, func(attachment string, err error) {
		p.recordError(log, result, msg.ID, attachment, err)
	})
}

func extractRecords(msg types.Message, onError func(attachment string, err error)) ([]types.Record, int) {
	var records []types.Record
	parsed := 0

	for _, att := range msg.Attachments {
		kind := parser.Classify(att.Filename)
		payloads, err := parser.Decode(att.Filename, att.Data, kind)
		if err != nil {
			onError(att.Filename, err)
			continue
		}

		for i, payload := range payloads {
			agg, err := parser.ParseAggregate(payload)
			if err != nil {
				onError(fmt.Sprintf("%s#%d", att.Filename, i), err)
				continue
			}
			parsed++
			records = append(records, agg.Records...)
		}
	}

	return records, parsed
}

// Preview decodes and parses messages without dedup or commit. Records are
// stamped as they would be on commit.
func Preview(messages []types.Message, now time.Time) ([]types.Record, []types.IngestError) {
	var (
		records []types.Record
		errs    []types.IngestError
	)
	for _, msg := range messages {
		recs, _ := extractRecords(msg, func(attachment string, err error) {
			errs = append(errs, types.IngestError{
				MessageID:  msg.ID,
				Attachment: attachment,
				Kind:       errorKind(err),
				Error:      err.Error(),
			})
		})
		for i := range recs {
			recs[i].MessageID = msg.ID
			recs[i].ProcessedAt = now
		}
		records = append(records, recs...)
	}
	return records, errs
}

// errorKind names the typed decode or parse failure behind err.
func errorKind(err error) string {
	var derr *parser.DecodeError
	var perr *parser.ParseError
	switch {
	case errors.As(err, &derr):
		return string(derr.Kind)
	case errors.As(err, &perr):
		return string(perr.Kind)
	default:
		return "unknown"
	}
}

func (p *Pipeline) recordError(log logger.Logger, result *Result, messageID, attachment string, err error) {
	kind := errorKind(err)
	var derr *parser.DecodeError
	switch {
	case errors.As(err, &derr):
		p.metrics.DecodeError(kind)
	case kind == string(parser.Malformed):
		p.metrics.ParseError()
	}

	log.Warn("skipping attachment",
		zap.String("attachment", attachment),
		zap.String("kind", kind),
		zap.Error(err))

	result.Errors = append(result.Errors, types.IngestError{
		MessageID:  messageID,
		Attachment: attachment,
		Kind:       kind,
		Error:      err.Error(),
	})
}

// commit appends the rows and marks the message seen, in that order.
func (p *Pipeline) commit(ctx context.Context, messageID string, records []types.Record) (bool, error) {
	if c, ok := p.sink.(MessageCommitter); ok {
		committed, err := c.CommitMessage(ctx, messageID, types.ActivePartition, records)
		if err != nil {
			return false, errors.Wrapf(err, "committing %s", messageID)
		}
		return committed, nil
	}

	if err := p.sink.AppendRows(ctx, types.ActivePartition, records); err != nil {
		return false, errors.Wrapf(err, "appending rows for %s", messageID)
	}
	if err := p.dedup.MarkSeen(ctx, messageID); err != nil {
		return false, errors.Wrapf(err, "marking %s seen", messageID)
	}
	return true, nil
}
