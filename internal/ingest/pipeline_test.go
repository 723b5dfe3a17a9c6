package ingest

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidager/dmarcpipe/internal/store"
	"github.com/kidager/dmarcpipe/pkg/types"
)

var fixedNow = time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC)

type memSink struct {
	rows      map[string][]types.Record
	seen      map[string]bool
	appendErr error
	marks     int
}

func newMemSink() *memSink {
	return &memSink{rows: map[string][]types.Record{}, seen: map[string]bool{}}
}

func (m *memSink) AppendRows(_ context.Context, partition string, rows []types.Record) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.rows[partition] = append(m.rows[partition], rows...)
	return nil
}

func (m *memSink) AlreadySeen(_ context.Context, id string) (bool, error) {
	return m.seen[id], nil
}

func (m *memSink) MarkSeen(_ context.Context, id string) error {
	m.seen[id] = true
	m.marks++
	return nil
}

type recordingNotifier struct {
	calls []string
}

func (n *recordingNotifier) Notify(_ context.Context, subject, body string) error {
	n.calls = append(n.calls, subject+"\n"+body)
	return nil
}

func reportXML(org string, rows ...string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<?xml version="1.0"?><feedback><report_metadata><org_name>%s</org_name></report_metadata>`, org)
	for _, r := range rows {
		buf.WriteString(r)
	}
	buf.WriteString(`</feedback>`)
	return buf.Bytes()
}

func recordXML(ip string, count int, dkim, spf string) string {
	return fmt.Sprintf(`<record><row><source_ip>%s</source_ip><count>%d</count>`+
		`<policy_evaluated><disposition>none</disposition><dkim>%s</dkim><spf>%s</spf></policy_evaluated></row>`+
		`<identifiers><header_from>example.com</header_from></identifiers></record>`, ip, count, dkim, spf)
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(data)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func newTestPipeline(t *testing.T, sink *memSink, n Notifier) *Pipeline {
	t.Helper()
	p, err := NewPipeline(sink, sink,
		WithNotifier(n),
		WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return p
}

func TestNewPipelineConfigErrors(t *testing.T) {
	_, err := NewPipeline(nil, newMemSink())
	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, MissingSink, cerr.Kind)

	_, err = NewPipeline(newMemSink(), nil)
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, MissingDedup, cerr.Kind)
}

func TestPipelineRun(t *testing.T) {
	t.Run("commits every record of a message", func(t *testing.T) {
		sink := newMemSink()
		p := newTestPipeline(t, sink, nil)

		msg := types.Message{ID: "<m1@example.com>", Attachments: []types.Attachment{
			{Filename: "a.xml", Data: reportXML("google.com", recordXML("1.2.3.4", 1, "pass", "pass"), recordXML("5.6.7.8", 2, "fail", "pass"))},
			{Filename: "b.xml.gz", Data: gzipped(t, reportXML("yahoo.com", recordXML("9.9.9.9", 1, "pass", "pass")))},
		}}

		res, err := p.Run(context.Background(), []types.Message{msg})
		require.NoError(t, err)

		assert.Equal(t, 1, res.MessagesCommitted)
		assert.Equal(t, 3, res.RowsCommitted)
		assert.NotEmpty(t, res.RunID)
		rows := sink.rows[types.ActivePartition]
		require.Len(t, rows, 3)
		for _, r := range rows {
			assert.Equal(t, "<m1@example.com>", r.MessageID)
			assert.Equal(t, fixedNow, r.ProcessedAt)
		}
		assert.Equal(t, "yahoo.com", rows[2].ReportingOrg)
		assert.True(t, sink.seen["<m1@example.com>"])
	})

	t.Run("re-running the same batch adds nothing", func(t *testing.T) {
		sink := newMemSink()
		n := &recordingNotifier{}
		p := newTestPipeline(t, sink, n)

		msgs := []types.Message{{ID: "m1", Attachments: []types.Attachment{
			{Filename: "a.xml", Data: reportXML("google.com", recordXML("1.2.3.4", 5, "fail", "pass"))},
		}}}

		first, err := p.Run(context.Background(), msgs)
		require.NoError(t, err)
		second, err := p.Run(context.Background(), msgs)
		require.NoError(t, err)

		assert.Equal(t, 1, first.MessagesCommitted)
		assert.Equal(t, 0, second.MessagesCommitted)
		assert.Equal(t, 1, second.MessagesSkipped)
		assert.Empty(t, second.Alerts)
		assert.Len(t, sink.rows[types.ActivePartition], 1)
		assert.Len(t, n.calls, 1, "no duplicate alerts")
		assert.Equal(t, 1, sink.marks, "marked seen exactly once")
	})

	t.Run("message with no parsable payload is not marked seen", func(t *testing.T) {
		sink := newMemSink()
		p := newTestPipeline(t, sink, nil)

		msg := types.Message{ID: "bad", Attachments: []types.Attachment{
			{Filename: "a.zip", Data: []byte("not a zip")},
			{Filename: "b.xml", Data: []byte("<html>")},
			{Filename: "c.pdf", Data: []byte("%PDF")},
		}}

		res, err := p.Run(context.Background(), []types.Message{msg})
		require.NoError(t, err)

		assert.Equal(t, 1, res.MessagesFailed)
		assert.False(t, sink.seen["bad"])
		assert.Empty(t, sink.rows[types.ActivePartition])
		require.Len(t, res.Errors, 3)
		assert.Equal(t, "invalid_archive", res.Errors[0].Kind)
		assert.Equal(t, "malformed", res.Errors[1].Kind)
		assert.Equal(t, "unsupported_type", res.Errors[2].Kind)
	})

	t.Run("one good payload commits the message", func(t *testing.T) {
		sink := newMemSink()
		p := newTestPipeline(t, sink, nil)

		msg := types.Message{ID: "mixed", Attachments: []types.Attachment{
			{Filename: "broken.xml.gz", Data: []byte("not gzip")},
			{Filename: "ok.xml", Data: reportXML("google.com", recordXML("1.2.3.4", 1, "pass", "pass"))},
		}}

		res, err := p.Run(context.Background(), []types.Message{msg})
		require.NoError(t, err)
		assert.Equal(t, 1, res.MessagesCommitted)
		assert.Len(t, res.Errors, 1)
		assert.True(t, sink.seen["mixed"])
	})

	t.Run("report with zero records still marks the message", func(t *testing.T) {
		sink := newMemSink()
		p := newTestPipeline(t, sink, nil)

		res, err := p.Run(context.Background(), []types.Message{{ID: "empty", Attachments: []types.Attachment{
			{Filename: "a.xml", Data: reportXML("google.com")},
		}}})
		require.NoError(t, err)
		assert.Equal(t, 1, res.MessagesCommitted)
		assert.Equal(t, 0, res.RowsCommitted)
		assert.True(t, sink.seen["empty"])
	})

	t.Run("messages without attachments are ignored", func(t *testing.T) {
		sink := newMemSink()
		p := newTestPipeline(t, sink, nil)

		res, err := p.Run(context.Background(), []types.Message{{ID: "none"}})
		require.NoError(t, err)
		assert.Equal(t, 0, res.MessagesSeen)
		assert.False(t, sink.seen["none"])
	})

	t.Run("storage failure aborts without marking", func(t *testing.T) {
		sink := newMemSink()
		sink.appendErr = errors.New("disk full")
		p := newTestPipeline(t, sink, nil)

		_, err := p.Run(context.Background(), []types.Message{{ID: "m1", Attachments: []types.Attachment{
			{Filename: "a.xml", Data: reportXML("google.com", recordXML("1.2.3.4", 1, "pass", "pass"))},
		}}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
		assert.False(t, sink.seen["m1"])
	})
}

func TestPipelineAlerts(t *testing.T) {
	t.Run("one notification with every alert line", func(t *testing.T) {
		sink := newMemSink()
		n := &recordingNotifier{}
		p := newTestPipeline(t, sink, n)

		msgs := []types.Message{
			{ID: "m1", Attachments: []types.Attachment{{Filename: "a.xml", Data: reportXML("google.com",
				recordXML("1.2.3.4", 5, "fail", "pass"),
				recordXML("1.2.3.5", 2, "fail", "fail"),
				recordXML("1.2.3.6", 9, "pass", "pass"))}}},
			{ID: "m2", Attachments: []types.Attachment{{Filename: "b.xml", Data: reportXML("yahoo.com",
				recordXML("5.6.7.8", 3, "pass", "fail"))}}},
		}

		res, err := p.Run(context.Background(), msgs)
		require.NoError(t, err)

		want := []string{
			"google.com - IP: 1.2.3.4 failed DKIM/SPF 5 times",
			"yahoo.com - IP: 5.6.7.8 failed DKIM/SPF 3 times",
		}
		assert.Equal(t, want, res.Alerts)
		assert.True(t, res.Notified)
		require.Len(t, n.calls, 1)
		assert.Equal(t, DefaultAlertSubject+"\n"+want[0]+"\n"+want[1], n.calls[0])
	})

	t.Run("no alerts means no notification", func(t *testing.T) {
		sink := newMemSink()
		n := &recordingNotifier{}
		p := newTestPipeline(t, sink, n)

		_, err := p.Run(context.Background(), []types.Message{{ID: "m1", Attachments: []types.Attachment{
			{Filename: "a.xml", Data: reportXML("google.com", recordXML("1.2.3.4", 50, "pass", "pass"))},
		}}})
		require.NoError(t, err)
		assert.Empty(t, n.calls)
	})
}

func TestThresholdAlerts(t *testing.T) {
	records := []types.Record{
		{ReportingOrg: "A", SourceIP: "1.1.1.1", DKIMResult: types.AuthFail, SPFResult: types.AuthPass, Count: 3},
		{ReportingOrg: "A", SourceIP: "1.1.1.2", DKIMResult: types.AuthUnknown, SPFResult: types.AuthUnknown, Count: 10},
		{ReportingOrg: "B", SourceIP: "2.2.2.2", DKIMResult: types.AuthPass, SPFResult: types.AuthFail, Count: 2},
	}

	assert.Equal(t, []string{"A - IP: 1.1.1.1 failed DKIM/SPF 3 times"}, ThresholdAlerts(records, 3))
	assert.Len(t, ThresholdAlerts(records, 2), 2)
	assert.Empty(t, ThresholdAlerts(records, 4))
}

func TestPreview(t *testing.T) {
	msgs := []types.Message{
		{ID: "<m1>", Attachments: []types.Attachment{
			{Filename: "r.xml.gz", Data: gzipped(t, reportXML("google.com",
				recordXML("1.2.3.4", 2, "pass", "pass"),
				recordXML("5.6.7.8", 1, "fail", "fail")))},
			{Filename: "notes.pdf", Data: []byte("x")},
		}},
		{ID: "<m2>", Attachments: []types.Attachment{{Filename: "bad.xml", Data: []byte("<feedback")}}},
	}

	records, errs := Preview(msgs, fixedNow)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, "<m1>", r.MessageID)
		assert.Equal(t, fixedNow, r.ProcessedAt)
	}

	require.Len(t, errs, 2)
	assert.Equal(t, "unsupported_type", errs[0].Kind)
	assert.Equal(t, "<m2>", errs[1].MessageID)
	assert.Equal(t, "malformed", errs[1].Kind)
}

func TestPipelineWithStore(t *testing.T) {
	st, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "dmarc.db"))
	require.NoError(t, err)
	defer st.Close()

	p, err := NewPipeline(st, st, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	msgs := []types.Message{{ID: "m1", Attachments: []types.Attachment{
		{Filename: "a.xml", Data: reportXML("google.com", recordXML("1.2.3.4", 1, "pass", "pass"), recordXML("1.2.3.5", 1, "fail", "pass"))},
	}}}

	res, err := p.Run(context.Background(), msgs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsCommitted)

	res, err = p.Run(context.Background(), msgs)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MessagesSkipped)

	rows, err := st.ReadRows(context.Background(), types.ActivePartition)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
