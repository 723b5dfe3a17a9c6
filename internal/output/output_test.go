package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidager/dmarcpipe/internal/analysis"
	"github.com/kidager/dmarcpipe/internal/enrich"
	"github.com/kidager/dmarcpipe/internal/ingest"
	"github.com/kidager/dmarcpipe/internal/partition"
	"github.com/kidager/dmarcpipe/pkg/types"
)

func sampleRollup() *types.Rollup {
	return &types.Rollup{
		Scope:      types.ScopeAll,
		Rows:       3,
		ByOrg:      []types.GroupCount{{Key: "google.com", Count: 2}, {Key: "yahoo.com", Count: 1}},
		FailingIPs: []types.GroupCount{{Key: "1.2.3.4", Count: 1}, {Key: "5.6.7.8", Count: 1}},
		ByDomain:   []types.GroupCount{{Key: "example.com", Count: 3}},
		Totals:     types.AuthTotals{DKIMPass: 2, DKIMFail: 1, SPFPass: 1, SPFFail: 2},
	}
}

func TestRollupTable(t *testing.T) {
	t.Run("renders every section", func(t *testing.T) {
		output := RollupTable(sampleRollup(), 0)

		assert.Contains(t, output, "DMARC Rollup")
		assert.Contains(t, output, "all")
		assert.Contains(t, output, "google.com")
		assert.Contains(t, output, "5.6.7.8")
		assert.Contains(t, output, "example.com")
		assert.Contains(t, output, "Failing Source IPs")
		assert.Contains(t, output, "66.7%")
	})

	t.Run("limits group rows", func(t *testing.T) {
		output := RollupTable(sampleRollup(), 1)

		assert.Contains(t, output, "google.com")
		assert.NotContains(t, output, "yahoo.com")
		assert.Contains(t, output, "1 more")
	})

	t.Run("omits empty sections", func(t *testing.T) {
		output := RollupTable(&types.Rollup{}, 0)

		assert.Contains(t, output, "current")
		assert.NotContains(t, output, "Failing Source IPs")
	})

	t.Run("shows the range", func(t *testing.T) {
		r := sampleRollup()
		r.Range = &types.DateRange{Start: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
		assert.Contains(t, RollupTable(r, 0), "2025-06-01 to -")
	})
}

func TestRollupJSON(t *testing.T) {
	insights := analysis.GenerateInsights(sampleRollup())
	data, err := RollupJSON(sampleRollup(), insights)
	require.NoError(t, err)

	var parsed JSONOutput
	require.NoError(t, json.Unmarshal([]byte(data), &parsed))

	assert.Equal(t, "all", parsed.Summary.Scope)
	assert.Equal(t, 3, parsed.Summary.Rows)
	assert.Equal(t, 2, parsed.Summary.SPFFail)
	assert.InDelta(t, 66.67, parsed.Summary.DKIMRate, 0.01)
	assert.Equal(t, []JSONGroup{{Key: "google.com", Count: 2}, {Key: "yahoo.com", Count: 1}}, parsed.ByOrg)
	require.NotNil(t, parsed.Insights)
	assert.NotEmpty(t, parsed.Insights.Items)
	assert.Nil(t, parsed.Summary.Range)
}

func TestIngestOutput(t *testing.T) {
	res := &ingest.Result{
		RunID:             "run-1",
		MessagesSeen:      3,
		MessagesCommitted: 1,
		MessagesSkipped:   1,
		MessagesFailed:    1,
		RowsCommitted:     4,
		Alerts:            []string{"google.com - IP: 1.2.3.4 failed DKIM/SPF 5 times"},
		Errors:            []types.IngestError{{MessageID: "m2", Attachment: "a.zip", Kind: "invalid_archive", Error: "decode a.zip: invalid_archive"}},
	}

	table := IngestSummary(res)
	assert.Contains(t, table, "Processed 3 messages")
	assert.Contains(t, table, "failed DKIM/SPF 5 times")
	assert.Contains(t, table, "Errors (1):")

	data, err := IngestJSON(res)
	require.NoError(t, err)
	assert.Contains(t, data, `"run_id": "run-1"`)
	assert.Contains(t, data, `"kind": "invalid_archive"`)
}

func TestMaintenanceSummary(t *testing.T) {
	output := MaintenanceSummary(
		&partition.RotationReport{Moves: []partition.ArchiveMove{{Partition: "2025-05", Rows: 4}}, Rows: 4},
		&partition.PurgeReport{Cutoff: time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC), ActiveRows: 2, DroppedPartitions: []string{"2023-01"}, ArchivedRows: 7},
	)

	assert.Contains(t, output, "2025-05")
	assert.Contains(t, output, "cutoff 2024-06-15")
	assert.Contains(t, output, "dropped 2023-01 (7 rows)")

	assert.Contains(t, MaintenanceSummary(&partition.RotationReport{}, nil), "Nothing to rotate")
}

func TestEnrichSummary(t *testing.T) {
	output := stripANSI(EnrichSummary(enrich.Stats{Rows: 5, Reasons: 2, Resolved: 4, Unknown: 1, Lookups: 3, CacheHits: 1, Failures: 1}))
	assert.Contains(t, output, "5 rows updated: 4 resolved, 1 unknown, 2 reasons")
	assert.Contains(t, output, "3 lookups, 1 cache hits, 1 failed lookups")

	assert.Contains(t, EnrichSummary(enrich.Stats{}), "Nothing to enrich")
}

func TestInsightsOutput(t *testing.T) {
	insights := &analysis.InsightsResult{
		Insights: []analysis.Insight{
			{Severity: analysis.SeverityCritical, Category: analysis.CategoryDKIM, Title: "Majority of rows fail DKIM", Description: "66.7% of rows did not pass DKIM", Suggestion: "Check DKIM key rotation and DNS records"},
			{Severity: analysis.SeverityWarning, Category: analysis.CategorySource, Subject: "6.6.6.6", Title: "Repeated failures from single IP", Description: "IP 6.6.6.6"},
		},
		CriticalCount: 1,
		WarningCount:  1,
	}

	t.Run("summary only", func(t *testing.T) {
		output := InsightsOutput(insights, false)
		assert.Contains(t, output, "1 critical")
		assert.Contains(t, output, "1 warnings")
		assert.Contains(t, output, "--detailed")
		assert.NotContains(t, output, "Majority of rows fail DKIM")
	})

	t.Run("detailed", func(t *testing.T) {
		output := InsightsOutput(insights, true)
		assert.Contains(t, output, "[CRITICAL]")
		assert.Contains(t, output, "(6.6.6.6)")
		assert.Contains(t, output, "Check DKIM key rotation")
	})

	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, InsightsOutput(&analysis.InsightsResult{}, true))
		assert.Empty(t, InsightsOutput(nil, true))
	})
}

func TestWriteCSV(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	rows := []types.Record{
		{
			MessageID: "<m1@example.com>", ReportingOrg: `Acme "Mail"`, SourceIP: "1.2.3.4",
			Disposition: types.DispositionReject, DKIMResult: types.AuthFail, SPFResult: types.AuthPass,
			Domain: "example.com", HeaderFrom: "example.com", Count: 5,
			ProcessedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), Country: "Germany",
			FailureReason: "DKIM failed. Message rejected.",
		},
		{MessageID: "old", ProcessedAt: time.Date(2025, 5, 31, 23, 59, 59, 0, time.UTC)},
		{MessageID: "next", ProcessedAt: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)},
	}

	var buf bytes.Buffer
	n, err := WriteCSV(&buf, rows, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\r\n"), "\r\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `"messageId","reportingOrg","sourceIp","disposition","dkimResult","spfResult","domain","headerFrom","count","processedAt","country","failureReason"`, lines[0])
	assert.Equal(t, `"<m1@example.com>","Acme ""Mail""","1.2.3.4","reject","fail","pass","example.com","example.com","5","2025-06-01T00:00:00Z","Germany","DKIM failed. Message rejected."`, lines[1])

	assert.Equal(t, "dmarc-2025-06.csv", ExportFilename(now))
}
