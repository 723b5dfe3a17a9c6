package output

import (
	"encoding/json"
	"time"

	"github.com/kidager/dmarcpipe/internal/analysis"
	"github.com/kidager/dmarcpipe/internal/ingest"
	"github.com/kidager/dmarcpipe/pkg/types"
)

// JSONOutput represents the JSON output of a rollup.
type JSONOutput struct {
	Summary    JSONSummary         `json:"summary"`
	ByOrg      []JSONGroup         `json:"by_org"`
	FailingIPs []JSONGroup         `json:"failing_ips"`
	ByDomain   []JSONGroup         `json:"by_domain"`
	Insights   *JSONInsightsResult `json:"insights,omitempty"`
}

// JSONSummary contains rollup totals.
type JSONSummary struct {
	Scope    string      `json:"scope"`
	Range    *JSONPeriod `json:"range,omitempty"`
	Rows     int         `json:"rows"`
	DKIMPass int         `json:"dkim_pass"`
	DKIMFail int         `json:"dkim_fail"`
	SPFPass  int         `json:"spf_pass"`
	SPFFail  int         `json:"spf_fail"`
	DKIMRate float64     `json:"dkim_pass_rate"`
	SPFRate  float64     `json:"spf_pass_rate"`
}

// JSONPeriod represents a time range.
type JSONPeriod struct {
	Begin string `json:"begin,omitempty"`
	End   string `json:"end,omitempty"`
}

// JSONGroup is one group-by entry.
type JSONGroup struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// JSONInsightsResult contains insights for JSON output.
type JSONInsightsResult struct {
	CriticalCount int           `json:"critical_count"`
	WarningCount  int           `json:"warning_count"`
	InfoCount     int           `json:"info_count"`
	Items         []JSONInsight `json:"items,omitempty"`
}

// JSONInsight represents a single insight in JSON format.
type JSONInsight struct {
	Severity    string `json:"severity"`
	Category    string `json:"category"`
	Subject     string `json:"subject,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion,omitempty"`
}

// JSONIngestResult is the JSON representation of an ingestion run.
type JSONIngestResult struct {
	RunID             string              `json:"run_id"`
	MessagesSeen      int                 `json:"messages_seen"`
	MessagesCommitted int                 `json:"messages_committed"`
	MessagesSkipped   int                 `json:"messages_skipped"`
	MessagesFailed    int                 `json:"messages_failed"`
	RowsCommitted     int                 `json:"rows_committed"`
	Alerts            []string            `json:"alerts,omitempty"`
	Notified          bool                `json:"notified"`
	Errors            []types.IngestError `json:"errors,omitempty"`
}

// RollupJSON converts a rollup and optional insights to a JSON string.
func RollupJSON(r *types.Rollup, insights *analysis.InsightsResult) (string, error) {
	scope := r.Scope
	if scope == "" {
		scope = types.ScopeCurrent
	}

	output := JSONOutput{
		Summary: JSONSummary{
			Scope:    string(scope),
			Rows:     r.Rows,
			DKIMPass: r.Totals.DKIMPass,
			DKIMFail: r.Totals.DKIMFail,
			SPFPass:  r.Totals.SPFPass,
			SPFFail:  r.Totals.SPFFail,
			DKIMRate: calculateRate(r.Totals.DKIMPass, r.Totals.DKIMPass+r.Totals.DKIMFail),
			SPFRate:  calculateRate(r.Totals.SPFPass, r.Totals.SPFPass+r.Totals.SPFFail),
		},
		ByOrg:      convertGroups(r.ByOrg),
		FailingIPs: convertGroups(r.FailingIPs),
		ByDomain:   convertGroups(r.ByDomain),
	}

	if r.Range != nil {
		output.Summary.Range = &JSONPeriod{Begin: formatDate(r.Range.Start), End: formatDate(r.Range.End)}
	}

	if insights != nil && len(insights.Insights) > 0 {
		output.Insights = &JSONInsightsResult{
			CriticalCount: insights.CriticalCount,
			WarningCount:  insights.WarningCount,
			InfoCount:     insights.InfoCount,
		}
		for _, i := range insights.Insights {
			output.Insights.Items = append(output.Insights.Items, JSONInsight{
				Severity:    i.Severity.String(),
				Category:    string(i.Category),
				Subject:     i.Subject,
				Title:       i.Title,
				Description: i.Description,
				Suggestion:  i.Suggestion,
			})
		}
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// IngestJSON converts an ingestion result to a JSON string.
func IngestJSON(res *ingest.Result) (string, error) {
	data, err := json.MarshalIndent(JSONIngestResult{
		RunID:             res.RunID,
		MessagesSeen:      res.MessagesSeen,
		MessagesCommitted: res.MessagesCommitted,
		MessagesSkipped:   res.MessagesSkipped,
		MessagesFailed:    res.MessagesFailed,
		RowsCommitted:     res.RowsCommitted,
		Alerts:            res.Alerts,
		Notified:          res.Notified,
		Errors:            res.Errors,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func convertGroups(groups []types.GroupCount) []JSONGroup {
	out := make([]JSONGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, JSONGroup{Key: g.Key, Count: g.Count})
	}
	return out
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

func calculateRate(success, total int) float64 {
	if total == 0 {
		return 100.0
	}
	return float64(success) / float64(total) * 100
}

func calculateShare(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}
