package analysis

import (
	"fmt"
	"sort"

	"github.com/kidager/dmarcpipe/pkg/types"
)

// Severity represents the severity level of an insight.
type Severity int

// Insight severity levels.
const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Category represents the category of an insight.
type Category string

// Insight categories.
const (
	CategoryDKIM   Category = "dkim"
	CategorySPF    Category = "spf"
	CategorySource Category = "source"
	CategoryVolume Category = "volume"
)

// Insight thresholds, as percentages of rolled-up rows.
const (
	failRateWarning  = 10.0
	failRateCritical = 50.0
	ipShareWarning   = 50.0
	repeatedIPRows   = 5
	manyFailingIPs   = 5
	healthyRowsFloor = 100
)

// Insight represents a recommendation or finding from the analysis.
type Insight struct {
	Severity    Severity `json:"severity"`
	Category    Category `json:"category"`
	Subject     string   `json:"subject,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Suggestion  string   `json:"suggestion,omitempty"`
}

// InsightsResult contains all insights from the analysis.
type InsightsResult struct {
	Insights      []Insight `json:"insights"`
	CriticalCount int       `json:"critical_count"`
	WarningCount  int       `json:"warning_count"`
	InfoCount     int       `json:"info_count"`
}

// GenerateInsights derives findings from a rollup.
func GenerateInsights(r *types.Rollup) *InsightsResult {
	result := &InsightsResult{}

	if r == nil || r.Rows == 0 {
		result.addInsight(Insight{
			Severity:    SeverityWarning,
			Category:    CategoryVolume,
			Title:       "No report rows found",
			Description: "No DMARC aggregate report rows matched the selected scope and range",
			Suggestion:  "Check that reports are being delivered and ingested",
		})
		result.count()
		return result
	}

	analyzeAuth(result, CategoryDKIM, "DKIM", r.Totals.DKIMFail, r.Rows)
	analyzeAuth(result, CategorySPF, "SPF", r.Totals.SPFFail, r.Rows)
	analyzeSources(result, r)

	if r.Rows >= healthyRowsFloor && r.Totals.DKIMFail == 0 && r.Totals.SPFFail == 0 {
		result.addInsight(Insight{
			Severity:    SeverityInfo,
			Category:    CategoryVolume,
			Title:       "Excellent DMARC compliance",
			Description: fmt.Sprintf("All %d rows passed both DKIM and SPF", r.Rows),
		})
	}

	if len(r.ByOrg) > 0 {
		top := r.ByOrg[0]
		result.addInsight(Insight{
			Severity:    SeverityInfo,
			Category:    CategoryVolume,
			Subject:     top.Key,
			Title:       "Top reporting organization",
			Description: fmt.Sprintf("%s sent %d of %d rows (%.1f%%)", top.Key, top.Count, r.Rows, percent(top.Count, r.Rows)),
		})
	}

	// Sort by severity (critical first)
	sort.SliceStable(result.Insights, func(i, j int) bool {
		return result.Insights[i].Severity > result.Insights[j].Severity
	})

	result.count()
	return result
}

func analyzeAuth(result *InsightsResult, cat Category, name string, failed, rows int) {
	if failed == 0 {
		return
	}
	rate := percent(failed, rows)

	switch {
	case rate > failRateCritical:
		result.addInsight(Insight{
			Severity:    SeverityCritical,
			Category:    cat,
			Title:       fmt.Sprintf("Majority of rows fail %s", name),
			Description: fmt.Sprintf("%.1f%% of rows did not pass %s (%d of %d)", rate, name, failed, rows),
			Suggestion:  suggestionFor(cat),
		})
	case rate > failRateWarning:
		result.addInsight(Insight{
			Severity:    SeverityWarning,
			Category:    cat,
			Title:       fmt.Sprintf("%s failures detected", name),
			Description: fmt.Sprintf("%.1f%% of rows did not pass %s (%d of %d)", rate, name, failed, rows),
			Suggestion:  suggestionFor(cat),
		})
	}
}

func suggestionFor(cat Category) string {
	switch cat {
	case CategoryDKIM:
		return "Check DKIM key rotation and DNS records"
	case CategorySPF:
		return "Review SPF record and authorized senders"
	default:
		return ""
	}
}

func analyzeSources(result *InsightsResult, r *types.Rollup) {
	if len(r.FailingIPs) == 0 {
		return
	}

	failingRows := 0
	for _, ip := range r.FailingIPs {
		failingRows += ip.Count
	}

	top := r.FailingIPs[0]
	share := percent(top.Count, failingRows)
	if top.Count >= repeatedIPRows || (failingRows >= repeatedIPRows && share >= ipShareWarning) {
		result.addInsight(Insight{
			Severity:    SeverityWarning,
			Category:    CategorySource,
			Subject:     top.Key,
			Title:       "Repeated failures from single IP",
			Description: fmt.Sprintf("IP %s accounts for %d failing rows (%.1f%% of failures)", top.Key, top.Count, share),
			Suggestion:  "Investigate if this IP is an authorized sender or potential attacker",
		})
	}

	if len(r.FailingIPs) > manyFailingIPs {
		result.addInsight(Insight{
			Severity:    SeverityWarning,
			Category:    CategorySource,
			Title:       "Multiple IPs failing authentication",
			Description: fmt.Sprintf("Failures reported from %d different source IPs", len(r.FailingIPs)),
			Suggestion:  "This may indicate a spoofing campaign or unauthorized senders",
		})
	}
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

func (r *InsightsResult) addInsight(insight Insight) {
	r.Insights = append(r.Insights, insight)
}

func (r *InsightsResult) count() {
	for _, insight := range r.Insights {
		switch insight.Severity {
		case SeverityCritical:
			r.CriticalCount++
		case SeverityWarning:
			r.WarningCount++
		case SeverityInfo:
			r.InfoCount++
		}
	}
}
