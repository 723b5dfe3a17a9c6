// Package output provides formatted output for rollups, runs and exports.
package output

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kidager/dmarcpipe/internal/analysis"
	"github.com/kidager/dmarcpipe/internal/enrich"
	"github.com/kidager/dmarcpipe/internal/ingest"
	"github.com/kidager/dmarcpipe/internal/partition"
	"github.com/kidager/dmarcpipe/pkg/types"
)

// Styles for terminal output.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("240")).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().
			Padding(0, 1)

	passStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("14")).
			MarginTop(1).
			MarginBottom(1)

	criticalStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("9"))

	warningStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("11"))

	infoStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	insightTitleStyle = lipgloss.NewStyle().
				Bold(true)

	insightDescStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("250"))

	suggestionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")).
			Italic(true)
)

// groupWidths are the column widths of a group-by table.
var groupWidths = []int{40, 10, 10}

// RollupTable renders a rollup as styled terminal output. limit caps the rows
// of each group-by table; zero shows all.
func RollupTable(r *types.Rollup, limit int) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("DMARC Rollup"))
	sb.WriteString("\n\n")

	scope := string(r.Scope)
	if scope == "" {
		scope = string(types.ScopeCurrent)
	}
	sb.WriteString(fmt.Sprintf("Scope %s, %s rows", passStyle.Render(scope), passStyle.Render(fmt.Sprintf("%d", r.Rows))))
	if r.Range != nil {
		sb.WriteString(mutedStyle.Render(fmt.Sprintf("  (%s)", formatRange(*r.Range))))
	}
	sb.WriteString("\n")

	sb.WriteString("\n")
	sb.WriteString(sectionStyle.Render("Authentication"))
	sb.WriteString("\n")
	sb.WriteString(renderTotals(r.Totals))

	sections := []struct {
		title  string
		header string
		groups []types.GroupCount
	}{
		{"Rows by Reporting Organization", "Organization", r.ByOrg},
		{"Failing Source IPs", "Source IP", r.FailingIPs},
		{"Rows by Domain", "Domain", r.ByDomain},
	}
	for _, s := range sections {
		if len(s.groups) == 0 {
			continue
		}
		sb.WriteString("\n")
		sb.WriteString(sectionStyle.Render(s.title))
		sb.WriteString("\n")
		sb.WriteString(renderGroupTable(s.header, s.groups, r.Rows, limit))
	}

	return sb.String()
}

func renderTotals(t types.AuthTotals) string {
	var sb strings.Builder
	sb.WriteString(renderTableRow([]string{"Mechanism", "Pass", "Fail", "Rate"}, []int{20, 10, 10, 10}, true))
	sb.WriteString("\n")
	for _, row := range []struct {
		name       string
		pass, fail int
	}{
		{"DKIM", t.DKIMPass, t.DKIMFail},
		{"SPF", t.SPFPass, t.SPFFail},
	} {
		cells := []string{
			row.name,
			passStyle.Render(fmt.Sprintf("%d", row.pass)),
			formatFailCount(row.fail),
			formatRate(calculateRate(row.pass, row.pass+row.fail)),
		}
		sb.WriteString(renderTableRow(cells, []int{20, 10, 10, 10}, false))
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderGroupTable(header string, groups []types.GroupCount, total, limit int) string {
	var sb strings.Builder

	sb.WriteString(renderTableRow([]string{header, "Rows", "Share"}, groupWidths, true))
	sb.WriteString("\n")

	shown := groups
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}
	for _, g := range shown {
		key := g.Key
		if key == "" {
			key = mutedStyle.Render("(empty)")
		}
		share := fmt.Sprintf("%.1f%%", calculateShare(g.Count, total))
		sb.WriteString(renderTableRow([]string{key, fmt.Sprintf("%d", g.Count), share}, groupWidths, false))
		sb.WriteString("\n")
	}
	if len(shown) < len(groups) {
		sb.WriteString(mutedStyle.Render(fmt.Sprintf("  ... %d more", len(groups)-len(shown))))
		sb.WriteString("\n")
	}

	return sb.String()
}

// IngestSummary renders the outcome of an ingestion run.
func IngestSummary(res *ingest.Result) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("DMARC Ingestion"))
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("Processed %d messages: %s committed, %s skipped, %s failed, %s rows\n",
		res.MessagesSeen,
		passStyle.Render(fmt.Sprintf("%d", res.MessagesCommitted)),
		mutedStyle.Render(fmt.Sprintf("%d", res.MessagesSkipped)),
		formatFailCount(res.MessagesFailed),
		passStyle.Render(fmt.Sprintf("%d", res.RowsCommitted))))

	if len(res.Alerts) > 0 {
		sb.WriteString("\n")
		sb.WriteString(warningStyle.Render(fmt.Sprintf("Alerts (%d):", len(res.Alerts))))
		sb.WriteString("\n")
		for _, a := range res.Alerts {
			sb.WriteString(fmt.Sprintf("  %s\n", warnStyle.Render(a)))
		}
	}

	if len(res.Errors) > 0 {
		sb.WriteString("\n")
		sb.WriteString(errorStyle.Render(fmt.Sprintf("Errors (%d):", len(res.Errors))))
		sb.WriteString("\n")
		for _, e := range res.Errors {
			sb.WriteString(fmt.Sprintf("  %s %s\n",
				mutedStyle.Render(e.MessageID+" "+e.Attachment+":"),
				failStyle.Render(e.Error)))
		}
	}

	return sb.String()
}

// EnrichSummary renders the outcome of an enrichment pass.
func EnrichSummary(st enrich.Stats) string {
	var sb strings.Builder

	sb.WriteString(sectionStyle.Render("Enrichment"))
	sb.WriteString("\n")
	if st.Rows == 0 {
		sb.WriteString(mutedStyle.Render("Nothing to enrich"))
		sb.WriteString("\n")
		return sb.String()
	}
	sb.WriteString(fmt.Sprintf("  %d rows updated: %s resolved, %s unknown, %d reasons\n",
		st.Rows,
		passStyle.Render(fmt.Sprintf("%d", st.Resolved)),
		warnStyle.Render(fmt.Sprintf("%d", st.Unknown)),
		st.Reasons))
	sb.WriteString(mutedStyle.Render(fmt.Sprintf("  %d lookups, %d cache hits, %d failed lookups",
		st.Lookups, st.CacheHits, st.Failures)))
	sb.WriteString("\n")

	return sb.String()
}

// MaintenanceSummary renders a rotation and purge outcome.
func MaintenanceSummary(rot *partition.RotationReport, purge *partition.PurgeReport) string {
	var sb strings.Builder

	if rot != nil {
		sb.WriteString(sectionStyle.Render("Rotation"))
		sb.WriteString("\n")
		if len(rot.Moves) == 0 {
			sb.WriteString(mutedStyle.Render("Nothing to rotate"))
			sb.WriteString("\n")
		}
		for _, m := range rot.Moves {
			sb.WriteString(fmt.Sprintf("  %s %d rows\n", passStyle.Render(m.Partition), m.Rows))
		}
	}

	if purge != nil {
		sb.WriteString(sectionStyle.Render("Retention"))
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("  cutoff %s, %s active rows deleted\n",
			purge.Cutoff.Format("2006-01-02"), formatFailCount(purge.ActiveRows)))
		if len(purge.DroppedPartitions) > 0 {
			sb.WriteString(fmt.Sprintf("  dropped %s (%d rows)\n",
				strings.Join(purge.DroppedPartitions, ", "), purge.ArchivedRows))
		}
	}

	return sb.String()
}

func renderTableRow(cells []string, widths []int, isHeader bool) string {
	var parts []string

	for i, cell := range cells {
		width := 15
		if i < len(widths) {
			width = widths[i]
		}

		// Use lipgloss.Width to get visual width (ignores ANSI codes)
		visualWidth := lipgloss.Width(cell)

		padded := cell
		if visualWidth < width {
			padded = cell + strings.Repeat(" ", width-visualWidth)
		} else if visualWidth > width {
			stripped := stripANSI(cell)
			if len(stripped) > width-3 {
				padded = stripped[:width-3] + "..."
			}
		}

		if isHeader {
			parts = append(parts, headerStyle.Render(padded))
		} else {
			parts = append(parts, cellStyle.Render(padded))
		}
	}

	return strings.Join(parts, "")
}

func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false
	for _, r := range s {
		if r == '\x1b' {
			inEscape = true
			continue
		}
		if inEscape {
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		result.WriteRune(r)
	}
	return result.String()
}

func formatRange(r types.DateRange) string {
	start, end := "-", "-"
	if !r.Start.IsZero() {
		start = r.Start.Format("2006-01-02")
	}
	if !r.End.IsZero() {
		end = r.End.Format("2006-01-02")
	}
	return start + " to " + end
}

func formatRate(rate float64) string {
	rateStr := fmt.Sprintf("%.1f%%", rate)
	if rate >= 99 {
		return passStyle.Render(rateStr)
	} else if rate >= 90 {
		return warnStyle.Render(rateStr)
	}
	return failStyle.Render(rateStr)
}

func formatFailCount(count int) string {
	if count == 0 {
		return mutedStyle.Render("0")
	}
	return failStyle.Render(fmt.Sprintf("%d", count))
}

// InsightsOutput renders insights.
func InsightsOutput(insights *analysis.InsightsResult, detailed bool) string {
	if insights == nil || len(insights.Insights) == 0 {
		return ""
	}

	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString(sectionStyle.Render("Insights"))
	sb.WriteString("\n\n")

	summaryParts := []string{}
	if insights.CriticalCount > 0 {
		summaryParts = append(summaryParts, criticalStyle.Render(fmt.Sprintf("%d critical", insights.CriticalCount)))
	}
	if insights.WarningCount > 0 {
		summaryParts = append(summaryParts, warningStyle.Render(fmt.Sprintf("%d warnings", insights.WarningCount)))
	}
	if insights.InfoCount > 0 {
		summaryParts = append(summaryParts, infoStyle.Render(fmt.Sprintf("%d info", insights.InfoCount)))
	}
	sb.WriteString(fmt.Sprintf("Found %s", strings.Join(summaryParts, ", ")))

	if !detailed {
		sb.WriteString(mutedStyle.Render("  (use --detailed for recommendations)"))
		sb.WriteString("\n")
		return sb.String()
	}

	sb.WriteString("\n\n")
	for _, insight := range insights.Insights {
		sb.WriteString(renderInsight(insight))
	}

	return sb.String()
}

func renderInsight(i analysis.Insight) string {
	var sb strings.Builder

	var severityIndicator string
	switch i.Severity {
	case analysis.SeverityCritical:
		severityIndicator = criticalStyle.Render("[CRITICAL]")
	case analysis.SeverityWarning:
		severityIndicator = warningStyle.Render("[WARNING]")
	case analysis.SeverityInfo:
		severityIndicator = infoStyle.Render("[INFO]")
	}

	subject := ""
	if i.Subject != "" {
		subject = mutedStyle.Render(fmt.Sprintf(" (%s)", i.Subject))
	}

	sb.WriteString(fmt.Sprintf("%s %s%s\n", severityIndicator, insightTitleStyle.Render(i.Title), subject))
	sb.WriteString(fmt.Sprintf("  %s\n", insightDescStyle.Render(i.Description)))

	if i.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  %s %s\n", mutedStyle.Render("->"), suggestionStyle.Render(i.Suggestion)))
	}

	sb.WriteString("\n")
	return sb.String()
}
