package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kidager/dmarcpipe/internal/analysis"
	"github.com/kidager/dmarcpipe/internal/output"
	"github.com/kidager/dmarcpipe/pkg/types"
)

const dateLayout = "2006-01-02"

var (
	reportScope    string
	reportFrom     string
	reportTo       string
	reportLimit    int
	reportDetailed bool
	reportJSON     bool
	reportInsights bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarise stored report rows",
	Long: `Roll up stored rows by reporting organization, failing source IP and
domain, with DKIM and SPF pass/fail totals and insights.

Examples:
  dmarcpipe report
  dmarcpipe report --scope all
  dmarcpipe report --from 2025-06-01 --to 2025-06-15 --json
  dmarcpipe report --detailed --limit 0`,
	Args: cobra.NoArgs,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().StringVarP(&reportScope, "scope", "s", string(types.ScopeCurrent), "Partitions to read (current, all)")
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "Only rows processed on or after this date (YYYY-MM-DD)")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "Only rows processed on or before this date (YYYY-MM-DD)")
	reportCmd.Flags().IntVarP(&reportLimit, "limit", "n", 10, "Rows per group table (0 for all)")
	reportCmd.Flags().BoolVarP(&reportDetailed, "detailed", "d", false, "Show insight suggestions")
	reportCmd.Flags().BoolVarP(&reportInsights, "insights", "i", true, "Show insights and recommendations")
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Output results as JSON")
}

func runReport(cmd *cobra.Command, _ []string) error {
	rng, err := parseDateRange(reportFrom, reportTo, time.UTC)
	if err != nil {
		return err
	}

	a, err := openApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	rollup, err := analysis.RollupScope(cmd.Context(), a.store, types.Scope(reportScope), rng)
	if err != nil {
		return err
	}

	var insights *analysis.InsightsResult
	if reportInsights {
		insights = analysis.GenerateInsights(rollup)
	}

	out := cmd.OutOrStdout()
	if reportJSON {
		jsonStr, err := output.RollupJSON(rollup, insights)
		if err != nil {
			return fmt.Errorf("generating JSON: %w", err)
		}
		fmt.Fprintln(out, jsonStr)
		return nil
	}

	fmt.Fprint(out, output.RollupTable(rollup, reportLimit))
	if insights != nil && len(insights.Insights) > 0 {
		fmt.Fprint(out, output.InsightsOutput(insights, reportDetailed))
	}
	return nil
}

// parseDateRange builds an inclusive range from optional YYYY-MM-DD bounds.
// The end date covers its whole day.
func parseDateRange(from, to string, loc *time.Location) (*types.DateRange, error) {
	if from == "" && to == "" {
		return nil, nil
	}

	rng := &types.DateRange{}
	if from != "" {
		t, err := time.ParseInLocation(dateLayout, from, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid --from date %q: %w", from, err)
		}
		rng.Start = t
	}
	if to != "" {
		t, err := time.ParseInLocation(dateLayout, to, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid --to date %q: %w", to, err)
		}
		rng.End = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	if !rng.Start.IsZero() && !rng.End.IsZero() && rng.End.Before(rng.Start) {
		return nil, fmt.Errorf("--to %s is before --from %s", to, from)
	}
	return rng, nil
}
