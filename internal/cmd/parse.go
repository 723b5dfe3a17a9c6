package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kidager/dmarcpipe/internal/analysis"
	"github.com/kidager/dmarcpipe/internal/inbox"
	"github.com/kidager/dmarcpipe/internal/ingest"
	"github.com/kidager/dmarcpipe/internal/output"
	"github.com/kidager/dmarcpipe/pkg/types"
)

var (
	filterDomain string
	filterStatus string
	filterIP     string

	parseDetailed bool
	parseJSON     bool
	parseInsights bool
)

var parseCmd = &cobra.Command{
	Use:   "parse [files or directories...]",
	Short: "Parse report files without storing them",
	Long: `Decode and parse one or more report files or directories of reports and
print the rollup. Nothing is committed and no dedup state is touched.

Examples:
  dmarcpipe parse report.xml
  dmarcpipe parse ./reports/
  dmarcpipe parse message.eml report.xml.gz ./more-reports/
  dmarcpipe parse ./reports --json
  dmarcpipe parse ./reports --domain example.com --status fail`,
	Args: cobra.MinimumNArgs(1),
	RunE: runParse,
}

func init() {
	rootCmd.AddCommand(parseCmd)

	parseCmd.Flags().BoolVarP(&parseDetailed, "detailed", "d", false, "Show insight suggestions")
	parseCmd.Flags().BoolVarP(&parseInsights, "insights", "i", true, "Show insights and recommendations")
	parseCmd.Flags().BoolVar(&parseJSON, "json", false, "Output results as JSON")
	parseCmd.Flags().StringVar(&filterDomain, "domain", "", "Filter rows by domain")
	parseCmd.Flags().StringVar(&filterStatus, "status", "", "Filter by status (pass, fail)")
	parseCmd.Flags().StringVar(&filterIP, "ip", "", "Filter by source IP")
}

func runParse(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args)
	if err != nil {
		return err
	}

	var messages []types.Message
	for _, file := range files {
		msg, ok, err := inbox.ReadFile(file)
		if err != nil {
			log.Warnf("skipping %s: %v", file, err)
			continue
		}
		if ok {
			messages = append(messages, msg)
		}
	}
	if len(messages) == 0 {
		return fmt.Errorf("no report files found")
	}

	records, parseErrs := ingest.Preview(messages, time.Now().UTC())
	records = applyFilters(records)

	rollup := analysis.Rollup(records, nil)
	var insights *analysis.InsightsResult
	if parseInsights {
		insights = analysis.GenerateInsights(rollup)
	}

	out := cmd.OutOrStdout()
	if parseJSON {
		jsonStr, err := output.RollupJSON(rollup, insights)
		if err != nil {
			return fmt.Errorf("generating JSON: %w", err)
		}
		fmt.Fprintln(out, jsonStr)
	} else {
		fmt.Fprint(out, output.RollupTable(rollup, 0))
		if insights != nil && len(insights.Insights) > 0 {
			fmt.Fprint(out, output.InsightsOutput(insights, parseDetailed))
		}
	}

	for _, e := range parseErrs {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s: %s\n", e.MessageID, e.Attachment, e.Error)
	}
	return nil
}

// collectFiles expands directories into the regular files beneath them.
func collectFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("accessing %s: %w", arg, err)
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}

		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking directory %s: %w", arg, err)
		}
	}
	return files, nil
}

func applyFilters(records []types.Record) []types.Record {
	if filterDomain == "" && filterStatus == "" && filterIP == "" {
		return records
	}

	filtered := records[:0:0]
	for _, r := range records {
		if filterDomain != "" && r.Domain != filterDomain {
			continue
		}
		if filterIP != "" && r.SourceIP != filterIP {
			continue
		}
		switch filterStatus {
		case "pass":
			if !r.FullyPassed() {
				continue
			}
		case "fail":
			if r.FullyPassed() {
				continue
			}
		}
		filtered = append(filtered, r)
	}
	return filtered
}
