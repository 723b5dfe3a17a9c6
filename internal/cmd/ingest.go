package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kidager/dmarcpipe/internal/output"
)

var (
	inboxDir     string
	processedDir string
	skipEnrich   bool
	ingestJSON   bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest report messages from the inbox",
	Long: `Scan the inbox directory for .eml messages and loose report attachments,
commit every new message's records to the active partition exactly once, alert
on rows failing at or above the threshold, then enrich the active partition.

Committed files are moved to the processed directory when one is configured.

Examples:
  dmarcpipe ingest
  dmarcpipe ingest --inbox ./inbox --processed ./done
  dmarcpipe ingest --no-enrich --json`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVar(&inboxDir, "inbox", "", "Inbox directory (default from DMARC_INBOX_DIR)")
	ingestCmd.Flags().StringVar(&processedDir, "processed", "", "Directory receiving committed files (default from DMARC_PROCESSED_DIR)")
	ingestCmd.Flags().BoolVar(&skipEnrich, "no-enrich", false, "Skip geolocation and failure reason enrichment")
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "Output the run summary as JSON")
}

func runIngest(cmd *cobra.Command, _ []string) error {
	a, err := openApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	dir := a.cfg.Ingest.InboxDir
	if inboxDir != "" {
		dir = inboxDir
	}
	done := a.cfg.Ingest.ProcessedDir
	if processedDir != "" {
		done = processedDir
	}

	result, stats, err := a.ingestCycle(cmd.Context(), dir, done, !skipEnrich)
	if result == nil {
		return err
	}

	out := cmd.OutOrStdout()
	if ingestJSON {
		jsonStr, jerr := output.IngestJSON(result)
		if jerr != nil {
			return fmt.Errorf("generating JSON: %w", jerr)
		}
		fmt.Fprintln(out, jsonStr)
	} else {
		fmt.Fprint(out, output.IngestSummary(result))
		if stats != nil {
			fmt.Fprint(out, output.EnrichSummary(*stats))
		}
	}
	return err
}
