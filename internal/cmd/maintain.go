package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kidager/dmarcpipe/internal/output"
)

var includeArchives bool

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Move previous months' rows into monthly archives",
	Long: `Relocate every active row processed before the current month into its
YYYY-MM archive partition. Run once at the start of each month; a late run
catches up on every missed month.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.manager(false).Rotate(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), output.MaintenanceSummary(&report, nil))
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete active rows older than the retention window",
	Long: `Delete active rows whose processedAt is before now minus the retention
window (DMARC_RETENTION_MONTHS). Archived partitions are kept unless
--include-archives is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()

		purgeArchives := a.cfg.Retention.PurgeArchives
		if cmd.Flags().Changed("include-archives") {
			purgeArchives = includeArchives
		}

		report, err := a.manager(purgeArchives).Purge(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), output.MaintenanceSummary(nil, &report))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(purgeCmd)

	purgeCmd.Flags().BoolVar(&includeArchives, "include-archives", false, "Also drop archived months ending before the cutoff")
}
