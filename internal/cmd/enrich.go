package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kidager/dmarcpipe/internal/output"
	"github.com/kidager/dmarcpipe/pkg/types"
)

var enrichPartition string

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Fill country and failure reason on stored rows",
	Long: `Enrich rows of a partition that still lack a country or failure reason.

Countries are resolved once per unique source IP through the in-memory cache,
the persistent cache and finally the rate-limited geolocation service.

Examples:
  dmarcpipe enrich
  dmarcpipe enrich --partition 2025-05`,
	Args: cobra.NoArgs,
	RunE: runEnrich,
}

func init() {
	rootCmd.AddCommand(enrichCmd)

	enrichCmd.Flags().StringVarP(&enrichPartition, "partition", "p", types.ActivePartition, "Partition to enrich (active or YYYY-MM)")
}

func runEnrich(cmd *cobra.Command, _ []string) error {
	a, err := openApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.engine()
	if err != nil {
		return err
	}

	stats, err := e.EnrichPartition(cmd.Context(), a.store, enrichPartition)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), output.EnrichSummary(stats))
	return nil
}
