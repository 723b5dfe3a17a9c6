package cmd

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kidager/dmarcpipe/internal/output"
	"github.com/kidager/dmarcpipe/internal/storage"
	"github.com/kidager/dmarcpipe/pkg/types"
)

var (
	exportOut    string
	exportUpload bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export this month's rows as CSV",
	Long: `Write the active partition's rows processed in the current calendar month
as CSV. The file is named dmarc-YYYY-MM.csv unless --out is given; use
--out - for stdout. --s3 also uploads the file to the configured bucket.

Examples:
  dmarcpipe export
  dmarcpipe export --out - | head
  dmarcpipe export --s3`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (- for stdout)")
	exportCmd.Flags().BoolVar(&exportUpload, "s3", false, "Upload the export to S3 (DMARC_S3_BUCKET)")
}

func runExport(cmd *cobra.Command, _ []string) error {
	a, err := openApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now().UTC()
	rows, err := a.store.ReadRows(cmd.Context(), types.ActivePartition)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	n, err := output.WriteCSV(&buf, rows, now)
	if err != nil {
		return fmt.Errorf("writing CSV: %w", err)
	}

	name := output.ExportFilename(now)
	switch exportOut {
	case "-":
		if _, err := cmd.OutOrStdout().Write(buf.Bytes()); err != nil {
			return err
		}
	default:
		path := exportOut
		if path == "" {
			path = name
		}
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		a.log.Info("export written", zap.String("file", path), zap.Int("rows", n))
		fmt.Fprintf(cmd.ErrOrStderr(), "%d rows written to %s\n", n, path)
	}

	if !exportUpload {
		return nil
	}

	s3cfg := a.cfg.S3
	exporter, err := storage.NewS3Exporter(storage.S3Config{
		Bucket:   s3cfg.Bucket,
		Region:   s3cfg.Region,
		Prefix:   s3cfg.Prefix,
		Endpoint: s3cfg.Endpoint,
	}, a.log)
	if err != nil {
		return err
	}
	location, err := exporter.Upload(cmd.Context(), name, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "uploaded to %s\n", location)
	return nil
}
