package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kidager/dmarcpipe/internal/config"
	"github.com/kidager/dmarcpipe/internal/logger"
)

var (
	configPath string
	dbDriver   string
	dbDSN      string
	logLevel   string

	cfg *config.Config
	log logger.Logger = logger.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "dmarcpipe",
	Short: "DMARC aggregate report ingestion pipeline",
	Long: `dmarcpipe ingests DMARC aggregate (RUA) reports delivered as email
attachments, stores one row per report record, enriches rows with a source
country and failure reason, and keeps monthly archives under a retention policy.

Supported attachments:
  .xml, .xml.gz, .gz, .zip    DMARC RUA reports

Example:
  dmarcpipe ingest --inbox ./inbox
  dmarcpipe report --scope all --json
  dmarcpipe rotate && dmarcpipe purge
  dmarcpipe serve`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return setup(cmd)
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		_ = log.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file overlaying environment settings")
	rootCmd.PersistentFlags().StringVar(&dbDriver, "db-driver", "", "Database driver (sqlite, postgres)")
	rootCmd.PersistentFlags().StringVar(&dbDSN, "db", "", "Database DSN (sqlite path or postgres connection string)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// setup loads configuration, applies flag overrides and builds the logger.
func setup(cmd *cobra.Command) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("db-driver") {
		loaded.Database.Driver = dbDriver
	}
	if flags.Changed("db") {
		loaded.Database.DSN = dbDSN
	}
	if flags.Changed("log-level") {
		loaded.Logger.LogLevel = logLevel
	}

	if err := loaded.Validate(); err != nil {
		return err
	}

	appLogger := logger.NewAppLogger(loaded.Logger)
	appLogger.InitLogger()

	cfg = loaded
	log = appLogger
	return nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
