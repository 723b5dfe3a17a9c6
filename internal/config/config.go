// Package config loads dmarcpipe configuration from the environment, an
// optional .env file and an optional YAML file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/kidager/dmarcpipe/internal/ingest"
	"github.com/kidager/dmarcpipe/internal/logger"
)

type DatabaseConfig struct {
	Driver string `env:"DMARC_DB_DRIVER" envDefault:"sqlite" yaml:"driver"`
	DSN    string `env:"DMARC_DB_DSN" envDefault:"dmarcpipe.db" yaml:"dsn"`
}

type IngestConfig struct {
	InboxDir          string `env:"DMARC_INBOX_DIR" envDefault:"inbox" yaml:"inbox_dir"`
	ProcessedDir      string `env:"DMARC_PROCESSED_DIR" yaml:"processed_dir"`
	ThresholdFailures int    `env:"DMARC_THRESHOLD_FAILURES" envDefault:"3" yaml:"threshold_failures"`
	LabelPending      string `env:"DMARC_LABEL_PENDING" envDefault:"DMARC/Pending" yaml:"label_pending"`
	LabelProcessed    string `env:"DMARC_LABEL_PROCESSED" envDefault:"DMARC/Processed" yaml:"label_processed"`
	AlertSubject      string `env:"DMARC_ALERT_SUBJECT" yaml:"alert_subject"`
}

type RetentionConfig struct {
	Months        int  `env:"DMARC_RETENTION_MONTHS" envDefault:"12" yaml:"months"`
	PurgeArchives bool `env:"DMARC_PURGE_ARCHIVES" envDefault:"false" yaml:"purge_archives"`
}

type GeoConfig struct {
	URL           string        `env:"DMARC_GEO_URL" envDefault:"http://ip-api.com/json/" yaml:"url"`
	Timeout       time.Duration `env:"DMARC_GEO_TIMEOUT" envDefault:"5s" yaml:"timeout"`
	RatePerMinute int           `env:"DMARC_GEO_RATE_PER_MINUTE" envDefault:"45" yaml:"rate_per_minute"`
	Concurrency   int           `env:"DMARC_GEO_CONCURRENCY" envDefault:"4" yaml:"concurrency"`
	CacheSize     int           `env:"DMARC_GEO_CACHE_SIZE" envDefault:"4096" yaml:"cache_size"`
}

type SMTPConfig struct {
	Addr     string   `env:"DMARC_SMTP_ADDR" yaml:"addr"`
	From     string   `env:"DMARC_SMTP_FROM" yaml:"from"`
	To       []string `env:"DMARC_SMTP_TO" envSeparator:"," yaml:"to"`
	User     string   `env:"DMARC_SMTP_USER" yaml:"user"`
	Password string   `env:"DMARC_SMTP_PASSWORD" yaml:"password"`
}

// Enabled reports whether alert emails can be sent.
func (c *SMTPConfig) Enabled() bool {
	return c != nil && c.Addr != "" && len(c.To) > 0
}

type S3Config struct {
	Bucket   string `env:"DMARC_S3_BUCKET" yaml:"bucket"`
	Region   string `env:"DMARC_S3_REGION" envDefault:"us-east-1" yaml:"region"`
	Prefix   string `env:"DMARC_S3_PREFIX" envDefault:"dmarc/" yaml:"prefix"`
	Endpoint string `env:"DMARC_S3_ENDPOINT" yaml:"endpoint"`
}

type ScheduleConfig struct {
	Ingest      string `env:"DMARC_CRON_INGEST" envDefault:"0 6 * * *" yaml:"ingest"`
	Maintenance string `env:"DMARC_CRON_MAINTENANCE" envDefault:"30 0 1 * *" yaml:"maintenance"`
}

type MetricsConfig struct {
	Addr string `env:"DMARC_METRICS_ADDR" envDefault:":9108" yaml:"addr"`
}

type Config struct {
	Database  *DatabaseConfig  `yaml:"database"`
	Ingest    *IngestConfig    `yaml:"ingest"`
	Retention *RetentionConfig `yaml:"retention"`
	Geo       *GeoConfig       `yaml:"geo"`
	SMTP      *SMTPConfig      `yaml:"smtp"`
	S3        *S3Config        `yaml:"s3"`
	Schedule  *ScheduleConfig  `yaml:"schedule"`
	Metrics   *MetricsConfig   `yaml:"metrics"`
	Logger    *logger.Config   `yaml:"log"`
}

func newConfig() *Config {
	return &Config{
		Database:  &DatabaseConfig{},
		Ingest:    &IngestConfig{},
		Retention: &RetentionConfig{},
		Geo:       &GeoConfig{},
		SMTP:      &SMTPConfig{},
		S3:        &S3Config{},
		Schedule:  &ScheduleConfig{},
		Metrics:   &MetricsConfig{},
		Logger:    &logger.Config{},
	}
}

// Load reads .env (if present), then the environment, then overlays the YAML
// file at path when path is not empty.
func Load(path string) (*Config, error) {
	cfg := newConfig()

	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parsing environment")
	}

	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing config file %s", path)
		}
	}

	return cfg, nil
}

// Validate checks the settings every run depends on. A missing database is a
// fatal ingest.ConfigError.
func (c *Config) Validate() error {
	if c.Database == nil || strings.TrimSpace(c.Database.DSN) == "" {
		return &ingest.ConfigError{Kind: ingest.MissingSink}
	}
	switch strings.ToLower(c.Database.Driver) {
	case "", "sqlite", "postgres":
	default:
		return errors.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Ingest.ThresholdFailures <= 0 {
		return errors.Errorf("threshold failures must be positive, got %d", c.Ingest.ThresholdFailures)
	}
	if c.Retention.Months <= 0 {
		return errors.Errorf("retention months must be positive, got %d", c.Retention.Months)
	}
	if c.Geo.RatePerMinute <= 0 || c.Geo.Concurrency <= 0 {
		return errors.New("geolocation rate and concurrency must be positive")
	}
	return nil
}
