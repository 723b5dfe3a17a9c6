package ingest

import "fmt"

// ConfigErrorKind names the missing collaborator.
type ConfigErrorKind string

// Configuration failures.
const (
	MissingSink  ConfigErrorKind = "missing_sink"
	MissingDedup ConfigErrorKind = "missing_dedup"
)

// ConfigError is fatal: the run aborts before any row or dedup mutation.
type ConfigError struct {
	Kind ConfigErrorKind
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ingest configuration: %s", e.Kind)
}
