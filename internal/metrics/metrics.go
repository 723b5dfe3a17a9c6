// Package metrics exposes prometheus counters for the processing cycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dmarcpipe"

// Message outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Geolocation lookup outcomes.
const (
	GeoResolved = "resolved"
	GeoCached   = "cached"
	GeoUnknown  = "unknown"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	messages      *prometheus.CounterVec
	rowsCommitted prometheus.Counter
	decodeErrors  *prometheus.CounterVec
	parseErrors   prometheus.Counter
	alerts        prometheus.Counter
	geoLookups    *prometheus.CounterVec
	rowsRotated   prometheus.Counter
	rowsPurged    prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Candidate report messages by ingestion outcome.",
		}, []string{"outcome"}),
		rowsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_committed_total",
			Help:      "Report rows committed to the active partition.",
		}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Attachments that could not be decoded, by kind.",
		}, []string{"kind"}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "XML payloads that were not well-formed aggregate reports.",
		}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Threshold alert lines produced.",
		}),
		geoLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_lookups_total",
			Help:      "Source IP geolocation resolutions by outcome.",
		}, []string{"outcome"}),
		rowsRotated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_rotated_total",
			Help:      "Rows relocated from the active partition into monthly archives.",
		}),
		rowsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_purged_total",
			Help:      "Rows deleted by the retention purge.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.messages,
			m.rowsCommitted,
			m.decodeErrors,
			m.parseErrors,
			m.alerts,
			m.geoLookups,
			m.rowsRotated,
			m.rowsPurged,
		)
	}
	return m
}

func (m *Metrics) Message(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RowsCommitted(n int) {
	if m == nil {
		return
	}
	m.rowsCommitted.Add(float64(n))
}

func (m *Metrics) DecodeError(kind string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ParseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

func (m *Metrics) Alerts(n int) {
	if m == nil {
		return
	}
	m.alerts.Add(float64(n))
}

func (m *Metrics) GeoLookup(outcome string) {
	if m == nil {
		return
	}
	m.geoLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RowsRotated(n int) {
	if m == nil {
		return
	}
	m.rowsRotated.Add(float64(n))
}

func (m *Metrics) RowsPurged(n int) {
	if m == nil {
		return
	}
	m.rowsPurged.Add(float64(n))
}
