package reqguard

import (
	"net/netip"
	"time"
)

// Classifier is a single detection stage. Classifiers read the shared
// evaluation and return a partial signal for the aggregator.
type Classifier interface {
	Name() string
	Classify(ev *Evaluation) Signal
}

// BanStore holds temporary bans keyed by identity.
type BanStore interface {
	Ban(record BanRecord) error
	Lookup(identity ClientIdentity, now time.Time) (*BanRecord, error)
	Lift(identity ClientIdentity) error
	ActiveBans(now time.Time) []BanRecord
	Sweep(now time.Time) int
}

// MetricsCollector interface for observability
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	HealthCheck() error
	ExportPrometheus() string
}

// GeoReader resolves an address to an ISO 3166-1 alpha-2 country code.
// An empty string means unknown.
type GeoReader interface {
	Country(addr netip.Addr) string
	Close() error
}
