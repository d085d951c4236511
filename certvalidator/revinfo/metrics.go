package revinfo

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "adescheck"

// Metrics counts revocation cache activity.
type Metrics struct {
	Hits          prometheus.Counter
	Misses        prometheus.Counter
	Evictions     prometheus.Counter
	FetchFailures prometheus.Counter
}

// NewMetrics creates the cache counters and registers them with reg when reg
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "crl_cache",
			Name:      "hits_total",
			Help:      "Lookups answered from a cached CRL.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "crl_cache",
			Name:      "misses_total",
			Help:      "Lookups that required a download.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "crl_cache",
			Name:      "evictions_total",
			Help:      "Cached CRLs removed after going unread for too long.",
		}),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "crl_cache",
			Name:      "fetch_failures_total",
			Help:      "Downloads where no distribution point produced a CRL.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Hits, m.Misses, m.Evictions, m.FetchFailures)
	}
	return m
}
