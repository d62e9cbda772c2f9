// Package metrics exposes Prometheus instrumentation for pools, breakers,
// operations, the cache and the offline queue. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fileops"

// Metrics holds every collector.
type Metrics struct {
	operations    *prometheus.CounterVec
	bytes         prometheus.Counter
	retries       *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	sessionsOpen  *prometheus.GaugeVec
	cacheRequests *prometheus.CounterVec
	cacheBytes    prometheus.Gauge
	queueDepth    *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "File operations by kind and final state.",
		}, []string{"kind", "state"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_transferred_total",
			Help:      "Bytes streamed between backends.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried backend calls per handle.",
		}, []string{"handle"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per handle (0 closed, 1 half-open, 2 open).",
		}, []string{"handle"}),
		sessionsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_open",
			Help:      "Live sessions per handle.",
		}, []string{"handle"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by result.",
		}, []string{"result"}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes",
			Help:      "Bytes held by the cache.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending offline operations per resource.",
		}, []string{"resource"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.operations, m.bytes, m.retries, m.breakerState,
		m.sessionsOpen, m.cacheRequests, m.cacheBytes, m.queueDepth,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

// OperationFinished counts one operation in its final state.
func (m *Metrics) OperationFinished(kind, state string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind, state).Inc()
}

// BytesTransferred adds n streamed bytes.
func (m *Metrics) BytesTransferred(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.Add(float64(n))
}

// Retry counts one retry on handle.
func (m *Metrics) Retry(handle string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(handle).Inc()
}

// BreakerState records the breaker state of handle.
func (m *Metrics) BreakerState(handle string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(handle).Set(float64(state))
}

// SessionsOpen records the live session count of handle.
func (m *Metrics) SessionsOpen(handle string, n int) {
	if m == nil {
		return
	}
	m.sessionsOpen.WithLabelValues(handle).Set(float64(n))
}

// CacheRequest counts a cache hit or miss.
func (m *Metrics) CacheRequest(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

// CacheBytes records the bytes held by the cache.
func (m *Metrics) CacheBytes(n int64) {
	if m == nil {
		return
	}
	m.cacheBytes.Set(float64(n))
}

// QueueDepth records the pending operations of resource.
func (m *Metrics) QueueDepth(resource string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(resource).Set(float64(n))
}
