package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
)

// CallMetrics tracks call outcomes per genericable.
type CallMetrics struct {
	mu sync.RWMutex

	genericables map[string]*GenericableCallMetrics

	// Prometheus collectors
	callsTotal        *prometheus.CounterVec
	callDuration      *prometheus.HistogramVec
	degradationsTotal *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// GenericableCallMetrics holds the counters of one genericable.
type GenericableCallMetrics struct {
	ClientCalls    uint64    `json:"client_calls"`
	ClientFailures uint64    `json:"client_failures"`
	ServerCalls    uint64    `json:"server_calls"`
	ServerFailures uint64    `json:"server_failures"`
	Degradations   uint64    `json:"degradations"`
	LastCalledAt   time.Time `json:"last_called_at,omitempty"`
}

// CallMetricsSnapshot provides a point-in-time view of call metrics.
type CallMetricsSnapshot struct {
	TotalCalls    uint64                             `json:"total_calls"`
	TotalFailures uint64                             `json:"total_failures"`
	Genericables  map[string]*GenericableCallMetrics `json:"genericables"`
	CollectedAt   time.Time                          `json:"collected_at"`
}

// NewCallMetrics creates a call metrics collector.
func NewCallMetrics(registerer prometheus.Registerer) *CallMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CallMetrics{
		genericables: make(map[string]*GenericableCallMetrics),
		registerer:   registerer,
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitbroker",
			Subsystem: "calls",
			Name:      "total",
			Help:      "Calls by side, genericable and result kind",
		}, []string{"side", "genericable", "result"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fitbroker",
			Subsystem: "calls",
			Name:      "duration_seconds",
			Help:      "Call latency by side and genericable",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"side", "genericable"}),
		degradationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitbroker",
			Subsystem: "calls",
			Name:      "degradations_total",
			Help:      "Calls retried on a degradation fitable",
		}, []string{"genericable"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *CallMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.callsTotal,
		m.callDuration,
		m.degradationsTotal,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Hooks returns call hooks that record into m.
func (m *CallMetrics) Hooks() CallHooks {
	return CallHooks{
		OnCallDone: func(ctx CallContext) {
			m.RecordCall(ctx.Side, ctx.Fitable.GenericableID, ctx.Duration, nil)
		},
		OnCallError: func(ctx CallContext, err error) {
			m.RecordCall(ctx.Side, ctx.Fitable.GenericableID, ctx.Duration, err)
		},
		OnDegrade: func(genericableID, _, _ string, _ error) {
			m.RecordDegradation(genericableID)
		},
	}
}

// RecordCall records one finished call.
func (m *CallMetrics) RecordCall(side CallSide, genericableID string, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreate(genericableID)
	switch side {
	case CallSideServer:
		metrics.ServerCalls++
		if err != nil {
			metrics.ServerFailures++
		}
	default:
		metrics.ClientCalls++
		if err != nil {
			metrics.ClientFailures++
		}
	}
	metrics.LastCalledAt = time.Now()

	result := "ok"
	if err != nil {
		result = errspkg.KindOf(err).String()
	}
	m.callsTotal.WithLabelValues(string(side), genericableID, result).Inc()
	m.callDuration.WithLabelValues(string(side), genericableID).Observe(duration.Seconds())
}

// RecordDegradation records a fallback to a degradation fitable.
func (m *CallMetrics) RecordDegradation(genericableID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreate(genericableID).Degradations++
	m.degradationsTotal.WithLabelValues(genericableID).Inc()
}

// GetSnapshot returns a point-in-time snapshot of all call metrics.
func (m *CallMetrics) GetSnapshot() CallMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := CallMetricsSnapshot{
		Genericables: make(map[string]*GenericableCallMetrics, len(m.genericables)),
		CollectedAt:  time.Now(),
	}
	for id, metrics := range m.genericables {
		metricsCopy := *metrics
		snapshot.Genericables[id] = &metricsCopy
		snapshot.TotalCalls += metrics.ClientCalls + metrics.ServerCalls
		snapshot.TotalFailures += metrics.ClientFailures + metrics.ServerFailures
	}
	return snapshot
}

// GetGenericableMetrics returns a copy of the metrics of one genericable.
func (m *CallMetrics) GetGenericableMetrics(genericableID string) *GenericableCallMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, ok := m.genericables[genericableID]; ok {
		metricsCopy := *metrics
		return &metricsCopy
	}
	return nil
}

func (m *CallMetrics) getOrCreate(genericableID string) *GenericableCallMetrics {
	if metrics, ok := m.genericables[genericableID]; ok {
		return metrics
	}
	metrics := &GenericableCallMetrics{}
	m.genericables[genericableID] = metrics
	return metrics
}

// Reset resets all metrics (useful for testing).
func (m *CallMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.genericables = make(map[string]*GenericableCallMetrics)
	m.callsTotal.Reset()
	m.callDuration.Reset()
	m.degradationsTotal.Reset()
}
