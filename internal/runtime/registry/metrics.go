package registry

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes registry state to Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	workers       prometheus.Gauge
	applications  prometheus.Gauge
	registrations *prometheus.CounterVec
	expirations   prometheus.Counter
}

// NewMetrics creates the registry collectors. Call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fitbroker",
			Subsystem: "registry",
			Name:      "workers",
			Help:      "Number of workers with a live lease",
		}),
		applications: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fitbroker",
			Subsystem: "registry",
			Name:      "applications",
			Help:      "Number of applications with at least one live worker",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitbroker",
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Registration attempts by outcome",
		}, []string{"result"}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fitbroker",
			Subsystem: "registry",
			Name:      "expirations_total",
			Help:      "Workers removed after their lease elapsed",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{m.workers, m.applications, m.registrations, m.expirations}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) observeSize(workers, applications int) {
	if m == nil {
		return
	}
	m.workers.Set(float64(workers))
	m.applications.Set(float64(applications))
}

func (m *Metrics) observeRegistration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

func (m *Metrics) observeExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.expirations.Add(float64(n))
}
