package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collaboration collectors. A nil *Metrics is valid and
// records nothing, so components can run without a registry in tests.
type Metrics struct {
	LockRequests   *prometheus.CounterVec
	LockExtensions *prometheus.CounterVec
	LockReleases   *prometheus.CounterVec
	Conflicts      *prometheus.CounterVec
	EventsRelayed  *prometheus.CounterVec
	Sessions       prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		LockRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_lock_requests_total",
				Help: "Lock requests partitioned by resource type and outcome (granted, refreshed, denied).",
			},
			[]string{"resource_type", "outcome"},
		),
		LockExtensions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_lock_extensions_total",
				Help: "Lease extension attempts partitioned by outcome (extended, rejected).",
			},
			[]string{"outcome"},
		),
		LockReleases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_lock_releases_total",
				Help: "Leases ended, partitioned by reason (released, expired).",
			},
			[]string{"reason"},
		),
		Conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_conflicts_total",
				Help: "Conflict record lifecycle events (created, resolved, cancelled).",
			},
			[]string{"event"},
		),
		EventsRelayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_events_relayed_total",
				Help: "Events fanned out to entity rooms, by event type.",
			},
			[]string{"type"},
		),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_sessions",
			Help: "Open collaboration connections.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.LockRequests, m.LockExtensions, m.LockReleases, m.Conflicts, m.EventsRelayed, m.Sessions,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collaboration metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) LockRequested(resourceType, outcome string) {
	if m == nil {
		return
	}
	m.LockRequests.WithLabelValues(resourceType, outcome).Inc()
}

func (m *Metrics) LockExtended(ok bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if ok {
		outcome = "extended"
	}
	m.LockExtensions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LockEnded(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.LockReleases.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) Conflict(event string) {
	if m == nil {
		return
	}
	m.Conflicts.WithLabelValues(event).Inc()
}

func (m *Metrics) EventRelayed(eventType string) {
	if m == nil {
		return
	}
	m.EventsRelayed.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.Sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.Sessions.Dec()
}
