package guard

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	DecisionsTotal         *prometheus.CounterVec
	EvaluationDuration     *prometheus.HistogramVec
	GroupCacheTotal        *prometheus.CounterVec
	HierarchyRebuildsTotal *prometheus.CounterVec
	HierarchyNodes         prometheus.Gauge

	registerer prometheus.Registerer
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_decisions_total",
				Help: "Total number of evaluations by outcome",
			},
			[]string{"feature", "action", "outcome"},
		),
		EvaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guard_evaluation_duration_seconds",
				Help:    "Evaluation duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
			},
			[]string{"feature"},
		),
		GroupCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_group_cache_total",
				Help: "Permission group cache lookups by result",
			},
			[]string{"result"},
		),
		HierarchyRebuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_hierarchy_rebuilds_total",
				Help: "Organization snapshot rebuilds by status",
			},
			[]string{"status"},
		),
		HierarchyNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "guard_hierarchy_nodes",
				Help: "Organizations in the published snapshot",
			},
		),
		registerer: reg,
	}
	for _, c := range []prometheus.Collector{m.DecisionsTotal, m.EvaluationDuration, m.GroupCacheTotal, m.HierarchyRebuildsTotal, m.HierarchyNodes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeDecision(feature FeatureCode, action ActionCode, err error, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "granted"
	switch {
	case err == nil:
	case errors.Is(err, ErrPermissionDenied):
		outcome = "denied"
	case errors.Is(err, ErrActorUnresolved):
		outcome = "unresolved"
	default:
		outcome = "error"
	}
	m.DecisionsTotal.WithLabelValues(string(feature), string(action), outcome).Inc()
	m.EvaluationDuration.WithLabelValues(string(feature)).Observe(took.Seconds())
}

func (m *Metrics) groupCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.GroupCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	m.GroupCacheTotal.WithLabelValues("miss").Inc()
}

func (m *Metrics) hierarchyRebuilt(snap *OrganizationTreeSnapshot, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.HierarchyRebuildsTotal.WithLabelValues("error").Inc()
		return
	}
	m.HierarchyRebuildsTotal.WithLabelValues("ok").Inc()
	m.HierarchyNodes.Set(float64(snap.Len()))
}

// watchAuditDrops exports the async audit sink's drop count.
func (m *Metrics) watchAuditDrops(s *AsyncAuditSink) error {
	if m == nil || s == nil {
		return nil
	}
	return m.registerer.Register(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "guard_audit_dropped_total",
			Help: "Audit signals dropped on a full queue",
		},
		func() float64 { return float64(s.Dropped()) },
	))
}
