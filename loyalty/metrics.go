package loyalty

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts point movements and redemption outcomes. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	points      *prometheus.CounterVec
	redemptions *prometheus.CounterVec
	sweeps      prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		points: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loyalty",
			Name:      "points_total",
			Help:      "Absolute points moved through the ledger, by entry kind.",
		}, []string{"tenant", "kind"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loyalty",
			Name:      "redemptions_total",
			Help:      "Redemption workflow transitions, by outcome.",
		}, []string{"tenant", "outcome"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loyalty",
			Name:      "expiry_sweeps_total",
			Help:      "Completed expiry sweeps.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.points, m.redemptions, m.sweeps)
	}
	return m
}

func (m *Metrics) entry(tenant string, e *LedgerEntry) {
	if m == nil || e == nil {
		return
	}
	d := e.Delta
	if d < 0 {
		d = -d
	}
	m.points.WithLabelValues(tenant, string(e.Kind)).Add(float64(d))
}

func (m *Metrics) redemption(tenant, outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(tenant, outcome).Inc()
}

func (m *Metrics) sweep() {
	if m == nil {
		return
	}
	m.sweeps.Inc()
}
