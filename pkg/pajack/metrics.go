package pajack

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "pajack"

const (
	claimOutcomeClaimed    = "claimed"
	claimOutcomeNoFreeSlot = "no_free_slot"
	claimOutcomeDuplicate  = "duplicate"
	claimOutcomeMoveFailed = "move_failed"
)

// Metrics holds the daemon's Prometheus collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	slotsTotal    prometheus.Gauge
	slotsOccupied prometheus.Gauge

	claims        *prometheus.CounterVec
	releases      prometheus.Counter
	reconciles    prometheus.Counter
	discrepancies prometheus.Counter
	reconnects    prometheus.Counter
	provisions    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		slotsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "slots",
			Help:      "Number of stereo remap slots currently provisioned.",
		}),
		slotsOccupied: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "slots_occupied",
			Help:      "Number of slots with a stream assigned.",
		}),
		claims: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "claims_total",
			Help:      "New-stream events handled, by outcome.",
		}, []string{"outcome"}),
		releases: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "releases_total",
			Help:      "Slots released after their stream went away.",
		}),
		reconciles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconciles_total",
			Help:      "Completed reconciliation passes.",
		}),
		discrepancies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconcile_discrepancies_total",
			Help:      "Slots whose tracked occupancy was corrected from the server.",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "feed_reconnects_total",
			Help:      "Successful event feed reconnects.",
		}),
		provisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "provisions_total",
			Help:      "Provisioning runs, by result.",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeSlots(total int, occupied int) {
	m.slotsTotal.Set(float64(total))
	m.slotsOccupied.Set(float64(occupied))
}

func (m *Metrics) observeClaim(outcome string) {
	m.claims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeRelease() {
	m.releases.Inc()
}

func (m *Metrics) observeReconcile(discrepancies int) {
	m.reconciles.Inc()
	m.discrepancies.Add(float64(discrepancies))
}

func (m *Metrics) observeReconnect() {
	m.reconnects.Inc()
}

func (m *Metrics) observeProvision(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}

	m.provisions.WithLabelValues(result).Inc()
}
