package gateway

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "gravity_notes_client"

const (
	refreshOutcomeSuccess     = "success"
	refreshOutcomeFailure     = "failure"
	refreshOutcomeInvalidated = "invalidated"
)

// Metrics records gateway activity. A nil *Metrics records nothing.
type Metrics struct {
	requests     *prometheus.CounterVec
	refreshes    *prometheus.CounterVec
	waiters      prometheus.Gauge
	staleRetries prometheus.Counter
}

// NewMetrics creates the gateway collectors and registers them.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "API requests dispatched, by method and status code.",
		}, []string{"method", "code"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "token_refresh_total",
			Help:      "Token refresh cycles, by outcome.",
		}, []string{"outcome"}),
		waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "refresh_waiters",
			Help:      "Requests currently suspended on an in-flight refresh.",
		}),
		staleRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stale_token_retries_total",
			Help:      "Unauthorized requests retried with a token refreshed by another caller.",
		}),
	}
	if registerer != nil {
		for _, collector := range []prometheus.Collector{metrics.requests, metrics.refreshes, metrics.waiters, metrics.staleRetries} {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return metrics, nil
}

func (m *Metrics) observeRequest(method string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (m *Metrics) observeRefresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) addWaiters(delta float64) {
	if m == nil {
		return
	}
	m.waiters.Add(delta)
}

func (m *Metrics) observeStaleRetry() {
	if m == nil {
		return
	}
	m.staleRetries.Inc()
}
