package meter

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/imagerouter"
)

// PrometheusMeter exports routing events as Prometheus metrics.
type PrometheusMeter struct {
	routes      *prometheus.CounterVec
	results     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	status      *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ imagerouter.Meter = (*PrometheusMeter)(nil)

var statuses = []imagerouter.Status{
	imagerouter.StatusActive,
	imagerouter.StatusCoolingDown,
	imagerouter.StatusExhausted,
	imagerouter.StatusBanned,
}

// NewPrometheusMeter creates the metrics and registers them with reg.
func NewPrometheusMeter(reg prometheus.Registerer) (*PrometheusMeter, error) {
	m := &PrometheusMeter{
		routes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "imagerouter",
				Name:      "attempts_total",
				Help:      "Upstream attempts started, by credential and strategy",
			},
			[]string{"token", "strategy"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "imagerouter",
				Name:      "results_total",
				Help:      "Upstream attempt outcomes, by credential and error kind",
			},
			[]string{"token", "outcome", "kind"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "imagerouter",
				Name:      "attempt_duration_seconds",
				Help:      "Upstream attempt latency in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "imagerouter",
				Name:      "token_transitions_total",
				Help:      "Credential status changes",
			},
			[]string{"from", "to"},
		),
		status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "imagerouter",
				Name:      "token_status",
				Help:      "1 for the current status of each credential as last observed",
			},
			[]string{"token", "status"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "imagerouter",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled by the gateway",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "imagerouter",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	for name, c := range map[string]prometheus.Collector{
		"attempts_total":           m.routes,
		"results_total":            m.results,
		"attempt_duration_seconds": m.duration,
		"token_transitions_total":  m.transitions,
		"token_status":             m.status,
		"http_requests_total":      m.httpRequests,
		"http_request_duration":    m.httpDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("imagerouter/meter: register %s: %w", name, err)
		}
	}
	return m, nil
}

func (m *PrometheusMeter) OnRoute(e imagerouter.RouteEvent) {
	m.routes.WithLabelValues(e.TokenID, string(e.Strategy)).Inc()
}

func (m *PrometheusMeter) OnResult(e imagerouter.ResultEvent) {
	outcome, kind := "success", ""
	if !e.Success {
		outcome, kind = "failure", e.Kind.String()
	}
	m.results.WithLabelValues(e.TokenID, outcome, kind).Inc()
	m.duration.WithLabelValues(outcome).Observe(e.Duration.Seconds())
}

func (m *PrometheusMeter) OnTransition(e imagerouter.TransitionEvent) {
	m.transitions.WithLabelValues(string(e.From), string(e.To)).Inc()
	m.SetStatus(e.TokenID, e.To)
}

// SetStatus records s as the current status of token.
func (m *PrometheusMeter) SetStatus(token string, s imagerouter.Status) {
	for _, candidate := range statuses {
		v := 0.0
		if candidate == s {
			v = 1
		}
		m.status.WithLabelValues(token, string(candidate)).Set(v)
	}
}

// ObserveHTTP records one served HTTP request. route should be the pattern,
// not the raw path.
func (m *PrometheusMeter) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
