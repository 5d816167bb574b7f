package meter_test

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/imagerouter"
	"github.com/ineyio/imagerouter/meter"
)

func TestLogMeter_NeverLogsSecrets(t *testing.T) {
	var buf bytes.Buffer
	m := meter.NewLogMeter(slog.New(slog.NewTextHandler(&buf, nil)))

	m.OnRoute(imagerouter.RouteEvent{RequestID: "r1", TokenID: "sso-abc", Strategy: imagerouter.StrategyHybrid, AttemptNum: 1})
	m.OnResult(imagerouter.ResultEvent{RequestID: "r1", TokenID: "sso-abc", Kind: imagerouter.KindRateLimited, Error: errors.New("boom")})
	m.OnTransition(imagerouter.TransitionEvent{
		TokenID:       "sso-abc",
		From:          imagerouter.StatusActive,
		To:            imagerouter.StatusCoolingDown,
		CooldownUntil: time.Date(2026, 3, 10, 12, 0, 30, 0, time.UTC),
		Reason:        "rate_limited",
	})

	out := buf.String()
	assert.Contains(t, out, "token=sso-abc")
	assert.Contains(t, out, "kind=rate_limited")
	assert.Contains(t, out, "to=cooling_down")
	assert.Contains(t, out, "cooldown_until=")
}

func TestMulti_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	m := meter.Multi{
		meter.NewLogMeter(slog.New(slog.NewTextHandler(&a, nil))),
		&meter.NoopMeter{},
		meter.NewLogMeter(slog.New(slog.NewTextHandler(&b, nil))),
	}
	m.OnRoute(imagerouter.RouteEvent{TokenID: "sso-1"})
	assert.Contains(t, a.String(), "sso-1")
	assert.Contains(t, b.String(), "sso-1")
}

func TestPrometheusMeter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := meter.NewPrometheusMeter(reg)
	require.NoError(t, err)

	m.OnRoute(imagerouter.RouteEvent{TokenID: "sso-1", Strategy: imagerouter.StrategyRoundRobin})
	m.OnRoute(imagerouter.RouteEvent{TokenID: "sso-1", Strategy: imagerouter.StrategyRoundRobin})
	m.OnResult(imagerouter.ResultEvent{TokenID: "sso-1", Success: true, Duration: time.Second})
	m.OnResult(imagerouter.ResultEvent{TokenID: "sso-1", Kind: imagerouter.KindForbidden, Duration: time.Second})
	m.OnTransition(imagerouter.TransitionEvent{TokenID: "sso-1", From: imagerouter.StatusActive, To: imagerouter.StatusBanned})
	m.ObserveHTTP("POST", "/v1/images/generations", 200, 2*time.Second)

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	attempts := byName["imagerouter_attempts_total"]
	require.NotNil(t, attempts)
	assert.Equal(t, 2.0, attempts.GetMetric()[0].GetCounter().GetValue())

	results := byName["imagerouter_results_total"]
	require.NotNil(t, results)
	assert.Len(t, results.GetMetric(), 2)

	status := byName["imagerouter_token_status"]
	require.NotNil(t, status)
	for _, metric := range status.GetMetric() {
		var label string
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == "status" {
				label = lp.GetValue()
			}
		}
		want := 0.0
		if label == string(imagerouter.StatusBanned) {
			want = 1
		}
		assert.Equal(t, want, metric.GetGauge().GetValue(), label)
	}

	assert.NotNil(t, byName["imagerouter_http_requests_total"])
}

func TestPrometheusMeter_DoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := meter.NewPrometheusMeter(reg)
	require.NoError(t, err)
	_, err = meter.NewPrometheusMeter(reg)
	assert.Error(t, err)
}
