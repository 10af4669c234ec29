// Package metrics 暴露风控引擎的 prometheus 指标。
//
// 所有方法对 nil *Metrics 安全，测试与未启用指标时可直接传 nil。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	stageExecutions *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	trailingUpdates *prometheus.CounterVec
	venueCalls      *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskguard_stage_executions_total",
			Help: "Staged exit attempts by stage and result",
		}, []string{"stage", "result"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskguard_duplicates_suppressed_total",
			Help: "Stage calls rejected as duplicates or concurrent claims",
		}, []string{"reason"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskguard_reconciliation_entries_total",
			Help: "Venue/store disagreements recorded for repair",
		}, []string{"operation", "persisted"}),
		trailingUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskguard_trailing_updates_total",
			Help: "Trailing stop evaluations by outcome",
		}, []string{"result"}),
		venueCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskguard_venue_calls_total",
			Help: "Venue API calls by venue, operation and result",
		}, []string{"venue", "op", "result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskguard_breaker_state",
			Help: "0=closed, 1=open, 2=half_open",
		}, []string{"name"}),
	}
	m.registry.MustRegister(
		m.stageExecutions,
		m.duplicates,
		m.reconciliations,
		m.trailingUpdates,
		m.venueCalls,
		m.breakerState,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry 供测试读取指标。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) StageExecuted(stage int, result string) {
	if m == nil {
		return
	}
	m.stageExecutions.WithLabelValues(strconv.Itoa(stage), result).Inc()
}

func (m *Metrics) DuplicateSuppressed(reason string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(reason).Inc()
}

func (m *Metrics) ReconciliationRecorded(operation string, persisted bool) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(operation, strconv.FormatBool(persisted)).Inc()
}

func (m *Metrics) TrailingEvaluated(result string) {
	if m == nil {
		return
	}
	m.trailingUpdates.WithLabelValues(result).Inc()
}

// ObserveVenueCall 与 venue.CallObserver 签名一致。
func (m *Metrics) ObserveVenueCall(venueName, op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.venueCalls.WithLabelValues(venueName, op, result).Inc()
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}
