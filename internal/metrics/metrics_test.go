package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	m := New()
	m.StageExecuted(1, "completed")
	m.StageExecuted(1, "completed")
	m.DuplicateSuppressed("recent")
	m.ObserveVenueCall("fake", "place_market_order", nil)
	m.ObserveVenueCall("fake", "place_market_order", errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.stageExecutions.WithLabelValues("1", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicates.WithLabelValues("recent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.venueCalls.WithLabelValues("fake", "place_market_order", "error")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.StageExecuted(2, "rejected")
		m.ReconciliationRecorded("stage_commit", true)
		m.TrailingEvaluated("applied")
		m.SetBreakerState("binance", 1)
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.ReconciliationRecorded("stage_commit", false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "riskguard_reconciliation_entries_total"))
}
