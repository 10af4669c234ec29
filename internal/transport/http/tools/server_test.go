package toolshttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/metrics"
	"riskguard/internal/riskerr"
	"riskguard/internal/tools"
)

type fakeCaller struct {
	lastName string
	lastBody string
	resp     tools.Response
}

func (f *fakeCaller) Call(_ context.Context, name string, raw []byte) tools.Response {
	f.lastName, f.lastBody = name, string(raw)
	resp := f.resp
	resp.Tool = name
	return resp
}

func (f *fakeCaller) Describe() []tools.Info {
	return []tools.Info{{Name: "closePosition", Version: 1}}
}

func newTestServer(t *testing.T, caller *fakeCaller) *Server {
	t.Helper()
	srv, err := NewServer(ServerConfig{Tools: caller, Metrics: metrics.New().Handler()})
	require.NoError(t, err)
	return srv
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServerRequiresCaller(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}

func TestCallForwardsBody(t *testing.T) {
	caller := &fakeCaller{resp: tools.Response{Success: true, Result: map[string]any{"ok": true}}}
	srv := newTestServer(t, caller)

	rec := do(srv, http.MethodPost, "/api/tools/closePosition", `{"symbol":"BTCUSDT"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "closePosition", caller.lastName)
	assert.JSONEq(t, `{"symbol":"BTCUSDT"}`, caller.lastBody)

	var resp tools.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "closePosition", resp.Tool)
}

func TestErrorKindsMapToStatus(t *testing.T) {
	cases := map[riskerr.Kind]int{
		riskerr.KindValidation:       http.StatusBadRequest,
		riskerr.KindInsufficientSize: http.StatusUnprocessableEntity,
		riskerr.KindConcurrency:      http.StatusConflict,
		riskerr.KindVenue:            http.StatusBadGateway,
		riskerr.KindConsistency:      http.StatusOK,
		riskerr.Kind("internal"):     http.StatusInternalServerError,
	}
	for kind, status := range cases {
		caller := &fakeCaller{resp: tools.Response{Error: &tools.ErrorBody{Kind: kind, Message: "x"}}}
		rec := do(newTestServer(t, caller), http.MethodPost, "/api/tools/openPosition", `{}`)
		assert.Equal(t, status, rec.Code, string(kind))
	}
}

func TestListHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, &fakeCaller{})

	rec := do(srv, http.MethodGet, "/api/tools", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "closePosition")

	rec = do(srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
