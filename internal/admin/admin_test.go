package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routeguard/routeguard/internal/balancer"
	"github.com/routeguard/routeguard/internal/breaker"
	"github.com/routeguard/routeguard/internal/budget"
	"github.com/routeguard/routeguard/internal/transform"
)

type stubPinger struct {
	err error
}

func (s *stubPinger) Ping(context.Context) error {
	return s.err
}

type fixture struct {
	mux      *http.ServeMux
	balancer *balancer.Balancer
	breakers *breaker.Registry
	budgets  *budget.Enforcer
	ledger   *stubPinger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	bal := balancer.New(nil)
	require.NoError(t, bal.RegisterPool("openai",
		[]balancer.EndpointConfig{{Name: "us-east", Weight: 1}},
		balancer.StrategyRoundRobin))

	brk := breaker.NewRegistry(breaker.DefaultConfig(), nil)
	bud, err := budget.New(nil, 0, 0, nil)
	require.NoError(t, err)
	ledger := &stubPinger{}

	mux := http.NewServeMux()
	New(bal, brk, bud, transform.New(nil), ledger, nil).Register(mux)

	return &fixture{mux: mux, balancer: bal, breakers: brk, budgets: bud, ledger: ledger}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthDashboard(t *testing.T) {
	f := newFixture(t)
	f.breakers.ForceOpen("anthropic")

	rec := f.do(t, http.MethodGet, "/admin/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var dash struct {
		Status   string               `json:"status"`
		Circuits []breaker.Stats      `json:"circuits"`
		Pools    []balancer.PoolStats `json:"pools"`
		Ledger   string               `json:"ledger"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dash))
	assert.Equal(t, "ok", dash.Status)
	assert.Equal(t, "ok", dash.Ledger)
	require.Len(t, dash.Circuits, 1)
	assert.Equal(t, "open", dash.Circuits[0].State)
	require.Len(t, dash.Pools, 1)
	assert.Equal(t, "openai", dash.Pools[0].Group)
}

func TestHealthDashboard_DegradedWhenLedgerUnreachable(t *testing.T) {
	f := newFixture(t)
	f.ledger.err = errors.New("connection refused")

	rec := f.do(t, http.MethodGet, "/admin/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var dash struct {
		Status string `json:"status"`
		Ledger string `json:"ledger"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dash))
	assert.Equal(t, "degraded", dash.Status)
	assert.Equal(t, "unreachable", dash.Ledger)
}

func TestPoolEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/admin/pools", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPut, "/admin/pools", `{
		"group": "anthropic",
		"strategy": "least_connections",
		"endpoints": [{"name": "primary", "weight": 1}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, f.balancer.PoolNames(), "anthropic")

	rec = f.do(t, http.MethodPut, "/admin/pools", `{
		"group": "bad",
		"strategy": "sticky",
		"endpoints": [{"name": "a", "weight": 1}]
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/admin/pools", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEndpointHealthToggle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/admin/pools/openai/endpoints/us-east/health", `{"healthy": false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := f.balancer.Select("openai")
	assert.Error(t, err, "the only endpoint was drained")

	rec = f.do(t, http.MethodPost, "/admin/pools/openai/endpoints/nope/health", `{"healthy": true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetPoolMetrics(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.balancer.MarkRequestStart("openai", "us-east"))
	require.NoError(t, f.balancer.MarkRequestEnd("openai", "us-east", 50*time.Millisecond, true))

	rec := f.do(t, http.MethodPost, "/admin/pools/openai/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)

	stats := f.balancer.Snapshot()
	assert.Equal(t, int64(0), stats[0].Endpoints[0].TotalRequests)
}

func TestCircuitControls(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/admin/circuits/openai/open", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, breaker.StateOpen, f.breakers.State("openai"))

	rec = f.do(t, http.MethodPost, "/admin/circuits/openai/close", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, breaker.StateClosed, f.breakers.State("openai"))

	rec = f.do(t, http.MethodPut, "/admin/circuits/openai/config", `{
		"failure_threshold": 2,
		"success_threshold": 1,
		"timeout": 10000000000,
		"window": 60000000000,
		"half_open_max_requests": 1
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPut, "/admin/circuits/openai/config", `{
		"failure_threshold": 0,
		"success_threshold": 1,
		"timeout": 10000000000,
		"window": 60000000000,
		"half_open_max_requests": 1
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.breakers.ForceOpen("openai")
	f.breakers.ForceOpen("anthropic")
	rec = f.do(t, http.MethodPost, "/admin/circuits/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, breaker.StateClosed, f.breakers.State("openai"))
	assert.Equal(t, breaker.StateClosed, f.breakers.State("anthropic"))
}

func TestBudgetCRUD(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/admin/budgets", `{
		"id": "key-daily",
		"scope": "api_key",
		"enabled": true,
		"limit": 10,
		"period": "daily",
		"action": "block"
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.budgets.Policies(), 1)

	rec = f.do(t, http.MethodPost, "/admin/budgets/key-daily/disable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.budgets.Policies()[0].Enabled)

	rec = f.do(t, http.MethodPost, "/admin/budgets/nope/enable", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/admin/budgets", `{
		"id": "bad",
		"scope": "region",
		"enabled": true,
		"limit": 10,
		"period": "daily",
		"action": "block"
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/admin/budgets/key-daily", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.budgets.Policies())
}

func TestRouteRules(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/admin/routes", `{
		"pattern": "/v1/completions",
		"rules": [
			{"order": 1, "enabled": true, "operation": "cap_value", "field_path": "temperature", "value": 0.8}
		]
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/routes", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var routes map[string][]transform.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &routes))
	require.Contains(t, routes, "/v1/completions")
	assert.Equal(t, transform.OpCapValue, routes["/v1/completions"][0].Operation)

	rec = f.do(t, http.MethodPut, "/admin/routes", `{
		"pattern": "/v1/completions",
		"rules": [{"order": 1, "enabled": true, "operation": "uppercase", "field_path": "x"}]
	}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
