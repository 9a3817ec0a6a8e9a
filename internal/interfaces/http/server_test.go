package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/policyvault/internal/application"
	"github.com/sawpanic/policyvault/internal/authz"
	"github.com/sawpanic/policyvault/internal/custody"
	"github.com/sawpanic/policyvault/internal/events"
	"github.com/sawpanic/policyvault/internal/interfaces/http/handlers"
	"github.com/sawpanic/policyvault/internal/net/ratelimit"
	"github.com/sawpanic/policyvault/internal/persistence"
	"github.com/sawpanic/policyvault/internal/vault"
)

type testServer struct {
	*httptest.Server
	metrics *MetricsRegistry
	stream  *EventStream
	tokens  *custody.MemoryLedger
}

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) *testServer {
	t.Helper()

	az, err := authz.New(map[string][]string{
		"oracle":     {authz.RoleAutomatedPolicy},
		"compliance": {authz.RolePolicyAdmin},
		"rebalancer": {authz.RoleRebalancer},
	}, "", authz.ModeEnforce)
	require.NoError(t, err)

	metrics := NewMetricsRegistry()
	stream := NewEventStream(16)
	bus := events.NewBus(metrics, stream)
	bus.OnDelivery(metrics.RecordDelivery)

	tokens := custody.NewMemoryLedger("vault")
	svc, err := application.New(application.Deps{
		Tokens:     tokens,
		Authorizer: az,
		Store:      persistence.NewMemoryStore(),
		Notifier:   bus,
		Metrics:    metrics,
	})
	require.NoError(t, err)

	h := handlers.NewHandlers(svc, handlers.Options{Version: "test"})
	srv := NewServer(DefaultServerConfig(), h, metrics, stream, limiter)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		stream.Close()
		ts.Close()
	})
	return &testServer{Server: ts, metrics: metrics, stream: stream, tokens: tokens}
}

func (ts *testServer) do(t *testing.T, method, path, actor string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rdr)
	require.NoError(t, err)
	if actor != "" {
		req.Header.Set(handlers.ActorHeader, actor)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

var coreConstraint = map[string]interface{}{
	"id":          "core",
	"description": "core reserve",
	"limits": map[string]interface{}{
		"min_stable_bps":   7000,
		"max_unbacked_bps": 1000,
		"max_risk_bps":     400,
	},
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestConstraintEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodPost, "/v1/constraints", "oracle", coreConstraint)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "core", body["id"])
	assert.Equal(t, true, body["active"])

	resp, body = ts.do(t, http.MethodPost, "/v1/constraints", "oracle", coreConstraint)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "DUPLICATE_CONSTRAINT", body["code"])
	assert.Equal(t, "core", body["constraint_id"])

	resp, body = ts.do(t, http.MethodPost, "/v1/constraints/core/deactivate", "oracle", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", body["code"])

	resp, body = ts.do(t, http.MethodPost, "/v1/constraints/core/deactivate", "compliance", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["active"])

	resp, body = ts.do(t, http.MethodPut, "/v1/constraints/ghost", "oracle",
		map[string]interface{}{"limits": map[string]interface{}{"min_stable_bps": 1}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])

	resp, body = ts.do(t, http.MethodPut, "/v1/constraints/core", "oracle",
		map[string]interface{}{"limits": map[string]interface{}{"max_risk_bps": 10001}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_LIMITS", body["code"])

	resp, body = ts.do(t, http.MethodGet, "/v1/constraints", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []interface{}{"core"}, body["ids"])
}

func TestRebalancingEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.do(t, http.MethodPost, "/v1/constraints", "oracle", coreConstraint)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPut, "/v1/portfolio", "oracle", map[string]interface{}{
		"total_assets": 1000, "stable_assets": 650, "unbacked_assets": 50, "daily_risk_bps": 100,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/v1/vault/rebalance/start", "rebalancer", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "POLICY_VIOLATION", body["code"])
	assert.Equal(t, 1.0, testutil.ToFloat64(
		ts.metrics.ConstraintViolations.WithLabelValues("core", "stable assets below minimum")))

	resp, body = ts.do(t, http.MethodGet, "/v1/policy/evaluation", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["passed"])

	resp, _ = ts.do(t, http.MethodPut, "/v1/portfolio/exposures/ETH", "oracle", map[string]interface{}{"exposure": 300})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = ts.do(t, http.MethodPut, "/v1/portfolio", "oracle", map[string]interface{}{
		"total_assets": 1000, "stable_assets": 750, "unbacked_assets": 50, "daily_risk_bps": 100,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]interface{}{"ETH": 300.0}, body["exposures"], "exposures survive a snapshot update")

	resp, body = ts.do(t, http.MethodPost, "/v1/vault/rebalance/start", "rebalancer", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(vault.Rebalancing), body["phase"])

	resp, body = ts.do(t, http.MethodPost, "/v1/vault/rebalance/start", "rebalancer", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ALREADY_REBALANCING", body["code"])

	resp, body = ts.do(t, http.MethodPost, "/v1/vault/rebalance/complete", "rebalancer",
		map[string]interface{}{"new_total_assets": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_TOTAL", body["code"])

	resp, body = ts.do(t, http.MethodPost, "/v1/vault/rebalance/complete", "rebalancer",
		map[string]interface{}{"new_total_assets": 1200})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(vault.Idle), body["phase"])
	assert.Equal(t, 1200.0, body["total_assets"])
	assert.Equal(t, 1200.0, testutil.ToFloat64(ts.metrics.TotalAssets))
	assert.Equal(t, 0.0, testutil.ToFloat64(ts.metrics.Rebalancing))
}

func TestVaultMovementEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	require.NoError(t, ts.tokens.Credit("alice", 5000))

	resp, body := ts.do(t, http.MethodPost, "/v1/vault/deposit", "alice",
		map[string]interface{}{"amount": 1000, "receiver": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1000.0, body["shares"])

	resp, body = ts.do(t, http.MethodGet, "/v1/vault/preview/redeem?amount=400", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 400.0, body["result"])

	resp, body = ts.do(t, http.MethodGet, "/v1/vault/preview/borrow?amount=1", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ARGUMENT", body["code"])

	resp, _ = ts.do(t, http.MethodGet, "/v1/vault/preview/redeem?amount=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/v1/vault/redeem", "mallory",
		map[string]interface{}{"amount": 10, "receiver": "mallory", "owner": "alice"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", body["code"])

	resp, body = ts.do(t, http.MethodPost, "/v1/vault/redeem", "alice",
		map[string]interface{}{"amount": 5000, "receiver": "alice", "owner": "alice"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "INSUFFICIENT_BALANCE", body["code"])

	resp, body = ts.do(t, http.MethodPost, "/v1/vault/redeem", "alice",
		map[string]interface{}{"amount": 400, "receiver": "alice", "owner": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 400.0, body["assets"])

	resp, body = ts.do(t, http.MethodGet, "/v1/accounts/alice", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4400.0, body["assets"])
	assert.Equal(t, 600.0, body["shares"])

	resp, body = ts.do(t, http.MethodGet, "/v1/vault", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 600.0, body["total_assets"])
	assert.Equal(t, "1", body["price_per_share"])
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodGet, "/v1/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "endpoint_not_found", body["code"])

	resp, body = ts.do(t, http.MethodDelete, "/v1/constraints/core", "oracle", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "method_not_allowed", body["code"])

	resp, body = ts.do(t, http.MethodPost, "/v1/constraints", "oracle", map[string]interface{}{"identifier": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["code"])
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, ratelimit.NewLimiter(0.01, 1))

	resp, _ := ts.do(t, http.MethodGet, "/v1/vault", "alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.do(t, http.MethodGet, "/v1/vault", "alice", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["code"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	resp, _ = ts.do(t, http.MethodGet, "/v1/vault", "bob", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "clients are limited independently")
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.RateLimited))
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/stream?types=constraint.added"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.stream.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, _ := ts.do(t, http.MethodPut, "/v1/portfolio", "oracle", map[string]interface{}{"total_assets": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/v1/constraints", "oracle", coreConstraint)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e events.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, events.ConstraintAdded, e.Type, "filtered stream skips the snapshot event")
	assert.Equal(t, "core", e.Attributes["constraint_id"])

	ts.stream.Close()
	require.Eventually(t, func() bool { return ts.stream.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPost, "/v1/constraints", "oracle", coreConstraint)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(raw)
	assert.Contains(t, text, `policyvault_operations_total{operation="add_constraint",result="ok"} 1`)
	assert.Contains(t, text, `policyvault_events_total{type="constraint.added"} 1`)
	assert.Contains(t, text, `policyvault_event_deliveries_total{result="ok",sink="metrics"}`)
	assert.Contains(t, text, "policyvault_http_request_duration_seconds")
}

func TestShutdown(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), handlers.NewHandlers(nil, handlers.Options{}), nil, nil, nil)
	assert.Equal(t, "127.0.0.1:8080", srv.GetAddress())
	assert.NoError(t, srv.Shutdown(context.Background()))
}
