package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/etolbakov/pgdog/internal/health"
	"github.com/etolbakov/pgdog/internal/metrics"
	"github.com/etolbakov/pgdog/internal/plugin"
	"github.com/etolbakov/pgdog/internal/pool"
)

func newTestServer() (*Server, http.Handler) {
	settings := pool.DefaultSettings()
	settings.User = "app"

	clusters := []*pool.Cluster{
		pool.NewCluster("orders", []pool.ShardConfig{
			{
				Primary: &pool.Config{
					Address:  pool.Address{Host: "10.0.0.1", Port: 5432},
					Settings: settings,
				},
				Replicas: []pool.Config{
					{Address: pool.Address{Host: "10.0.0.2", Port: 5432}, Settings: settings},
				},
			},
		}, pool.RoundRobin, "secret", pool.ModeTransaction),
	}

	hc := health.NewChecker(func() []string { return nil }, nil, time.Hour, 3, time.Second)
	plugins := plugin.NewRegistry()
	plugins.Register(plugin.NewStatic("pgdog_routing", func(plugin.Query) plugin.Route {
		return plugin.UnknownRoute()
	}, nil))

	s := NewServer(func() []*pool.Cluster { return clusters }, nil, hc, metrics.New(), plugins)
	return s, s.Routes()
}

func TestListDatabases(t *testing.T) {
	_, h := newTestServer()

	req := httptest.NewRequest("GET", "/databases", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var result []databaseResponse
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected 1 database, got %d", len(result))
	}
	if result[0].Name != "orders" {
		t.Errorf("expected orders, got %q", result[0].Name)
	}
	if result[0].PoolerMode != "transaction" {
		t.Errorf("expected transaction mode, got %q", result[0].PoolerMode)
	}
	if len(result[0].Pools) != 2 {
		t.Errorf("expected 2 pools (primary + replica), got %d", len(result[0].Pools))
	}
}

func TestGetDatabase(t *testing.T) {
	_, h := newTestServer()

	req := httptest.NewRequest("GET", "/databases/orders", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var result databaseResponse
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if result.Shards != 1 {
		t.Errorf("expected 1 shard, got %d", result.Shards)
	}
}

func TestGetDatabaseNotFound(t *testing.T) {
	_, h := newTestServer()

	req := httptest.NewRequest("GET", "/databases/nope", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestListPlugins(t *testing.T) {
	_, h := newTestServer()

	req := httptest.NewRequest("GET", "/plugins", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var result struct {
		Plugins []string `json:"plugins"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(result.Plugins) != 1 || result.Plugins[0] != "pgdog_routing" {
		t.Errorf("unexpected plugin list: %v", result.Plugins)
	}
}

func TestCancelQuery(t *testing.T) {
	_, h := newTestServer()

	body := strings.NewReader(`{"pid": 42, "secret": 7}`)
	req := httptest.NewRequest("POST", "/databases/orders/cancel", body)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	// No session is serving pid 42, so the broadcast is a no-op success.
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestCancelQueryUnknownDatabase(t *testing.T) {
	_, h := newTestServer()

	body := strings.NewReader(`{"pid": 1, "secret": 1}`)
	req := httptest.NewRequest("POST", "/databases/nope/cancel", body)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestReloadNotConfigured(t *testing.T) {
	_, h := newTestServer()

	req := httptest.NewRequest("POST", "/reload", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotImplemented {
		t.Errorf("expected 501 when reload is not wired, got %d", rr.Code)
	}
}

func TestReloadInvokesHook(t *testing.T) {
	settings := pool.DefaultSettings()
	clusters := []*pool.Cluster{
		pool.NewCluster("orders", []pool.ShardConfig{
			{Primary: &pool.Config{Address: pool.Address{Host: "h", Port: 1}, Settings: settings}},
		}, pool.RoundRobin, "", pool.ModeTransaction),
	}

	called := false
	s := NewServer(func() []*pool.Cluster { return clusters }, func() error {
		called = true
		return nil
	}, nil, nil, nil)

	req := httptest.NewRequest("POST", "/reload", nil)
	rr := httptest.NewRecorder()
	s.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !called {
		t.Error("reload hook was not invoked")
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, h := newTestServer()

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, h := newTestServer()

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var result map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if result["num_databases"].(float64) != 1 {
		t.Errorf("expected 1 database, got %v", result["num_databases"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestServer()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 from /metrics, got %d", rr.Code)
	}
}
