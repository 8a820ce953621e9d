package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/etolbakov/pgdog/internal/pool"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pgdog.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	yaml := `
general:
  pooler_mode: transaction
  load_balancing: round_robin

admin:
  port: 9876

pool:
  max_connections: 15
  min_connections: 2
  checkout_timeout: 3s
  idle_timeout: 5m

databases:
  - name: orders
    user: app
    password: secret
    shards:
      - primary:
          host: 10.0.0.1
          port: 5432
        replicas:
          - host: 10.0.0.2
            port: 5432

plugins:
  - pgdog_routing
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.General.PoolerMode != "transaction" {
		t.Errorf("expected pooler_mode transaction, got %q", cfg.General.PoolerMode)
	}
	if cfg.Pool.MaxConnections != 15 {
		t.Errorf("expected max connections 15, got %d", cfg.Pool.MaxConnections)
	}
	if cfg.Pool.CheckoutTimeout != 3*time.Second {
		t.Errorf("expected checkout timeout 3s, got %v", cfg.Pool.CheckoutTimeout)
	}

	if len(cfg.Databases) != 1 {
		t.Fatalf("expected 1 database, got %d", len(cfg.Databases))
	}
	db := cfg.Databases[0]
	if db.Name != "orders" || db.User != "app" {
		t.Errorf("unexpected database config: %+v", db)
	}
	if db.Shards[0].Primary.Host != "10.0.0.1" {
		t.Errorf("expected primary 10.0.0.1, got %q", db.Shards[0].Primary.Host)
	}
	if len(cfg.Plugins) != 1 || cfg.Plugins[0] != "pgdog_routing" {
		t.Errorf("expected plugin list, got %v", cfg.Plugins)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_PGDOG_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_PGDOG_PASSWORD")

	yaml := `
databases:
  - name: orders
    user: app
    password: ${TEST_PGDOG_PASSWORD}
    shards:
      - primary:
          host: localhost
          port: 5432
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Databases[0].Password != "secret123" {
		t.Errorf("expected substituted password, got %q", cfg.Databases[0].Password)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTemp(t, "databases: []\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	defaults := pool.DefaultSettings()
	if cfg.Pool.MaxConnections != defaults.MaxConns {
		t.Errorf("expected default max connections %d, got %d", defaults.MaxConns, cfg.Pool.MaxConnections)
	}
	if cfg.Admin.Bind != "127.0.0.1" {
		t.Errorf("expected default admin bind, got %q", cfg.Admin.Bind)
	}
	if cfg.HealthCheck.FailureThreshold != 3 {
		t.Errorf("expected default failure threshold 3, got %d", cfg.HealthCheck.FailureThreshold)
	}
}

func TestValidateRejectsEmptyShard(t *testing.T) {
	yaml := `
databases:
  - name: orders
    user: app
    shards:
      - {}
`
	if _, err := Load(writeTemp(t, yaml)); err == nil {
		t.Error("expected validation error for shard with no primary and no replicas")
	}
}

func TestValidateRejectsMissingUser(t *testing.T) {
	yaml := `
databases:
  - name: orders
    shards:
      - primary:
          host: localhost
          port: 5432
`
	if _, err := Load(writeTemp(t, yaml)); err == nil {
		t.Error("expected validation error for missing user")
	}
}

func TestValidateRejectsUnknownPoolerMode(t *testing.T) {
	yaml := `
general:
  pooler_mode: bogus
databases: []
`
	if _, err := Load(writeTemp(t, yaml)); err == nil {
		t.Error("expected validation error for unknown pooler mode")
	}
}

func TestClustersMaterialization(t *testing.T) {
	yaml := `
general:
  pooler_mode: statement

pool:
  max_connections: 7

databases:
  - name: orders
    user: app
    password: s3cret
    shards:
      - primary:
          host: 10.0.0.1
          port: 5432
        replicas:
          - host: 10.0.0.2
            port: 5432
      - primary:
          host: 10.0.1.1
          port: 5432
`
	cfg, err := Load(writeTemp(t, yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	clusters, err := cfg.Clusters()
	if err != nil {
		t.Fatalf("Clusters failed: %v", err)
	}
	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}

	c := clusters[0]
	if c.Name() != "orders" {
		t.Errorf("expected cluster name orders, got %q", c.Name())
	}
	if c.PoolerMode() != pool.ModeStatement {
		t.Errorf("expected statement mode, got %v", c.PoolerMode())
	}
	if c.Password() != "s3cret" {
		t.Errorf("expected password carried over, got %q", c.Password())
	}
	if len(c.Shards()) != 2 {
		t.Fatalf("expected 2 shards, got %d", len(c.Shards()))
	}

	if c.Shards()[0].PrimaryPool() == nil {
		t.Error("shard 0 should have a primary pool")
	}
	if len(c.Shards()[0].ReplicaPools()) != 1 {
		t.Errorf("shard 0 should have 1 replica, got %d", len(c.Shards()[0].ReplicaPools()))
	}
	if len(c.Shards()[1].ReplicaPools()) != 0 {
		t.Errorf("shard 1 should have no replicas, got %d", len(c.Shards()[1].ReplicaPools()))
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeTemp(t, "databases: []\n")

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	update := `
databases:
  - name: orders
    user: app
    shards:
      - primary:
          host: localhost
          port: 5432
`
	if err := os.WriteFile(path, []byte(update), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if len(cfg.Databases) != 1 {
			t.Errorf("expected reloaded config with 1 database, got %d", len(cfg.Databases))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never fired")
	}
}
