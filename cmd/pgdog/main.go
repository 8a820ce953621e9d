package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/etolbakov/pgdog/internal/api"
	"github.com/etolbakov/pgdog/internal/config"
	"github.com/etolbakov/pgdog/internal/health"
	"github.com/etolbakov/pgdog/internal/metrics"
	"github.com/etolbakov/pgdog/internal/plugin"
	"github.com/etolbakov/pgdog/internal/pool"
)

func main() {
	configPath := flag.String("config", "configs/pgdog.yaml", "path to configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	slog.Info("configuration loaded", "path", *configPath, "databases", len(cfg.Databases))

	m := metrics.New()

	// Clusters live behind an atomic pointer so a reload can build the
	// replacement topology and swap it in without pausing checkouts.
	var clusters atomic.Value // holds []*pool.Cluster
	built, err := cfg.Clusters()
	if err != nil {
		log.Fatalf("Failed to build clusters: %v", err)
	}
	launch(built, m)
	clusters.Store(built)

	current := func() []*pool.Cluster {
		return clusters.Load().([]*pool.Cluster)
	}

	// Load routing plugins in configured order.
	plugins := plugin.NewRegistry()
	plugins.LoadAll(cfg.Plugins)

	// Health checks probe whatever topology is live.
	hc := health.NewChecker(func() []string {
		var addrs []string
		for _, c := range current() {
			c.EachPool(func(_ int, _ plugin.Role, p *pool.Pool) {
				addrs = append(addrs, p.Addr().String())
			})
		}
		return addrs
	}, m, cfg.HealthCheck.Interval, cfg.HealthCheck.FailureThreshold, cfg.HealthCheck.ConnectionTimeout)
	hc.Start()

	// Periodic pool occupancy export.
	statsStop := make(chan struct{})
	go statsLoop(current, m, statsStop)

	reload := func() error {
		newCfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		return swap(&clusters, newCfg, m)
	}

	apiServer := api.NewServer(current, reload, hc, m, plugins)
	if err := apiServer.Start(cfg.Admin.Bind, cfg.Admin.Port); err != nil {
		log.Fatalf("Failed to start admin API: %v", err)
	}

	// Config hot-reload: build the new topology, swap it in, then drop the old one.
	watcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		if err := swap(&clusters, newCfg, m); err != nil {
			slog.Error("reload failed", "err", err)
		}
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("pgdog ready", "admin_port", cfg.Admin.Port, "plugins", plugins.Len())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	if watcher != nil {
		watcher.Stop()
	}
	apiServer.Stop()
	hc.Stop()
	close(statsStop)
	shutdown(current())

	slog.Info("pgdog stopped")
}

// launch brings every pool online and wires the metrics hooks.
func launch(clusters []*pool.Cluster, m *metrics.Collector) {
	hooks := pool.Hooks{
		OnExhausted: m.PoolExhausted,
		OnCheckout:  m.CheckoutObserved,
	}
	for _, c := range clusters {
		c.EachPool(func(_ int, _ plugin.Role, p *pool.Pool) {
			p.SetHooks(hooks)
		})
		c.Launch()
	}
}

// swap builds the new topology, installs it, and shuts the old one down.
func swap(clusters *atomic.Value, cfg *config.Config, m *metrics.Collector) error {
	built, err := cfg.Clusters()
	if err != nil {
		return err
	}
	launch(built, m)

	old := clusters.Load().([]*pool.Cluster)
	clusters.Store(built)
	shutdown(old)

	slog.Info("topology swapped", "databases", len(built))
	return nil
}

func shutdown(clusters []*pool.Cluster) {
	for _, c := range clusters {
		c.Shutdown()
	}
}

// statsLoop exports pool occupancy gauges every few seconds.
func statsLoop(current func() []*pool.Cluster, m *metrics.Collector, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, c := range current() {
				c.EachPool(func(_ int, _ plugin.Role, p *pool.Pool) {
					s := p.Stats()
					m.UpdatePoolStats(c.Name(), s.Addr, s.Idle, s.InUse, s.Total, s.Waiting)
				})
			}
		case <-stop:
			return
		}
	}
}
