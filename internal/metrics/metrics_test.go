package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestNewDoesNotPanicTwice(t *testing.T) {
	// Each Collector registers on its own registry, so building two
	// (config reload, tests) must never collide.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on second call: %v", r)
		}
	}()
	New()
	New()
}

func TestUpdatePoolStats(t *testing.T) {
	c := New()

	c.UpdatePoolStats("orders", "10.0.0.1:5432", 3, 5, 8, 1)

	if val := getGaugeValue(c.poolIdle.WithLabelValues("orders", "10.0.0.1:5432")); val != 3 {
		t.Errorf("expected idle=3, got %v", val)
	}
	if val := getGaugeValue(c.poolInUse.WithLabelValues("orders", "10.0.0.1:5432")); val != 5 {
		t.Errorf("expected in_use=5, got %v", val)
	}

	// A second call replaces (not increments) the value.
	c.UpdatePoolStats("orders", "10.0.0.1:5432", 2, 4, 6, 0)
	if val := getGaugeValue(c.poolIdle.WithLabelValues("orders", "10.0.0.1:5432")); val != 2 {
		t.Errorf("expected idle=2 after update, got %v", val)
	}
}

func TestCheckoutObserved(t *testing.T) {
	c := New()

	c.CheckoutObserved("10.0.0.1:5432", 10*time.Millisecond, nil)
	c.CheckoutObserved("10.0.0.1:5432", 20*time.Millisecond, errors.New("timeout"))

	if val := getCounterValue(c.checkoutsTotal.WithLabelValues("10.0.0.1:5432", "ok")); val != 1 {
		t.Errorf("expected 1 ok checkout, got %v", val)
	}
	if val := getCounterValue(c.checkoutsTotal.WithLabelValues("10.0.0.1:5432", "error")); val != 1 {
		t.Errorf("expected 1 failed checkout, got %v", val)
	}

	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "pgdog_pool_checkout_duration_seconds" {
			found = true
			if f.GetMetric()[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 histogram samples, got %d", f.GetMetric()[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("checkout duration histogram not registered")
	}
}

func TestRoutingDecision(t *testing.T) {
	c := New()

	c.RoutingDecision("pgdog_routing", "write", time.Millisecond)
	c.RoutingDecision("pgdog_routing", "write", time.Millisecond)
	c.RoutingDecision("pgdog_routing", "read", time.Millisecond)

	if val := getCounterValue(c.routingDecisions.WithLabelValues("pgdog_routing", "write")); val != 2 {
		t.Errorf("expected 2 write decisions, got %v", val)
	}
	if val := getCounterValue(c.routingDecisions.WithLabelValues("pgdog_routing", "read")); val != 1 {
		t.Errorf("expected 1 read decision, got %v", val)
	}
}

func TestServerHealthGauge(t *testing.T) {
	c := New()

	c.SetServerHealth("10.0.0.1:5432", true)
	if val := getGaugeValue(c.serverHealth.WithLabelValues("10.0.0.1:5432")); val != 1 {
		t.Errorf("expected healthy=1, got %v", val)
	}

	c.SetServerHealth("10.0.0.1:5432", false)
	if val := getGaugeValue(c.serverHealth.WithLabelValues("10.0.0.1:5432")); val != 0 {
		t.Errorf("expected healthy=0, got %v", val)
	}
}

func TestPoolExhaustedCounter(t *testing.T) {
	c := New()

	c.PoolExhausted("10.0.0.1:5432")
	c.PoolExhausted("10.0.0.1:5432")

	if val := getCounterValue(c.poolExhausted.WithLabelValues("10.0.0.1:5432")); val != 2 {
		t.Errorf("expected 2 exhaustion events, got %v", val)
	}
}
