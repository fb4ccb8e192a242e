package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.ActiveRequests == nil {
		t.Error("ActiveRequests is nil")
	}
	if m.QueueDepth == nil {
		t.Error("QueueDepth is nil")
	}
	if m.UpstreamLatency == nil {
		t.Error("UpstreamLatency is nil")
	}
	if m.TokensTotal == nil {
		t.Error("TokensTotal is nil")
	}
	if m.RateLimitExceeded == nil {
		t.Error("RateLimitExceeded is nil")
	}
	if m.QueueRejected == nil {
		t.Error("QueueRejected is nil")
	}

	// Verify metrics can be gathered without error.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family")
	}
}

func TestNewMetricsIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	// Increment counters and observe histograms to verify they work.
	m.RequestsTotal.WithLabelValues("/v1/chat/completions", "200").Inc()
	m.RateLimitExceeded.Inc()
	m.QueueRejected.Inc()
	m.ActiveRequests.Set(5)
	m.QueueDepth.Set(2)
	m.TokensTotal.WithLabelValues("key1").Add(12)
	m.RequestDuration.WithLabelValues("/v1/chat/completions").Observe(0.123)
	m.UpstreamLatency.Observe(0.456)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather after increment: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"heimdall_requests_total",
		"heimdall_ratelimit_exceeded_total",
		"heimdall_queue_rejected_total",
		"heimdall_active_requests",
		"heimdall_queue_depth",
		"heimdall_tokens_total",
		"heimdall_request_duration_seconds",
		"heimdall_upstream_latency_seconds",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing metric %q in gathered families", name)
		}
	}
}

// SetupTracing is not unit-tested because it requires a gRPC connection
// to an OTLP collector, which is integration-test territory.
