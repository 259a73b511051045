package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()

	MustRegister(reg)

	// Record some values so metrics appear in Gather()
	RecordOutcome("completed")
	RecordDelivery("ok", "dhis2-central", 0.25)
	RecordPollCycle("fetched")
	UpdateQueueDepth(17)
	UpdatePendingSize(21)

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}

	expectedMetrics := []string{
		"dispatch2_requests_processed_total",
		"dispatch2_deliveries_total",
		"dispatch2_delivery_latency_seconds",
		"dispatch2_poll_cycles_total",
		"dispatch2_queue_depth",
		"dispatch2_pending_size",
	}

	registered := make(map[string]bool)
	for _, mf := range metricFamilies {
		registered[mf.GetName()] = true
	}
	for _, name := range expectedMetrics {
		if !registered[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestGaugeValues(t *testing.T) {
	UpdateQueueDepth(123)
	if got := testutil.ToFloat64(QueueDepth); got != 123 {
		t.Errorf("QueueDepth = %v, want 123", got)
	}

	UpdatePendingSize(7)
	if got := testutil.ToFloat64(PendingSize); got != 7 {
		t.Errorf("PendingSize = %v, want 7", got)
	}
}

func TestOutcomeCounter(t *testing.T) {
	before := testutil.ToFloat64(RequestsProcessedTotal.WithLabelValues("expired"))
	RecordOutcome("expired")
	after := testutil.ToFloat64(RequestsProcessedTotal.WithLabelValues("expired"))
	if after != before+1 {
		t.Errorf("expired counter = %v, want %v", after, before+1)
	}
}
