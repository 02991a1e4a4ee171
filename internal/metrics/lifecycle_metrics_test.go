package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewLifecycleWithRegisterer(t *testing.T) {
	m := NewLifecycleWithRegisterer(prometheus.NewRegistry())

	if m == nil {
		t.Fatal("NewLifecycleWithRegisterer should not return nil")
	}
	if m.transitions == nil || m.conflicts == nil || m.webhooks == nil {
		t.Error("order collectors should not be nil")
	}
	if m.jobRuns == nil || m.jobDuration == nil || m.activeJobs == nil {
		t.Error("job collectors should not be nil")
	}
}

func TestNewLifecycle_ReusesAlreadyRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewLifecycleWithRegisterer(reg)
	second := NewLifecycleWithRegisterer(reg)

	first.RecordConflict()
	second.RecordConflict()

	metric := &dto.Metric{}
	if err := first.conflicts.Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 2.0 {
		t.Errorf("expected shared counter value 2.0, got %f", metric.Counter.GetValue())
	}
}

func TestRecordTransition(t *testing.T) {
	m := NewLifecycleWithRegisterer(prometheus.NewRegistry())

	m.RecordTransition("PAID", "PROCESSING")
	m.RecordTransition("PAID", "PROCESSING")

	metric := &dto.Metric{}
	if err := m.transitions.WithLabelValues("PAID", "PROCESSING").Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 2.0 {
		t.Errorf("expected counter value 2.0, got %f", metric.Counter.GetValue())
	}
}

func TestRecordJob(t *testing.T) {
	m := NewLifecycleWithRegisterer(prometheus.NewRegistry())

	m.RecordJobStarted()
	m.RecordJobFinished("payment_retry", "ok", 150*time.Millisecond)

	gauge := &dto.Metric{}
	if err := m.activeJobs.Write(gauge); err != nil {
		t.Fatalf("failed to write gauge: %v", err)
	}
	if gauge.Gauge.GetValue() != 0 {
		t.Errorf("expected no jobs in flight, got %f", gauge.Gauge.GetValue())
	}

	runs := &dto.Metric{}
	if err := m.jobRuns.WithLabelValues("payment_retry", "ok").Write(runs); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if runs.Counter.GetValue() != 1.0 {
		t.Errorf("expected 1 run, got %f", runs.Counter.GetValue())
	}
}

func TestNilLifecycleIsNoop(t *testing.T) {
	var m *Lifecycle
	m.RecordTransition("NEW", "CANCELED")
	m.RecordConflict()
	m.RecordWebhook("fondy", "ok")
	m.RecordJobStarted()
	m.RecordJobFinished("x", "ok", time.Second)
}
