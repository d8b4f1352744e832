package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newEngineMetricsWithRegisterer(reg)

	if m == nil {
		t.Fatal("newEngineMetricsWithRegisterer should not return nil")
	}
	if m.reservations == nil {
		t.Error("reservations counter should not be nil")
	}
	if m.releases == nil {
		t.Error("releases counter should not be nil")
	}
	if m.lockTimeouts == nil {
		t.Error("lockTimeouts counter should not be nil")
	}
	if m.mutationDuration == nil {
		t.Error("mutationDuration histogram vec should not be nil")
	}
	if m.invalidationFailures == nil {
		t.Error("invalidationFailures counter should not be nil")
	}
}

func TestNewEngineMetrics_DoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := newEngineMetricsWithRegisterer(reg)
	second := newEngineMetricsWithRegisterer(reg)

	// Повторная регистрация должна вернуть уже существующие коллекторы.
	first.RecordReservation()
	second.RecordReservation()

	if got := counterValue(t, first.reservations); got != 2 {
		t.Fatalf("expected shared counter value 2, got %v", got)
	}
}

func TestRecordCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newEngineMetricsWithRegisterer(reg)

	m.RecordReservation()
	m.RecordReservation()
	m.RecordRelease()
	m.RecordInsufficientStock()
	m.RecordLockTimeout()
	m.RecordLockRetry()
	m.RecordInvalidation()
	m.RecordInvalidationFailure()
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordCacheBypass()
	m.RecordMutationDuration("add_detail", 15*time.Millisecond)

	if got := counterValue(t, m.reservations); got != 2 {
		t.Errorf("reservations = %v, want 2", got)
	}
	if got := counterValue(t, m.releases); got != 1 {
		t.Errorf("releases = %v, want 1", got)
	}
	if got := counterValue(t, m.invalidationFailures); got != 1 {
		t.Errorf("invalidationFailures = %v, want 1", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}
