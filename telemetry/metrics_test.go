package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsInitialized(t *testing.T) {
	Init()
	Init() // idempotent, must not panic on duplicate registration

	counters := map[string]prometheus.Counter{
		"broadcasts":     BroadcastsTotal,
		"deliveries":     DeliveriesTotal,
		"failures":       DeliveryFailures,
		"decode_errors":  FeedDecodeErrors,
		"reconnects":     FeedReconnects,
		"ignored":        FeedIgnoredEvents,
		"messages_saved": MessagesSaved,
		"token_saves":    TokenSaves,
		"refresh_fail":   TokenRefreshFailures,
	}
	for name, c := range counters {
		if c == nil {
			t.Errorf("%s counter not initialized", name)
		}
	}
	if BroadcastDuration == nil || SubscribersGauge == nil || BroadcastingGauge == nil {
		t.Error("histogram or gauges not initialized")
	}
}

func TestCounterHelpers(t *testing.T) {
	Init()
	before := promtest.ToFloat64(DeliveriesTotal)
	Add(DeliveriesTotal, 3)
	Add(DeliveriesTotal, 0)
	Inc(DeliveriesTotal)
	if got := promtest.ToFloat64(DeliveriesTotal) - before; got != 4 {
		t.Errorf("deliveries delta = %v, want 4", got)
	}

	// nil counters are ignored
	Inc(nil)
	Add(nil, 2)

	CountCommand("overlay", "ok")
	if got := promtest.ToFloat64(ChatCommandsHandled.WithLabelValues("overlay", "ok")); got < 1 {
		t.Errorf("chat_commands_total{overlay,ok} = %v", got)
	}
}

func TestGauges(t *testing.T) {
	Init()
	SetSubscribers(7)
	if got := promtest.ToFloat64(SubscribersGauge); got != 7 {
		t.Errorf("subscribers gauge = %v, want 7", got)
	}
	SetBroadcasting(true)
	if got := promtest.ToFloat64(BroadcastingGauge); got != 1 {
		t.Errorf("broadcasting gauge = %v, want 1", got)
	}
	SetBroadcasting(false)
	if got := promtest.ToFloat64(BroadcastingGauge); got != 0 {
		t.Errorf("broadcasting gauge = %v, want 0", got)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})
	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil || metric.Histogram.GetSampleCount() == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Error("empty context should have no correlation id")
	}
	ctx = WithCorrelation(ctx, "abc")
	if GetCorrelation(ctx) != "abc" {
		t.Errorf("GetCorrelation = %q", GetCorrelation(ctx))
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
