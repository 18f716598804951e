// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	BroadcastsTotal      prometheus.Counter
	DeliveriesTotal      prometheus.Counter
	DeliveryFailures     prometheus.Counter
	FeedDecodeErrors     prometheus.Counter
	FeedReconnects       prometheus.Counter
	FeedIgnoredEvents    prometheus.Counter
	MessagesSaved        prometheus.Counter
	TokenSaves           prometheus.Counter
	TokenRefreshFailures prometheus.Counter
	ChatCommandsHandled  *prometheus.CounterVec

	// Histograms (seconds)
	BroadcastDuration prometheus.Observer

	// Gauges
	SubscribersGauge  prometheus.Gauge
	BroadcastingGauge prometheus.Gauge // 1=fan-out in flight
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "overlay_broadcasts_total", Help: "Number of overlay messages fanned out"})
		DeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "overlay_deliveries_total", Help: "Number of successful per-subscriber sends"})
		DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "overlay_delivery_failures_total", Help: "Number of failed sends (subscriber dropped)"})
		FeedDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "overlay_feed_decode_errors_total", Help: "Change events skipped because they could not be decoded"})
		FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "overlay_feed_reconnects_total", Help: "Number of times the change stream was re-opened"})
		FeedIgnoredEvents = promauto.NewCounter(prometheus.CounterOpts{Name: "overlay_feed_ignored_events_total", Help: "Change events ignored because they are not inserts"})
		MessagesSaved = promauto.NewCounter(prometheus.CounterOpts{Name: "overlay_messages_saved_total", Help: "Overlay messages written by chat commands"})
		TokenSaves = promauto.NewCounter(prometheus.CounterOpts{Name: "token_saves_total", Help: "Credential upserts"})
		TokenRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "token_refresh_failures_total", Help: "Failed credential refresh attempts"})
		ChatCommandsHandled = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_commands_total", Help: "Chat commands dispatched by name and outcome"}, []string{"command", "outcome"})
		BroadcastDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "overlay_broadcast_duration_seconds", Help: "Time to fan one message out to all subscribers", Buckets: prometheus.DefBuckets})
		SubscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "overlay_subscribers", Help: "Currently registered overlay subscribers"})
		BroadcastingGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "overlay_broadcasting", Help: "1 while a broadcast is in flight"})
	})
}

// Inc increments c if metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Add adds n to c if metrics are initialized.
func Add(c prometheus.Counter, n int) {
	if c != nil && n > 0 {
		c.Add(float64(n))
	}
}

// CountCommand records one chat command outcome (ok, denied, error).
func CountCommand(name, outcome string) {
	if ChatCommandsHandled != nil {
		ChatCommandsHandled.WithLabelValues(name, outcome).Inc()
	}
}

// SetSubscribers records the current registry size.
func SetSubscribers(n int) {
	if SubscribersGauge != nil {
		SubscribersGauge.Set(float64(n))
	}
}

// SetBroadcasting sets the in-flight gauge to 1 or 0.
func SetBroadcasting(on bool) {
	if BroadcastingGauge == nil {
		return
	}
	if on {
		BroadcastingGauge.Set(1)
	} else {
		BroadcastingGauge.Set(0)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
