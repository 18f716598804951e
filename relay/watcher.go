package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/deRockerTom/twitch-bot/store"
	"github.com/deRockerTom/twitch-bot/telemetry"
)

const streamCloseTimeout = 5 * time.Second

// WatcherOptions configure reconnect backoff. Zero values select defaults.
type WatcherOptions struct {
	RetryMin time.Duration // first reconnect delay (default 500ms)
	RetryMax time.Duration // delay cap (default 30s)
}

// Watcher turns the message change feed into broadcasts. It reads one event
// at a time and waits for its broadcast before reading the next, so every
// subscriber sees messages in insert order.
type Watcher struct {
	feed  store.ChangeFeed
	relay *Relay
	bo    *backoff.ExponentialBackOff
}

// NewWatcher returns a watcher feeding r from feed.
func NewWatcher(feed store.ChangeFeed, r *Relay, opts WatcherOptions) *Watcher {
	if opts.RetryMin <= 0 {
		opts.RetryMin = 500 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryMin {
		opts.RetryMax = 30 * time.Second
		if opts.RetryMax < opts.RetryMin {
			opts.RetryMax = opts.RetryMin
		}
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.RetryMin
	bo.MaxInterval = opts.RetryMax
	bo.Reset()
	return &Watcher{feed: feed, relay: r, bo: bo}
}

// Run watches until ctx is cancelled. Stream failures are retried with
// exponential backoff; each new stream starts from the current position, so
// inserts made while disconnected are not replayed.
func (w *Watcher) Run(ctx context.Context) error {
	slog.Info("overlay watcher started", slog.String("component", "relay_watcher"))
	defer slog.Info("overlay watcher stopped", slog.String("component", "relay_watcher"))

	for {
		err := w.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		delay := w.bo.NextBackOff()
		if delay == backoff.Stop {
			delay = w.bo.MaxInterval
		}
		telemetry.Inc(telemetry.FeedReconnects)
		slog.Warn("change stream interrupted, reconnecting",
			slog.Any("err", err),
			slog.Duration("retry_in", delay),
			slog.String("component", "relay_watcher"))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (w *Watcher) watchOnce(ctx context.Context) error {
	stream, err := w.feed.Watch(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), streamCloseTimeout)
		defer cancel()
		if err := stream.Close(closeCtx); err != nil {
			slog.Warn("change stream close failed", slog.Any("err", err), slog.String("component", "relay_watcher"))
		}
	}()
	w.bo.Reset()
	slog.Debug("change stream opened", slog.String("component", "relay_watcher"))

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			return err
		}
		w.handle(ctx, ev)
	}
}

func (w *Watcher) handle(ctx context.Context, ev store.ChangeEvent) {
	if ev.Op != store.OpInsert {
		telemetry.Inc(telemetry.FeedIgnoredEvents)
		slog.Debug("ignoring non-insert change", slog.String("op", string(ev.Op)), slog.String("id", ev.ID), slog.String("component", "relay_watcher"))
		return
	}

	var m store.Message
	err := ev.Decode(&m)
	if err == nil {
		err = store.ValidateMessage(m)
	}
	if err != nil {
		telemetry.Inc(telemetry.FeedDecodeErrors)
		slog.Error("skipping undecodable overlay message", slog.String("id", ev.ID), slog.Any("err", err), slog.String("component", "relay_watcher"))
		return
	}

	slog.Info("overlay message observed", slog.String("message", m.String()), slog.String("component", "relay_watcher"))
	// shutdown must not cut a fan-out short; per-send timeouts still apply
	w.relay.Broadcast(context.WithoutCancel(ctx), m)
}
