package oauth

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultRefreshInterval = 5 * time.Minute
	defaultRefreshWindow   = 15 * time.Minute
)

// StartRefresher keeps stored credentials fresh in the background until ctx
// ends. Every interval (with +/-20% jitter) it refreshes credentials that
// expire within window. A pass that fails is retried sooner, backing off
// exponentially up to interval.
func (a *Authorizer) StartRefresher(ctx context.Context, interval, window time.Duration) {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	if window <= 0 {
		window = defaultRefreshWindow
	}
	go a.refreshLoop(ctx, interval, window)
}

func (a *Authorizer) refreshLoop(ctx context.Context, interval, window time.Duration) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = max(min(interval/10, 30*time.Second), time.Millisecond)
	retry.MaxInterval = interval
	retry.Reset()

	// spread the first pass of several instances over half an interval
	//nolint:gosec // G404: scheduling jitter only
	timer := time.NewTimer(time.Duration(rand.Int64N(int64(interval/2) + 1)))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := jittered(interval)
		if err := a.RefreshDue(ctx, window); err != nil {
			if ctx.Err() != nil {
				return
			}
			next = retry.NextBackOff()
			slog.Warn("token refresh pass failed",
				slog.Any("err", err),
				slog.Duration("retry_in", next),
				slog.String("component", "oauth"))
		} else {
			retry.Reset()
		}
		timer.Reset(next)
	}
}

// jittered returns interval moved by up to 20% either way.
func jittered(interval time.Duration) time.Duration {
	spread := int64(interval / 5)
	if spread <= 0 {
		return interval
	}
	//nolint:gosec // G404: scheduling jitter only
	return interval + time.Duration(rand.Int64N(2*spread+1)-spread)
}
