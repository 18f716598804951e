package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// DefaultLivePollInterval paces stream status checks.
const DefaultLivePollInterval = 30 * time.Second

// StreamLookup reports which broadcasters are live, as display names keyed
// by user id. *twitchapi.Streams implements it.
type StreamLookup interface {
	Live(ctx context.Context, userIDs []string) (map[string]string, error)
}

// LiveAnnouncer greets a joined channel in its chat when the stream goes
// live. A channel's first observed status only primes its state, so a
// restart during a stream stays quiet.
type LiveAnnouncer struct {
	bot      *Bot
	streams  StreamLookup
	interval time.Duration

	// user id to last observed live status
	live map[string]bool
}

// NewLiveAnnouncer returns an announcer for the channels bot has joined.
func NewLiveAnnouncer(bot *Bot, streams StreamLookup, interval time.Duration) *LiveAnnouncer {
	if interval <= 0 {
		interval = DefaultLivePollInterval
	}
	return &LiveAnnouncer{bot: bot, streams: streams, interval: interval, live: make(map[string]bool)}
}

// Greeting is the message posted when name goes live.
func Greeting(name string) string {
	return fmt.Sprintf("Hi... %s! You are live!!!", name)
}

// Run polls until ctx is cancelled.
func (a *LiveAnnouncer) Run(ctx context.Context) error {
	slog.Info("live announcer started", slog.Duration("interval", a.interval), slog.String("component", "chat_live"))
	t := time.NewTicker(a.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		r := a.bot.replier()
		if r == nil {
			continue
		}
		if err := a.poll(ctx, r); err != nil && ctx.Err() == nil {
			slog.Debug("stream status lookup failed", slog.Any("err", err), slog.String("component", "chat_live"))
		}
	}
}

// poll checks every joined channel once and greets those that went from
// offline to live since the previous poll.
func (a *LiveAnnouncer) poll(ctx context.Context, r Replier) error {
	channels := a.bot.joinedIDs()
	if len(channels) == 0 {
		return nil
	}
	ids := make([]string, 0, len(channels))
	for id := range channels {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	live, err := a.streams.Live(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		name, isLive := live[id]
		wasLive, seen := a.live[id]
		a.live[id] = isLive
		if !seen || wasLive || !isLive {
			continue
		}
		if name == "" {
			name = channels[id]
		}
		r.Say(channels[id], Greeting(name))
		slog.Info("stream went live", slog.String("channel", channels[id]), slog.String("user_id", id), slog.String("component", "chat_live"))
	}
	for id := range a.live {
		if _, ok := channels[id]; !ok {
			delete(a.live, id)
		}
	}
	return nil
}
