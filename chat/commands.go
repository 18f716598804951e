package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/deRockerTom/twitch-bot/store"
	"github.com/deRockerTom/twitch-bot/telemetry"
)

const replyFailed = "Something went wrong, try again later"

// Commands returns the bot's built-in commands. now defaults to time.Now.
func Commands(messages store.MessageStore, now func() time.Time) []Command {
	if now == nil {
		now = time.Now
	}
	return []Command{
		{
			Name:    "hi",
			Aliases: []string{"hello", "howdy", "hey"},
			Handle: func(_ context.Context, c *Context, r Replier) error {
				r.Reply(c.Channel, c.MessageID, fmt.Sprintf("Hello %s!", c.Mention()))
				return nil
			},
		},
		{
			Name:    "say",
			Aliases: []string{"repeat"},
			ModOnly: true,
			Handle: func(_ context.Context, c *Context, r Replier) error {
				if c.Args == "" {
					return nil
				}
				r.Say(c.Channel, c.Args)
				return nil
			},
		},
		{
			Name:    "overlay",
			ModOnly: true,
			Handle: func(ctx context.Context, c *Context, r Replier) error {
				return sendOverlay(ctx, messages, now, c, r)
			},
		},
	}
}

func sendOverlay(ctx context.Context, messages store.MessageStore, now func() time.Time, c *Context, r Replier) error {
	if c.Args == "" {
		r.Reply(c.Channel, c.MessageID, "Usage: !overlay <message>")
		return nil
	}
	if c.Channel == "" {
		r.Reply(c.Channel, c.MessageID, replyFailed)
		return fmt.Errorf("overlay message without channel: %s", c.Args)
	}

	m := store.NewMessage(c.UserID, channelName(c), c.Args, c.SentAt, now())
	if err := messages.Save(ctx, m); err != nil {
		r.Reply(c.Channel, c.MessageID, replyFailed)
		return fmt.Errorf("failed to send overlay message %q: %w", c.Args, err)
	}
	telemetry.Inc(telemetry.MessagesSaved)
	slog.Info("overlay message saved", slog.String("user_id", m.UserID), slog.String("channel", c.Channel), slog.String("component", "chat"))
	r.Reply(c.Channel, c.MessageID, "Overlay message sent: "+c.Args)
	return nil
}

// channelName is the overlay owner's display name when the broadcaster sent
// the command, and the channel login otherwise. Chat messages carry no
// display name for the channel itself.
func channelName(c *Context) string {
	if c.ChannelID != "" && c.ChannelID == c.UserID && c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Channel
}
