package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/deRockerTom/twitch-bot/store"
)

// Options configure a Bot.
type Options struct {
	BotID    string
	Tokens   store.TokenStore
	Messages store.MessageStore
	// Router defaults to one with the built-in Commands.
	Router *Router
}

// Bot is the chat side of the service.
type Bot struct {
	botID  string
	tokens store.TokenStore
	router *Router

	mu     sync.Mutex
	client *twitch.Client
	joined map[string]string // channel login to broadcaster user id
}

// NewBot returns a bot that has not connected yet.
func NewBot(o Options) *Bot {
	rt := o.Router
	if rt == nil {
		rt = NewRouter(DefaultPrefix)
		rt.Register(Commands(o.Messages, nil)...)
	}
	return &Bot{
		botID:  o.BotID,
		tokens: o.Tokens,
		router: rt,
		joined: make(map[string]string),
	}
}

// Run connects to chat and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	cred, ok, err := b.tokens.FindByUser(ctx, b.botID)
	if err != nil {
		return fmt.Errorf("load bot token: %w", err)
	}
	if !ok || cred.Token == "" {
		slog.Warn("bot account not authorized; open /auth/twitch/start logged in as the bot account",
			slog.String("bot_id", b.botID), slog.String("component", "chat"))
		<-ctx.Done()
		return nil
	}

	client := twitch.NewClient(cred.Login, "oauth:"+cred.Token)
	client.OnConnect(func() {
		slog.Info("successfully logged in", slog.String("bot_id", b.botID), slog.String("login", cred.Login), slog.String("component", "chat"))
	})
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		b.handle(ctx, client, msg)
	})

	b.mu.Lock()
	b.client = client
	pending := make([]string, 0, len(b.joined))
	for ch := range b.joined {
		pending = append(pending, ch)
	}
	b.mu.Unlock()

	channels, err := b.tokens.GetAll(ctx, 0)
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}
	for _, t := range channels {
		b.JoinChannel(t.UserID, t.Login)
	}
	if len(pending) > 0 {
		client.Join(pending...)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		_ = client.Disconnect()
	}()

	err = client.Connect()
	<-done
	if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
		return fmt.Errorf("twitch chat connect error: %w", err)
	}
	return nil
}

// JoinChannel joins login's channel unless it is the bot's own account.
// Joins requested before Run connects are applied on connect.
func (b *Bot) JoinChannel(userID, login string) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" || userID == b.botID {
		return
	}
	b.mu.Lock()
	_, already := b.joined[login]
	b.joined[login] = userID
	client := b.client
	b.mu.Unlock()
	if already && client != nil {
		return
	}
	if client != nil {
		client.Join(login)
		slog.Info("joined channel", slog.String("channel", login), slog.String("user_id", userID), slog.String("component", "chat"))
	}
}

// Channels returns the channels the bot is in or will join.
func (b *Bot) Channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.joined))
	for ch := range b.joined {
		out = append(out, ch)
	}
	return out
}

// joinedIDs returns the joined channels keyed by broadcaster user id.
func (b *Bot) joinedIDs() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.joined))
	for login, id := range b.joined {
		if id != "" {
			out[id] = login
		}
	}
	return out
}

// replier returns the connected chat client, or nil before Run connects.
func (b *Bot) replier() Replier {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	return b.client
}

// OnAuthorized joins newly authorized channels and swaps in the bot's own
// refreshed token. It matches oauth.AuthorizedFunc.
func (b *Bot) OnAuthorized(_ context.Context, t store.Token) {
	if t.UserID == b.botID {
		b.mu.Lock()
		client := b.client
		b.mu.Unlock()
		if client != nil {
			client.SetIRCToken("oauth:" + t.Token)
		}
		return
	}
	b.JoinChannel(t.UserID, t.Login)
}

func (b *Bot) handle(ctx context.Context, r Replier, msg twitch.PrivateMessage) {
	if msg.User.ID == b.botID {
		return
	}
	b.router.Dispatch(ctx, contextFrom(msg), msg.Message, r)
}

func contextFrom(msg twitch.PrivateMessage) Context {
	sent := msg.Time
	if !sent.IsZero() {
		sent = sent.UTC()
	}
	return Context{
		Channel:     msg.Channel,
		ChannelID:   msg.RoomID,
		UserID:      msg.User.ID,
		Login:       msg.User.Name,
		DisplayName: msg.User.DisplayName,
		IsModerator: isModerator(msg.User.Badges),
		MessageID:   msg.ID,
		SentAt:      sent,
	}
}

func isModerator(badges map[string]int) bool {
	return badges["moderator"] > 0 || badges["broadcaster"] > 0
}
