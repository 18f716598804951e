package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/deRockerTom/twitch-bot/telemetry"
)

// DefaultPrefix starts every command.
const DefaultPrefix = "!"

// Replier sends chat messages. *twitch.Client satisfies it.
type Replier interface {
	Say(channel, text string)
	Reply(channel, parentMsgID, text string)
}

// Context describes one command invocation.
type Context struct {
	Channel     string // channel login
	ChannelID   string
	UserID      string
	Login       string
	DisplayName string
	IsModerator bool
	MessageID   string
	SentAt      time.Time
	// Command is the name used, Args the text after it, trimmed.
	Command string
	Args    string
}

// Mention renders the chatter as "@name".
func (c *Context) Mention() string {
	name := c.DisplayName
	if name == "" {
		name = c.Login
	}
	return "@" + name
}

// Command is a named chat command.
type Command struct {
	Name    string
	Aliases []string
	ModOnly bool
	Handle  func(ctx context.Context, c *Context, r Replier) error
}

// Router dispatches prefixed messages to registered commands.
type Router struct {
	prefix string

	mu       sync.RWMutex
	commands map[string]*Command
}

// NewRouter returns a router for prefix (DefaultPrefix when empty).
func NewRouter(prefix string) *Router {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Router{prefix: prefix, commands: make(map[string]*Command)}
}

// Register adds cmd under its name and aliases. Later registrations win.
func (rt *Router) Register(cmds ...Command) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i := range cmds {
		cmd := cmds[i]
		rt.commands[strings.ToLower(cmd.Name)] = &cmd
		for _, a := range cmd.Aliases {
			rt.commands[strings.ToLower(a)] = &cmd
		}
	}
}

// Parse splits text into a command name and its arguments. ok is false when
// text does not start with the prefix.
func (rt *Router) Parse(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, rt.prefix) {
		return "", "", false
	}
	text = strings.TrimPrefix(text, rt.prefix)
	name, args, _ = strings.Cut(text, " ")
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), strings.TrimSpace(args), true
}

// Dispatch runs the command named in text. It reports whether a command ran.
// Moderator-only commands from other chatters are ignored silently.
func (rt *Router) Dispatch(ctx context.Context, c Context, text string, r Replier) bool {
	name, args, ok := rt.Parse(text)
	if !ok {
		return false
	}
	rt.mu.RLock()
	cmd, found := rt.commands[name]
	rt.mu.RUnlock()
	if !found {
		return false
	}
	if cmd.ModOnly && !c.IsModerator {
		telemetry.CountCommand(cmd.Name, "forbidden")
		slog.Debug("ignoring moderator command", slog.String("command", cmd.Name), slog.String("login", c.Login), slog.String("channel", c.Channel), slog.String("component", "chat"))
		return false
	}

	c.Command, c.Args = name, args
	if err := cmd.Handle(ctx, &c, r); err != nil {
		telemetry.CountCommand(cmd.Name, "error")
		slog.Error("chat command failed", slog.String("command", cmd.Name), slog.String("channel", c.Channel), slog.Any("err", err), slog.String("component", "chat"))
		return true
	}
	telemetry.CountCommand(cmd.Name, "ok")
	return true
}
