// Command twitch-bot runs the Twitch chat bot and the overlay relay.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the configured store backend (Postgres with migrations, MongoDB
//     or in-memory) with credentials sealed at rest when ENCRYPTION_KEY is set.
//   - Restores stored Twitch credentials and keeps them refreshed.
//   - Runs the chat bot (greeting channels when they go live), and the watcher that pushes every new overlay
//     message to connected overlay websockets.
//   - Exposes the HTTP server with /ws, /healthz, /status, /metrics and the
//     OAuth endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/deRockerTom/twitch-bot/chat"
	"github.com/deRockerTom/twitch-bot/config"
	"github.com/deRockerTom/twitch-bot/crypto"
	"github.com/deRockerTom/twitch-bot/db"
	"github.com/deRockerTom/twitch-bot/memstore"
	"github.com/deRockerTom/twitch-bot/mongodb"
	"github.com/deRockerTom/twitch-bot/oauth"
	"github.com/deRockerTom/twitch-bot/relay"
	"github.com/deRockerTom/twitch-bot/server"
	"github.com/deRockerTom/twitch-bot/store"
	"github.com/deRockerTom/twitch-bot/telemetry"
	"github.com/deRockerTom/twitch-bot/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("twitch-bot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("exiting", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func run(ctx context.Context, cfg *config.Config) error {
	sealer, err := crypto.SealerFromKey(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("ENCRYPTION_KEY: %w", err)
	}
	if !sealer.Enabled() && cfg.StoreBackend != config.BackendMemory {
		slog.Warn("ENCRYPTION_KEY not set, credentials are stored in plaintext")
	}

	backend, err := openBackend(ctx, cfg, sealer)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := backend.Close(closeCtx); err != nil {
			slog.Error("failed to close store", slog.Any("err", err))
		}
	}()
	slog.Info("store ready", slog.String("backend", backend.Name()))

	registry := relay.NewRegistry()
	rl := relay.New(registry, relay.Options{SendTimeout: cfg.RelaySendTimeout, MaxParallel: cfg.RelayMaxParallel})
	watcher := relay.NewWatcher(backend.Feed(), rl, relay.WatcherOptions{RetryMin: cfg.FeedRetryMin, RetryMax: cfg.FeedRetryMax})

	deps := server.Deps{Backend: backend, Relay: rl}

	var bot *chat.Bot
	if cfg.ChatBotEnabled {
		bot = chat.NewBot(chat.Options{BotID: cfg.TwitchBotID, Tokens: backend.Tokens(), Messages: backend.Messages()})
	}

	var authorizer *oauth.Authorizer
	var announcer *chat.LiveAnnouncer
	if cfg.OAuthEnabled() {
		o, err := twitchapi.NewOAuth(twitchapi.OAuthConfig{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			RedirectURI:  cfg.TwitchRedirectURI,
			Scopes:       cfg.TwitchScopes,
		})
		if err != nil {
			return fmt.Errorf("twitch oauth: %w", err)
		}
		v, err := twitchapi.NewValidator(cfg.TwitchClientID, nil)
		if err != nil {
			return err
		}
		authorizer = oauth.NewAuthorizer(backend.Tokens(), v, o)
		if bot != nil {
			authorizer.OnAuthorized(bot.OnAuthorized)
		}
		deps.OAuth, deps.Authorizer = o, authorizer

		if bot != nil && cfg.ChatLivePollInterval > 0 {
			streams, err := twitchapi.NewStreams(cfg.TwitchClientID, nil, botToken(backend.Tokens(), cfg.TwitchBotID))
			if err != nil {
				return err
			}
			announcer = chat.NewLiveAnnouncer(bot, streams, cfg.ChatLivePollInterval)
		}

		restored, err := authorizer.Restore(ctx)
		if err != nil {
			slog.Error("restoring stored credentials failed", slog.Any("err", err), slog.String("component", "oauth"))
		}
		logOwnerHint(cfg, restored)
	} else {
		slog.Info("twitch oauth disabled (need TWITCH_CLIENT_ID + TWITCH_CLIENT_SECRET)")
	}

	startPprof()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return server.Start(gctx, cfg.HTTPAddr, deps) })
	if authorizer != nil {
		authorizer.StartRefresher(gctx, cfg.TokenRefreshInterval, cfg.TokenRefreshWindow)
	}
	if bot != nil {
		g.Go(func() error { return bot.Run(gctx) })
		if announcer != nil {
			g.Go(func() error { return announcer.Run(gctx) })
		}
	} else {
		slog.Info("chat bot disabled (set CHAT_BOT_ENABLED=true)")
	}

	<-gctx.Done()
	slog.Info("shutting down")
	return g.Wait()
}

func openBackend(ctx context.Context, cfg *config.Config, sealer store.Sealer) (store.Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		b, err := db.Open(ctx, db.Options{DSN: cfg.DBDsn, Sealer: sealer})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return b, nil
	case config.BackendMongo:
		b, err := mongodb.Open(ctx, mongodb.Options{URI: cfg.MongoURI, Database: cfg.MongoDB, Sealer: sealer})
		if err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		return b, nil
	case config.BackendMemory:
		slog.Warn("using in-memory store; credentials and messages are lost on restart")
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// botToken reads the bot account's current access token for Helix lookups.
func botToken(tokens store.TokenStore, botID string) twitchapi.TokenFunc {
	return func(ctx context.Context) (string, error) {
		t, ok, err := tokens.FindByUser(ctx, botID)
		if err != nil {
			return "", err
		}
		if !ok || t.Token == "" {
			return "", fmt.Errorf("bot account %s not authorized", botID)
		}
		return t.Token, nil
	}
}

func logOwnerHint(cfg *config.Config, restored []store.Token) {
	if cfg.TwitchOwnerID == "" {
		return
	}
	for _, t := range restored {
		if t.UserID == cfg.TwitchOwnerID {
			return
		}
	}
	slog.Warn("channel owner has not authorized the app yet; open /auth/twitch/start logged in as the owner",
		slog.String("owner_id", cfg.TwitchOwnerID))
}

// startPprof enables profiling endpoints in debug mode (ENABLE_PPROF=1).
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
