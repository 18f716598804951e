// Package server exposes the HTTP API: the overlay websocket, health and status
// probes, metrics, the Twitch OAuth flow and a credential listing for
// operators. CORS is permissive in development and restricted to
// CORS_ALLOWED_ORIGINS otherwise; every request carries a correlation ID.
package server

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deRockerTom/twitch-bot/relay"
	"github.com/deRockerTom/twitch-bot/store"
	"github.com/deRockerTom/twitch-bot/telemetry"
	"github.com/deRockerTom/twitch-bot/twitchapi"
)

// CodeExchanger runs the authorization code flow. *twitchapi.OAuth implements it.
type CodeExchanger interface {
	AuthorizeURL(state string) string
	Exchange(ctx context.Context, code string) (twitchapi.Grant, error)
}

// CredentialAuthorizer persists a freshly granted credential. *oauth.Authorizer
// implements it.
type CredentialAuthorizer interface {
	Authorize(ctx context.Context, access, refresh string) (store.Token, error)
}

// Deps are the components the HTTP surface serves.
type Deps struct {
	Backend store.Backend
	Relay   *relay.Relay
	// OAuth and Authorizer are optional; without them /auth/ answers 503.
	OAuth      CodeExchanger
	Authorizer CredentialAuthorizer
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine and every
// websocket connection.
func NewMux(ctx context.Context, d Deps) http.Handler {
	guard := loadAdminGuard()
	origins := loadOriginPolicy()
	limiter := newClientLimiter(ctx, loadLimitPolicy())

	handlers := NewHandlers(ctx, d, origins.checkWebsocketOrigin)

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	// Overlay clients
	mux.HandleFunc("/ws", handlers.HandleOverlayWS)

	// OAuth endpoints
	mux.HandleFunc("/auth/twitch/start", handlers.HandleTwitchOAuthStart)
	mux.HandleFunc("/auth/twitch/callback", handlers.HandleTwitchOAuthCallback)

	// Health and readiness endpoints
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)
	mux.HandleFunc("/api/v1/health", handlers.HandleAPIHealth)

	mux.HandleFunc("/status", handlers.HandleStatus)
	mux.Handle("/api/v1/tokens", guard.wrap(http.HandlerFunc(handlers.HandleTokens)))

	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/auth/") {
			limiter.wrap(mux).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path, telemetry.HTTPAttrs(r.Method, r.URL.Path)...)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.EndHTTPSpan(span, wrappedWriter.statusCode)
	})
	return origins.wrap(handler)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker so the websocket upgrader can take over the
// connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, d Deps) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, d),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err), slog.String("component", "http"))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err), slog.String("component", "http"))
		return err
	}
	return nil
}
