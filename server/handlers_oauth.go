package server

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/deRockerTom/twitch-bot/telemetry"
	"github.com/deRockerTom/twitch-bot/twitchapi"
)

// HandleTwitchOAuthStart initiates the Twitch OAuth flow by redirecting to Twitch.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.OAuth == nil || h.deps.Authorizer == nil {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_CLIENT_SECRET)", http.StatusServiceUnavailable)
		return
	}
	st := twitchapi.NewState()
	if !h.states.add(st, time.Now()) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, h.deps.OAuth.AuthorizeURL(st), http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the code from Twitch and stores the
// resulting credential under the user it belongs to.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.deps.OAuth == nil || h.deps.Authorizer == nil {
		http.Error(w, "oauth not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		http.Error(w, "authorization denied: "+e, http.StatusBadRequest)
		return
	}
	code := q.Get("code")
	st := q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.states.consume(st, time.Now()) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)
	grant, err := h.deps.OAuth.Exchange(ctx, code)
	if err != nil {
		log.Error("oauth code exchange failed", slog.Any("err", err), slog.String("component", "oauth"))
		telemetry.RecordError(trace.SpanFromContext(ctx), err)
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}
	tok, err := h.deps.Authorizer.Authorize(ctx, grant.AccessToken, grant.RefreshToken)
	if err != nil {
		log.Error("storing authorized credential failed", slog.Any("err", err), slog.String("component", "oauth"))
		telemetry.RecordError(trace.SpanFromContext(ctx), err)
		http.Error(w, "could not store credential", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"user_id": tok.UserID,
		"login":   tok.Login,
		"scopes":  grant.Scopes,
	})
}
