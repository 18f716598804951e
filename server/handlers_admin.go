package server

import (
	"log/slog"
	"net/http"

	"github.com/deRockerTom/twitch-bot/telemetry"
)

const maxTokensLimit = 1000

type tokenView struct {
	UserID  string `json:"user_id"`
	Login   string `json:"login"`
	Token   string `json:"token"`
	Refresh string `json:"refresh"`
}

// HandleTokens lists stored credentials ordered by login, secrets masked.
func (h *Handlers) HandleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseIntQuery(r, "limit", 0)
	if limit < 0 || limit > maxTokensLimit {
		limit = maxTokensLimit
	}
	tokens, err := h.deps.Backend.Tokens().GetAll(r.Context(), limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list tokens failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "could not list tokens", http.StatusInternalServerError)
		return
	}
	out := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, tokenView{UserID: t.UserID, Login: t.Login, Token: mask(t.Token), Refresh: mask(t.Refresh)})
	}
	writeJSON(w, http.StatusOK, out)
}
