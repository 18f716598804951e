package server

import (
	"errors"
	"net/http"
)

// HandleHealthz responds to liveness probe requests by pinging the store backend.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Backend.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleAPIHealth is the JSON health endpoint used by overlay pages.
func (h *Handlers) HandleAPIHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"store", func() error { return h.deps.Backend.Ping(r.Context()) }},
		{"relay", func() error {
			if h.deps.Relay == nil {
				return errors.New("relay not running")
			}
			return nil
		}},
		{"credentials", func() error {
			tokens, err := h.deps.Backend.Tokens().GetAll(r.Context(), 1)
			if err != nil {
				return err
			}
			if len(tokens) < 1 {
				return errors.New("missing OAuth tokens")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports the relay's live state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := map[string]any{
		"backend":     h.deps.Backend.Name(),
		"subscribers": 0,
		"relay_state": "stopped",
	}
	if h.deps.Relay != nil {
		out["subscribers"] = h.deps.Relay.Registry().Len()
		out["relay_state"] = h.deps.Relay.State().String()
	}
	writeJSON(w, http.StatusOK, out)
}
