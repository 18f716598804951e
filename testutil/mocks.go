package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks the Twitch identity endpoints
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests map[string]int
}

// NewMockTwitchServer creates a new mock Twitch identity server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		requests: make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.requests[key]++
		m.mu.Unlock()
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Requests returns how many times path was hit.
func (m *MockTwitchServer) Requests(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[path]
}

// TokenURL is the mocked token endpoint.
func (m *MockTwitchServer) TokenURL() string { return m.URL + "/oauth2/token" }

// AuthURL is the mocked authorize endpoint.
func (m *MockTwitchServer) AuthURL() string { return m.URL + "/oauth2/authorize" }

// MockUser describes a token the validate endpoint accepts.
type MockUser struct {
	Token     string
	UserID    string
	Login     string
	ExpiresIn int
}

// MockValidateResponse adds a handler for /oauth2/validate accepting the
// given users' tokens and rejecting everything else with 401.
func (m *MockTwitchServer) MockValidateResponse(users ...MockUser) {
	m.Handlers["/oauth2/validate"] = func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		tok := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(auth, "OAuth "), "Bearer "))
		for _, u := range users {
			if u.Token == tok {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
					"client_id":  "test-client-id",
					"login":      u.Login,
					"user_id":    u.UserID,
					"scopes":     []string{"chat:read", "chat:edit"},
					"expires_in": u.ExpiresIn,
				})
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"status":401,"message":"invalid access token"}`)) //nolint:errcheck // test mock response
	}
}

// MockTokenResponse adds a handler for /oauth2/token that answers both the
// authorization_code and refresh_token grants with the given tokens.
func (m *MockTwitchServer) MockTokenResponse(access, refresh string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch r.PostForm.Get("grant_type") {
		case "authorization_code", "refresh_token":
		default:
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("client_id") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"access_token":  access,
			"refresh_token": refresh,
			"expires_in":    expiresIn,
			"scope":         []string{"chat:read", "chat:edit"},
			"token_type":    "bearer",
		})
	}
}

// MockTokenFailure makes /oauth2/token answer 400.
func (m *MockTwitchServer) MockTokenFailure() {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":400,"message":"Invalid refresh token"}`)) //nolint:errcheck // test mock response
	}
}

// MockStreams adds a handler for /helix/streams reporting the users in live
// (user id to display name) as live when they are asked for.
func (m *MockTwitchServer) MockStreams(live map[string]string) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		data := []map[string]any{}
		for _, id := range r.URL.Query()["user_id"] {
			if name, ok := live[id]; ok {
				data = append(data, map[string]any{
					"id":         "stream-" + id,
					"user_id":    id,
					"user_login": strings.ToLower(name),
					"user_name":  name,
					"type":       "live",
				})
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data, "pagination": map[string]any{}}) //nolint:errcheck // test mock response
	}
}

// Client returns an HTTP client that sends every request, whatever its
// host, to the mock server. It satisfies helix.HTTPClient.
func (m *MockTwitchServer) Client() *http.Client {
	target, _ := url.Parse(m.URL)
	return &http.Client{Transport: rewriteTransport{target: target, base: http.DefaultTransport}}
}

type rewriteTransport struct {
	target *url.URL
	base   http.RoundTripper
}

func (t rewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	r.Host = t.target.Host
	return t.base.RoundTrip(r)
}
