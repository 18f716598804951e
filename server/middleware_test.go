package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAdminGuard(t *testing.T) {
	tests := []struct {
		name  string
		guard adminGuard
		basic [2]string
		token string
		want  int
	}{
		{name: "unconfigured passes", want: http.StatusOK},
		{name: "username alone does not enable", guard: adminGuard{username: "admin"}, want: http.StatusOK},
		{name: "basic ok", guard: adminGuard{username: "admin", password: "pw"}, basic: [2]string{"admin", "pw"}, want: http.StatusOK},
		{name: "basic wrong user", guard: adminGuard{username: "admin", password: "pw"}, basic: [2]string{"root", "pw"}, want: http.StatusUnauthorized},
		{name: "basic wrong password", guard: adminGuard{username: "admin", password: "pw"}, basic: [2]string{"admin", "nope"}, want: http.StatusUnauthorized},
		{name: "basic missing", guard: adminGuard{username: "admin", password: "pw"}, want: http.StatusUnauthorized},
		{name: "token ok", guard: adminGuard{token: "tkn-123"}, token: "tkn-123", want: http.StatusOK},
		{name: "token wrong", guard: adminGuard{token: "tkn-123"}, token: "tkn-999", want: http.StatusUnauthorized},
		{name: "token does not fall back to empty basic", guard: adminGuard{token: "tkn-123"}, basic: [2]string{"", ""}, want: http.StatusUnauthorized},
		{name: "token wins over bad basic", guard: adminGuard{username: "admin", password: "pw", token: "tkn-123"}, token: "tkn-123", basic: [2]string{"x", "y"}, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/tokens", nil)
			if tt.basic != [2]string{} {
				req.SetBasicAuth(tt.basic[0], tt.basic[1])
			}
			if tt.token != "" {
				req.Header.Set("X-Admin-Token", tt.token)
			}
			rr := httptest.NewRecorder()
			tt.guard.wrap(okHandler).ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if rr.Code == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 without WWW-Authenticate")
			}
		})
	}
}

func TestLoadAdminGuard(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want bool
	}{
		{"nothing set", nil, false},
		{"password missing", map[string]string{"ADMIN_USERNAME": "admin"}, false},
		{"basic", map[string]string{"ADMIN_USERNAME": "admin", "ADMIN_PASSWORD": "pw"}, true},
		{"token", map[string]string{"ADMIN_TOKEN": "tkn"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"ADMIN_USERNAME", "ADMIN_PASSWORD", "ADMIN_TOKEN"} {
				t.Setenv(k, tt.env[k])
			}
			if got := loadAdminGuard().enabled(); got != tt.want {
				t.Errorf("enabled = %v, want %v", got, tt.want)
			}
		})
	}
}

func newLimiter(t *testing.T, burst int, window time.Duration) *clientLimiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return newClientLimiter(ctx, limitPolicy{enabled: true, burst: burst, window: window})
}

func TestClientLimiterBurstAndRefill(t *testing.T) {
	l := newLimiter(t, 3, 3*time.Second)
	now := time.Now()
	for i := 0; i < 3; i++ {
		if ok, _ := l.take("192.0.2.1", now); !ok {
			t.Fatalf("request %d refused inside the burst", i+1)
		}
	}
	ok, wait := l.take("192.0.2.1", now)
	if ok {
		t.Fatal("fourth request allowed")
	}
	if wait <= 0 || wait > time.Second {
		t.Errorf("wait = %s, want (0, 1s]", wait)
	}
	// refused requests do not consume tokens
	if ok, _ := l.take("192.0.2.1", now.Add(time.Second)); !ok {
		t.Error("request after one refill interval refused")
	}
}

func TestClientLimiterKeysAreIndependent(t *testing.T) {
	l := newLimiter(t, 1, time.Minute)
	now := time.Now()
	if ok, _ := l.take("192.0.2.1", now); !ok {
		t.Fatal("first client refused")
	}
	if ok, _ := l.take("192.0.2.2", now); !ok {
		t.Fatal("second client refused")
	}
	if ok, _ := l.take("192.0.2.1", now); ok {
		t.Error("first client allowed twice")
	}
}

func TestClientLimiterDisabled(t *testing.T) {
	l := newClientLimiter(context.Background(), limitPolicy{enabled: false, burst: 1, window: time.Minute})
	for i := 0; i < 50; i++ {
		if ok, _ := l.take("192.0.2.1", time.Now()); !ok {
			t.Fatalf("disabled limiter refused request %d", i+1)
		}
	}
}

func TestClientLimiterSweep(t *testing.T) {
	l := newLimiter(t, 1, time.Second)
	now := time.Now()
	l.take("192.0.2.1", now)
	l.sweep(now.Add(time.Second))
	if len(l.buckets) != 1 {
		t.Fatal("recent client forgotten")
	}
	l.sweep(now.Add(3 * time.Second))
	if len(l.buckets) != 0 {
		t.Error("idle client kept")
	}
}

func TestClientLimiterMiddleware(t *testing.T) {
	h := newLimiter(t, 2, time.Minute).wrap(okHandler)
	send := func(remote, forwarded string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/auth/twitch/start", nil)
		req.RemoteAddr = remote
		if forwarded != "" {
			req.Header.Set("X-Forwarded-For", forwarded)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	// the proxy address is shared, the forwarded client is what counts
	for i := 0; i < 2; i++ {
		if rr := send("10.0.0.1:5000", "203.0.113.7, 10.0.0.2"); rr.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i+1, rr.Code)
		}
	}
	rr := send("10.0.0.1:5000", "203.0.113.7")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}
	if rr := send("10.0.0.1:5000", ""); rr.Code != http.StatusOK {
		t.Errorf("proxy itself limited: %d", rr.Code)
	}
}

func TestLoadLimitPolicy(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "")
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "5")
	t.Setenv("RATE_LIMIT_WINDOW_SECONDS", "bogus")
	p := loadLimitPolicy()
	if !p.enabled || p.burst != 5 || p.window != time.Minute {
		t.Errorf("policy = %+v", p)
	}

	t.Setenv("RATE_LIMIT_ENABLED", "0")
	t.Setenv("RATE_LIMIT_WINDOW_SECONDS", "10")
	if p := loadLimitPolicy(); p.enabled || p.window != 10*time.Second {
		t.Errorf("policy = %+v", p)
	}
}

func TestOriginPolicyAllows(t *testing.T) {
	p := &originPolicy{allowed: []string{"https://overlay.example.com", "*.streamer.tv"}}
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://overlay.example.com", true},
		{"http://overlay.example.com", false},
		{"https://evil.com", false},
		{"https://www.streamer.tv", true},
		{"http://a.b.streamer.tv:8080", true},
		{"https://streamer.tv", false},
		{"https://notstreamer.tv", false},
		{"not a url", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			if got := p.allows(tt.origin); got != tt.want {
				t.Errorf("allows(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestOriginPolicyHeaders(t *testing.T) {
	tests := []struct {
		name      string
		policy    originPolicy
		origin    string
		wantAllow string
		wantCreds bool
	}{
		{"permissive", originPolicy{permissive: true}, "https://anything.dev", "*", false},
		{"restricted match", originPolicy{allowed: []string{"https://ok.dev"}}, "https://ok.dev", "https://ok.dev", true},
		{"restricted miss", originPolicy{allowed: []string{"https://ok.dev"}}, "https://bad.dev", "", false},
		{"restricted without origin", originPolicy{allowed: []string{"https://ok.dev"}}, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			tt.policy.wrap(okHandler).ServeHTTP(rr, req)
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
			if creds := rr.Header().Get("Access-Control-Allow-Credentials") == "true"; creds != tt.wantCreds {
				t.Errorf("credentials = %v, want %v", creds, tt.wantCreds)
			}
		})
	}
}

func TestOriginPolicyPreflight(t *testing.T) {
	p := &originPolicy{permissive: true}
	h := p.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight reached the handler")
	}))
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/tokens", nil)
	req.Header.Set("Origin", "https://example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Methods") == "" || rr.Header().Get("Access-Control-Allow-Headers") == "" {
		t.Error("preflight without allow headers")
	}
}

func TestCheckWebsocketOrigin(t *testing.T) {
	restricted := &originPolicy{allowed: []string{"https://overlay.example.com"}}
	tests := []struct {
		name   string
		policy *originPolicy
		origin string
		want   bool
	}{
		{"permissive", &originPolicy{permissive: true}, "https://anywhere.dev", true},
		{"no origin header", restricted, "", true},
		{"opaque origin", restricted, "null", true},
		{"listed origin", restricted, "https://overlay.example.com", true},
		{"unlisted origin", restricted, "https://evil.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := tt.policy.checkWebsocketOrigin(req); got != tt.want {
				t.Errorf("checkWebsocketOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadOriginPolicy(t *testing.T) {
	tests := []struct {
		name           string
		env            map[string]string
		wantPermissive bool
		wantAllowed    int
	}{
		{"development default", nil, true, 0},
		{"production", map[string]string{"ENV": "production"}, false, 0},
		{"production with origins", map[string]string{"ENV": "production", "CORS_ALLOWED_ORIGINS": "https://a.dev, ,https://b.dev"}, false, 2},
		{"forced permissive", map[string]string{"ENV": "production", "CORS_PERMISSIVE": "true"}, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"ENV", "CORS_PERMISSIVE", "CORS_ALLOWED_ORIGINS"} {
				t.Setenv(k, tt.env[k])
			}
			p := loadOriginPolicy()
			if p.permissive != tt.wantPermissive || len(p.allowed) != tt.wantAllowed {
				t.Errorf("policy = %+v", p)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"ipv4 with port", "192.168.1.1:12345", "", "192.168.1.1"},
		{"ipv6 with port", "[2001:db8::1]:12345", "", "2001:db8::1"},
		{"forwarded chain", "10.0.0.1:12345", "203.0.113.1, 10.0.0.2", "203.0.113.1"},
		{"forwarded ipv6", "127.0.0.1:8080", "2001:db8::42", "2001:db8::42"},
		{"remote without port", "192.0.2.9", "", "192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/auth/twitch/start", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMask(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"abc":          "****",
		"abcd":         "****",
		"abcdefgh1234": "****1234",
	}
	for in, want := range tests {
		if got := mask(in); got != want {
			t.Errorf("mask(%q) = %q, want %q", in, got, want)
		}
	}
}
