package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// adminGuard protects operator endpoints with a static token or basic auth.
// With neither configured every request passes.
type adminGuard struct {
	username string
	password string
	token    string
}

func loadAdminGuard() *adminGuard {
	g := &adminGuard{
		username: os.Getenv("ADMIN_USERNAME"),
		password: os.Getenv("ADMIN_PASSWORD"),
		token:    os.Getenv("ADMIN_TOKEN"),
	}
	if !g.enabled() {
		slog.Warn("admin authentication not configured, /api/v1/tokens is unprotected; set ADMIN_TOKEN or ADMIN_USERNAME+ADMIN_PASSWORD",
			slog.String("component", "http"))
	}
	return g
}

func (g *adminGuard) enabled() bool {
	return g.token != "" || (g.username != "" && g.password != "")
}

func (g *adminGuard) authorized(r *http.Request) bool {
	if g.token != "" && equalSecret(r.Header.Get("X-Admin-Token"), g.token) {
		return true
	}
	if g.username == "" || g.password == "" {
		return false
	}
	user, pass, ok := r.BasicAuth()
	// evaluate both so timing does not reveal which one differed
	userOK := equalSecret(user, g.username)
	passOK := equalSecret(pass, g.password)
	return ok && userOK && passOK
}

func (g *adminGuard) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.enabled() || g.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="twitch-bot admin"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("admin auth failed",
			slog.String("path", r.URL.Path),
			slog.String("ip", clientIP(r)),
			slog.String("component", "http"))
	})
}

func equalSecret(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// limitPolicy sizes the per-client token bucket: burst requests, refilled
// over window.
type limitPolicy struct {
	enabled bool
	burst   int
	window  time.Duration
}

func loadLimitPolicy() limitPolicy {
	p := limitPolicy{
		enabled: os.Getenv("RATE_LIMIT_ENABLED") != "0",
		burst:   10,
		window:  time.Minute,
	}
	if n := getEnvInt("RATE_LIMIT_REQUESTS_PER_IP", p.burst); n > 0 {
		p.burst = n
	}
	if n := getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 0); n > 0 {
		p.window = time.Duration(n) * time.Second
	}
	return p
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	policy limitPolicy

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// newClientLimiter starts a sweeper that forgets idle clients until ctx ends.
func newClientLimiter(ctx context.Context, p limitPolicy) *clientLimiter {
	l := &clientLimiter{policy: p, buckets: make(map[string]*bucket)}
	if p.enabled {
		go l.sweepLoop(ctx)
	}
	return l
}

func (l *clientLimiter) sweepLoop(ctx context.Context) {
	t := time.NewTicker(l.policy.window)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			l.sweep(now)
		case <-ctx.Done():
			return
		}
	}
}

// sweep drops clients idle for more than two windows.
func (l *clientLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > 2*l.policy.window {
			delete(l.buckets, key)
		}
	}
}

// take consumes one token for key. When none is left it reports how long
// until the next one.
func (l *clientLimiter) take(key string, now time.Time) (bool, time.Duration) {
	if !l.policy.enabled {
		return true, 0
	}
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		refill := rate.Every(l.policy.window / time.Duration(l.policy.burst))
		b = &bucket{lim: rate.NewLimiter(refill, l.policy.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	res := b.lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *clientLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		ok, wait := l.take(ip, time.Now())
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			slog.Warn("rate limit exceeded",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
				slog.String("component", "http"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originPolicy decides which browser origins may call the API and open
// overlay websockets.
type originPolicy struct {
	permissive bool
	allowed    []string
}

func loadOriginPolicy() *originPolicy {
	mode := strings.ToLower(os.Getenv("ENV"))
	p := &originPolicy{permissive: mode == "" || mode == "dev" || mode == "development"}
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		p.permissive = v == "1" || v == "true"
	}
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			p.allowed = append(p.allowed, o)
		}
	}
	if !p.permissive && len(p.allowed) == 0 {
		slog.Warn("restricted CORS without CORS_ALLOWED_ORIGINS, cross-origin requests will be refused",
			slog.String("component", "http"))
	}
	return p
}

// allows reports whether origin matches an entry. An entry "*.example.com"
// matches subdomains of example.com on any scheme, never example.com itself.
func (p *originPolicy) allows(origin string) bool {
	for _, a := range p.allowed {
		if origin == a {
			return true
		}
		suffix, ok := strings.CutPrefix(a, "*.")
		if !ok {
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			continue
		}
		if strings.HasSuffix(u.Hostname(), "."+suffix) {
			return true
		}
	}
	return false
}

// checkWebsocketOrigin is the upgrader hook. Browser sources of streaming
// software often send no Origin at all; those are always accepted.
func (p *originPolicy) checkWebsocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if p.permissive || origin == "" || origin == "null" {
		return true
	}
	return p.allows(origin)
}

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID"
)

func (p *originPolicy) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		origin := r.Header.Get("Origin")
		switch {
		case p.permissive:
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
		case origin != "" && p.allows(origin):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
