package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kubilitics/kubilitics-shellgate/internal/auth/identity"
)

// Per-IP request ceilings in front of the per-session command limit.
const (
	// Standard API: 60 requests/minute per IP
	rateLimitStandardPerMin = 60
	// GET requests: 120 requests/minute per IP
	rateLimitGetPerMin = 120
	// Exec and OTP verification: 30 requests/minute per IP
	rateLimitSensitivePerMin = 30
)

type rateLimitTier int

const (
	tierSensitive rateLimitTier = iota
	tierGet
	tierStandard
)

func (t rateLimitTier) perMinute() int {
	switch t {
	case tierSensitive:
		return rateLimitSensitivePerMin
	case tierGet:
		return rateLimitGetPerMin
	default:
		return rateLimitStandardPerMin
	}
}

func tierForRequest(r *http.Request) rateLimitTier {
	path := strings.ToLower(r.URL.Path)
	if strings.HasSuffix(path, "/exec") || strings.HasSuffix(path, "/verify") {
		return tierSensitive
	}
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return tierGet
	}
	return tierStandard
}

type limiterKey struct {
	ip   string
	tier rateLimitTier
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds per-IP token buckets per tier.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[limiterKey]*limiterEntry
	idle    time.Duration
}

// NewRateLimiter returns a limiter that forgets IPs idle for longer than idle.
func NewRateLimiter(idle time.Duration) *RateLimiter {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &RateLimiter{entries: make(map[limiterKey]*limiterEntry), idle: idle}
}

func (l *RateLimiter) get(ip string, t rateLimitTier) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	k := limiterKey{ip: ip, tier: t}
	if e, ok := l.entries[k]; ok {
		e.lastSeen = now
		return e.lim
	}
	perMin := t.perMinute()
	e := &limiterEntry{lim: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin), lastSeen: now}
	l.entries[k] = e
	return e.lim
}

// Prune drops limiters of idle IPs and returns how many were removed.
func (l *RateLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.entries {
		if time.Since(e.lastSeen) > l.idle {
			delete(l.entries, k)
			n++
		}
	}
	return n
}

// Middleware limits requests per client IP. /health and /metrics are exempt.
// Returns 429 with Retry-After and sets X-RateLimit-* headers.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		tier := tierForRequest(r)
		limiter := l.get(identity.ClientIP(r), tier)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(tier.perMinute()))
		reservation := limiter.Reserve()
		if delay := reservation.Delay(); !reservation.OK() || delay > 0 {
			reservation.Cancel()
			retryAfter := min(int(delay.Seconds())+1, 60)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests","code":"RATE_LIMIT_EXCEEDED"}`))
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(int(limiter.Tokens()), 0)))
		next.ServeHTTP(w, r)
	})
}
