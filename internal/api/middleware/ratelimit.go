package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures the per-IP request limiter.
type RateLimitConfig struct {
	// Rate is the sustained number of requests per second allowed per IP.
	Rate rate.Limit
	// Burst is how far a client may run ahead of the sustained rate.
	Burst int
	// SweepInterval is how often idle visitors are evicted.
	SweepInterval time.Duration
	// IdleTTL is how long a visitor may stay idle before eviction.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig sizes the limiter for this API's consumers:
// wallboards and dashboards polling the channel and call endpoints every
// few seconds, plus one long-lived feed connection per client. 10 req/s
// with a burst of 25 covers a dashboard page load without letting a
// runaway poller hammer the journal.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:          rate.Limit(10),
		Burst:         25,
		SweepInterval: 5 * time.Minute,
		IdleTTL:       15 * time.Minute,
	}
}

// visitor is the limiter state for one client IP.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter tracks one token bucket per client IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	cfg      RateLimitConfig
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewIPRateLimiter creates the limiter and starts the idle-visitor sweep.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	rl := &IPRateLimiter{
		visitors: make(map[string]*visitor),
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether a request from ip fits within its budget.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()

	return v.limiter.Allow()
}

// Stop ends the sweep goroutine. Safe to call more than once.
func (rl *IPRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *IPRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stopCh:
			return
		}
	}
}

// sweep drops visitors idle for longer than IdleTTL.
func (rl *IPRateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	deadline := time.Now().Add(-rl.cfg.IdleTTL)
	evicted := 0
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(deadline) {
			delete(rl.visitors, ip)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter sweep", "evicted", evicted, "active", len(rl.visitors))
	}
}

// RateLimit enforces the per-IP budget and answers 429 with a Retry-After
// of one second when it is exceeded. chi's RealIP must run earlier so
// RemoteAddr reflects the true client behind a proxy.
func RateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !limiter.Allow(ip) {
				slog.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				writeAuthError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr; a bare host passes through.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
