package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/openauthd/openauthd/internal/api/helpers"
	"golang.org/x/time/rate"
)

// IPRateLimiter keeps a token bucket per client IP.
type IPRateLimiter struct {
	ips sync.Map
	cfg LimiterConfig
}

type LimiterConfig struct {
	RPS   rate.Limit
	Burst int
}

// NewIPRateLimiter creates a per-IP rate limiter and starts the
// background cleanup of idle buckets.
func NewIPRateLimiter(rps rate.Limit, burst int) *IPRateLimiter {
	l := &IPRateLimiter{cfg: LimiterConfig{RPS: rps, Burst: burst}}
	go l.cleanupLoop()
	return l
}

// GetLimiter returns the bucket for the given IP, creating it on first
// sight.
func (l *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	if limiter, ok := l.ips.Load(ip); ok {
		return limiter.(*rate.Limiter)
	}
	limiter, _ := l.ips.LoadOrStore(ip, rate.NewLimiter(l.cfg.RPS, l.cfg.Burst))
	return limiter.(*rate.Limiter)
}

func (l *IPRateLimiter) cleanupLoop() {
	for {
		time.Sleep(10 * time.Minute)
		// Full wipe; buckets refill on next sight. Cheaper than tracking
		// last-seen per IP.
		l.ips.Range(func(key, _ any) bool {
			l.ips.Delete(key)
			return true
		})
	}
}

// Middleware enforces the rate limit per IP.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := helpers.GetRealIP(r)
		if !l.GetLimiter(ip).Allow() {
			slog.Warn("rate_limit_exceeded", "ip", ip, "path", r.URL.Path)
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
