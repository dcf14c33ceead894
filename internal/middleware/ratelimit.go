package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig defines the rate limiting parameters.
type RateLimitConfig struct {
	// RequestsPerWindow is the number of requests allowed in Window.
	RequestsPerWindow int
	Window            time.Duration
	// Burst allows temporary bursts above the rate.
	Burst int
}

// KeyExtractor returns the key requests are grouped by.
type KeyExtractor func(*http.Request) string

// ClientIP keys requests by remote address. chi's RealIP middleware has
// already replaced RemoteAddr with the forwarded client address when one
// was present.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

const cleanupInterval = 5 * time.Minute

type limiterSet struct {
	rate  rate.Limit
	burst int

	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time
}

func (ls *limiterSet) get(key string, now time.Time) *rate.Limiter {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if now.Sub(ls.lastCleanup) >= cleanupInterval {
		// A full bucket means the key has been idle; dropping it loses nothing.
		for k, l := range ls.limiters {
			if l.TokensAt(now) >= float64(ls.burst) {
				delete(ls.limiters, k)
			}
		}
		ls.lastCleanup = now
	}

	l, ok := ls.limiters[key]
	if !ok {
		l = rate.NewLimiter(ls.rate, ls.burst)
		ls.limiters[key] = l
	}
	return l
}

// RateLimit returns a middleware that allows cfg.RequestsPerWindow requests
// per key per window and answers 429 with Retry-After beyond that.
func RateLimit(cfg RateLimitConfig, key KeyExtractor, logger *slog.Logger) func(http.Handler) http.Handler {
	ls := &limiterSet{
		rate:        rate.Limit(float64(cfg.RequestsPerWindow) / cfg.Window.Seconds()),
		burst:       cfg.Burst,
		limiters:    make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}

			now := time.Now()
			limiter := ls.get(k, now)
			if limiter.AllowN(now, 1) {
				next.ServeHTTP(w, r)
				return
			}

			res := limiter.ReserveN(now, 1)
			delay := res.DelayFrom(now)
			res.CancelAt(now)
			retryAfter := max(int(delay.Seconds()+0.5), 1)

			logger.Warn("rate limit exceeded",
				slog.String("key", k),
				slog.String("path", r.URL.Path),
				slog.Int("retry_after", retryAfter),
			)

			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		})
	}
}
