package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethpandaops/runwatch/pkg/config"
	"github.com/ethpandaops/runwatch/pkg/metrics"
)

const (
	clientSweepInterval = 5 * time.Minute
	clientIdleTTL       = 10 * time.Minute
)

type clientBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// clientLimiters holds one token bucket per client address for a tier.
// A tier allows RequestsPerMinute sustained with bursts of the same size.
type clientLimiters struct {
	tier    string
	limit   rate.Limit
	burst   int
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*clientBucket
}

func newClientLimiters(tier string, cfg config.RateLimitTier) *clientLimiters {
	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}

	return &clientLimiters{
		tier:    tier,
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		now:     time.Now,
		buckets: make(map[string]*clientBucket, 64),
	}
}

// admit takes a token for client. When none is left it returns how long
// the client should wait.
func (c *clientLimiters) admit(client string) (time.Duration, bool) {
	now := c.now()

	c.mu.Lock()
	b, ok := c.buckets[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.buckets[client] = b
	}
	b.seen = now
	c.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)

	delay := res.DelayFrom(now)
	if delay == 0 {
		return 0, true
	}

	res.CancelAt(now)

	return delay, false
}

// sweep forgets clients idle for longer than clientIdleTTL until done closes.
func (c *clientLimiters) sweep(done <-chan struct{}) {
	ticker := time.NewTicker(clientSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		cutoff := c.now().Add(-clientIdleTTL)

		c.mu.Lock()
		for client, b := range c.buckets {
			if b.seen.Before(cutoff) {
				delete(c.buckets, client)
			}
		}
		c.mu.Unlock()
	}
}

// rateLimitMiddleware limits requests per client address for one tier and
// answers 429 with a Retry-After hint once the bucket is empty.
func (s *server) rateLimitMiddleware(tier string, cfg config.RateLimitTier) func(http.Handler) http.Handler {
	limiters := newClientLimiters(tier, cfg)

	go limiters.sweep(s.done)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wait, ok := limiters.admit(extractIP(r))
			if !ok {
				metrics.RateLimited.WithLabelValues(tier).Inc()

				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client address, preferring the first
// X-Forwarded-For hop.
func extractIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")

		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
