package server

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/54b3r/medrag-go/internal/logging"
)

// Rate-limit classes. Ingestion embeds every chunk and is far more expensive
// than a query, so the two are budgeted separately.
const (
	classQuery  = "query"
	classIngest = "ingest"
)

// Per-client defaults applied by New when the Config leaves a limit at zero.
const (
	defaultQueryRateLimit  = 10
	defaultQueryRateBurst  = 20
	defaultIngestRateLimit = 2
	defaultIngestRateBurst = 5
)

// Client buckets are dropped after clientIdle without traffic, or earlier
// once more than maxClients are tracked.
const (
	maxClients = 10000
	clientIdle = 5 * time.Minute
)

// rateLimiter enforces a per-client token bucket for one route class.
type rateLimiter struct {
	class   string
	rps     rate.Limit
	burst   int
	clients *expirable.LRU[string, *rate.Limiter]
	// rejected counts 429s for this class.
	rejected prometheus.Counter
}

// newRateLimiter returns a limiter allowing rps sustained requests and burst
// instantaneous requests per client IP.
func newRateLimiter(class string, rps float64, burst int, rejected prometheus.Counter) *rateLimiter {
	return &rateLimiter{
		class:    class,
		rps:      rate.Limit(rps),
		burst:    burst,
		clients:  expirable.NewLRU[string, *rate.Limiter](maxClients, nil, clientIdle),
		rejected: rejected,
	}
}

// limiter returns the bucket for ip, creating it on first use. Every call
// refreshes the entry's idle timer.
func (rl *rateLimiter) limiter(ip string) *rate.Limiter {
	if l, ok := rl.clients.Get(ip); ok {
		rl.clients.Add(ip, l)
		return l
	}
	l := rate.NewLimiter(rl.rps, rl.burst)
	rl.clients.Add(ip, l)
	return l
}

// middleware rejects requests over the client's budget with 429 and a
// Retry-After derived from the bucket's refill time.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		res := rl.limiter(ip).Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			rl.rejected.Inc()
			logging.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("class", rl.class),
				slog.String("ip", ip),
			)
			w.Header().Set("Retry-After", retryAfter(delay))
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfter renders d as whole seconds, rounded up, never below one.
func retryAfter(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 || d == rate.InfDuration {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// clientIP returns the remote IP without its port. X-Forwarded-For is not
// trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
