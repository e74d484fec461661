package server

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/54b3r/kbai-go/internal/logging"
)

const (
	// defaultRateLimit is the sustained requests/second allowed per client
	// on the /api surface when the config leaves RateLimit unset. Query and
	// chat requests each cost an embedding call downstream, so the default
	// is deliberately modest.
	defaultRateLimit = 10

	// defaultRateBurst is the per-client burst allowance. Twenty covers an
	// interactive session issuing a quick query-then-select-then-chat run
	// without tripping the limit.
	defaultRateBurst = 20

	// evictInterval is how often idle client buckets are swept.
	evictInterval = time.Minute

	// clientIdleTTL is how long a client may stay idle before its bucket is
	// dropped. Bounds the limiter map on servers exposed beyond localhost.
	clientIdleTTL = 5 * time.Minute
)

// clientBucket pairs a client's token bucket with its last activity time.
type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter enforces a per-client token-bucket limit across the /api
// surface. Buckets are keyed by remote IP; idle buckets are swept on a
// fixed interval by a background goroutine.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket

	rps   rate.Limit
	burst int
	log   *slog.Logger
}

// newRateLimiter constructs a rateLimiter and starts its sweep goroutine.
// Calling the returned stop function ends the goroutine.
func newRateLimiter(rps float64, burst int, log *slog.Logger) (*rateLimiter, func()) {
	rl := &rateLimiter{
		buckets: make(map[string]*clientBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
		log:     log,
	}

	stopCh := make(chan struct{})
	go rl.sweepLoop(stopCh)

	return rl, func() { close(stopCh) }
}

// bucketFor returns the client's token bucket, creating it on first sight
// and refreshing its activity timestamp.
func (rl *rateLimiter) bucketFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// sweepLoop drops idle client buckets every evictInterval until stopCh
// closes.
func (rl *rateLimiter) sweepLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// sweep removes buckets idle for longer than clientIdleTTL.
func (rl *rateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-clientIdleTTL)
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

// middleware enforces the limit before delegating to next. Limited requests
// get a JSON 429 with a Retry-After header, matching the rest of the API.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		if !rl.bucketFor(ip).Allow() {
			logging.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
				slog.Float64("limit_rps", float64(rl.rps)),
			)
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP keys the limiter by the connection's remote IP. X-Forwarded-For
// is ignored: kbai binds to localhost unless the operator says otherwise,
// and a spoofable header must never widen a rate limit.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
