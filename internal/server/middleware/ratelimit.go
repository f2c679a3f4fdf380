package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter entries idle for longer than limiterIdle are dropped on the next
// sweep.
const (
	limiterSweep = 10 * time.Minute
	limiterIdle  = 30 * time.Minute
)

// KeyFunc picks the bucket a request is charged to. An empty key exempts the
// request.
type KeyFunc func(r *http.Request) string

// ClientIP keys on the host part of r.RemoteAddr, so every connection from
// one address shares a bucket. chimw.RealIP must run first when the server
// sits behind a proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type buckets struct {
	mu    sync.Mutex
	byKey map[string]*bucket
	limit rate.Limit
	burst int
}

func (b *buckets) allow(key string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	bk, ok := b.byKey[key]
	if !ok {
		bk = &bucket{limiter: rate.NewLimiter(b.limit, b.burst)}
		b.byKey[key] = bk
	}
	bk.lastSeen = now
	return bk.limiter.AllowN(now, 1)
}

func (b *buckets) sweep(cutoff time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, bk := range b.byKey {
		if bk.lastSeen.Before(cutoff) {
			delete(b.byKey, key)
		}
	}
}

// RateLimit charges each request to the bucket chosen by key and answers 429
// once the bucket is empty. Idle buckets are swept until ctx is done.
func RateLimit(ctx context.Context, requestsPerSecond float64, burst int, key KeyFunc) func(http.Handler) http.Handler {
	b := &buckets{
		byKey: make(map[string]*bucket),
		limit: rate.Limit(requestsPerSecond),
		burst: burst,
	}

	go func() {
		ticker := time.NewTicker(limiterSweep)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				b.sweep(now.Add(-limiterIdle))
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k != "" && !b.allow(k, time.Now()) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, `{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitByIP is RateLimit keyed on ClientIP.
func RateLimitByIP(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	return RateLimit(ctx, requestsPerSecond, burst, ClientIP)
}
