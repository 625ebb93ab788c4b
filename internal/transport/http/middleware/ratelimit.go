package httpmw

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit — token bucket на пользователя (после Auth) или на адрес клиента.
type RateLimit struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

const (
	maxBuckets = 10000
	bucketIdle = 10 * time.Minute
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewRateLimit(rps float64, burst int) *RateLimit {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	return &RateLimit{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (rl *RateLimit) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		if len(rl.buckets) >= maxBuckets {
			rl.pruneLocked(now.Add(-bucketIdle))
		}
		b = &bucket{lim: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (rl *RateLimit) pruneLocked(cutoff time.Time) int {
	n := 0
	for k, b := range rl.buckets {
		if b.seen.Before(cutoff) {
			delete(rl.buckets, k)
			n++
		}
	}
	return n
}

func (rl *RateLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := string(UserIDFromCtx(r.Context()))
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.allow(key) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"too many requests","code":"rate_limited"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
