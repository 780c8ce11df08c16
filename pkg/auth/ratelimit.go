package auth

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter applies a per-tenant token bucket. Unauthenticated requests are
// bucketed by remote address so probing cannot starve real tenants.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

// NewLimiter builds a limiter allowing rps requests per second with the
// given burst per tenant.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		buckets: map[string]*rate.Limiter{},
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Allow reports whether a request for the key may proceed now.
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// Middleware rejects over-limit requests with 429.
func (l *Limiter) Middleware(limited func(w http.ResponseWriter, r *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderTenantID)
			if key == "" {
				key = r.RemoteAddr
			}
			if !l.Allow(key) {
				limited(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
