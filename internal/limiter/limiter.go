package limiter

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/peterje/coderunner/internal/metrics"
	"golang.org/x/time/rate"
)

// RateLimiter applies a global token bucket and one bucket per client
// address. Concurrency is bounded by the runner, not here.
type RateLimiter struct {
	global    *rate.Limiter
	clients   sync.Map // client -> *clientLimiter
	clientRPS rate.Limit
	burst     int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

func New(globalRPS, perClientRPS float64, perClientBurst int) *RateLimiter {
	globalBurst := int(globalRPS) * 2
	if globalBurst < 1 {
		globalBurst = 1
	}
	if perClientBurst < 1 {
		perClientBurst = 1
	}
	return &RateLimiter{
		global:    rate.NewLimiter(rate.Limit(globalRPS), globalBurst),
		clientRPS: rate.Limit(perClientRPS),
		burst:     perClientBurst,
	}
}

func (rl *RateLimiter) client(id string) *clientLimiter {
	if cl, ok := rl.clients.Load(id); ok {
		return cl.(*clientLimiter)
	}
	cl, _ := rl.clients.LoadOrStore(id, &clientLimiter{limiter: rate.NewLimiter(rl.clientRPS, rl.burst)})
	return cl.(*clientLimiter)
}

// Allow reports whether a request from the given client may proceed.
func (rl *RateLimiter) Allow(id string) bool {
	cl := rl.client(id)
	cl.mu.Lock()
	cl.lastSeen = time.Now()
	cl.mu.Unlock()

	if !cl.limiter.Allow() || !rl.global.Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}
	return true
}

func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientID(r)) {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// ClientID identifies the caller by the first X-Forwarded-For hop, or the
// remote host.
func ClientID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Sweep drops client limiters idle for longer than maxIdle and returns how
// many were removed.
func (rl *RateLimiter) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	rl.clients.Range(func(key, value any) bool {
		cl := value.(*clientLimiter)
		cl.mu.Lock()
		idle := cl.lastSeen.Before(cutoff)
		cl.mu.Unlock()
		if idle {
			rl.clients.CompareAndDelete(key, value)
			removed++
		}
		return true
	})
	return removed
}

// StartCleanup sweeps idle clients every interval until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Sweep(interval)
			}
		}
	}()
}
