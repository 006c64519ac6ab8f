package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const maxTrackedClients = 10000

// RateLimit 按来源 IP 做令牌桶限流：窗口内平均 maxRequests 次，允许同等大小的突发。
func RateLimit(maxRequests int, window time.Duration) func(http.Handler) http.Handler {
	if maxRequests <= 0 || window <= 0 {
		return passthrough
	}

	limiter := newClientLimiter(maxRequests, window)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				retryAfter := int(math.Ceil(limiter.interval().Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(retryAfter, 1)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{"kind": "RateLimited", "message": "rate limit exceeded"},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func passthrough(next http.Handler) http.Handler {
	return next
}

// clientLimiter 为每个来源保留一个 rate.Limiter。长时间不活跃的来源由 LRU 的 TTL 淘汰。
type clientLimiter struct {
	mu      sync.Mutex
	clients *expirable.LRU[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

func newClientLimiter(maxRequests int, window time.Duration) *clientLimiter {
	ttl := max(window*2, time.Minute)
	return &clientLimiter{
		clients: expirable.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, ttl),
		limit:   rate.Every(window / time.Duration(maxRequests)),
		burst:   maxRequests,
	}
}

func (l *clientLimiter) Allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.clients.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.clients.Add(key, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *clientLimiter) interval() time.Duration {
	if l.limit <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / float64(l.limit))
}

func clientKey(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
