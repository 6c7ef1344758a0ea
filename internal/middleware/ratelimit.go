package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/academy/internal/auth"
)

const rateLimitWindow = time.Minute

// rateLimiter — скользящее окно в памяти процесса.
type rateLimiter struct {
	mu     sync.Mutex
	times  map[string][]time.Time
	max    int
	window time.Duration
	now    func() time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{times: make(map[string][]time.Time), max: max, window: window, now: time.Now}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-r.window)
	slice := r.times[key]
	i := 0
	for _, t := range slice {
		if t.After(cutoff) {
			slice[i] = t
			i++
		}
	}
	slice = slice[:i]
	if len(slice) >= r.max {
		r.times[key] = slice
		return false
	}
	r.times[key] = append(slice, now)
	return true
}

// RateLimitAPI ограничивает запросы в минуту по IP и по пользователю из auth.Identity. 429 при превышении.
// Ставится после аутентификации, иначе работает только ограничение по IP.
func RateLimitAPI(maxPerIP, maxPerUser int) func(http.Handler) http.Handler {
	byIP := newRateLimiter(maxPerIP, rateLimitWindow)
	byUser := newRateLimiter(maxPerUser, rateLimitWindow)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !byIP.allow(clientIP(r)) {
				http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
				return
			}
			if userID := auth.UserID(r.Context()); userID != "" && !byUser.allow(userID) {
				http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
