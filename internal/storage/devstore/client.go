// Package devstore — замены Redis для режима -dev и хранилища в памяти.
package devstore

import (
	"context"
	"sync"
	"time"

	redisstorage "github.com/academy/internal/storage/redis"
)

type window struct {
	count   int
	expires time.Time
}

// Limiter считает создания обращений в памяти процесса по тем же правилам, что redis.Client.AllowTicket.
type Limiter struct {
	max    int
	period time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]window
}

func NewLimiter() *Limiter {
	return &Limiter{
		max:     redisstorage.TicketRateLimitMax,
		period:  redisstorage.TicketRateLimitWindow * time.Second,
		now:     time.Now,
		windows: make(map[string]window),
	}
}

func (l *Limiter) AllowTicket(_ context.Context, userID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	w := l.windows[userID]
	if !now.Before(w.expires) {
		w = window{expires: now.Add(l.period)}
	}
	w.count++
	l.windows[userID] = w
	return w.count <= l.max, nil
}
