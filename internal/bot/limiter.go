package bot

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiter throttles one kind of update per user. Idle entries are dropped
// once they would have refilled anyway.
type limiter struct {
	mu       sync.Mutex
	every    time.Duration
	users    map[int64]*userLimiter
	now      func() time.Time
	lastTrim time.Time
}

type userLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

func newLimiter(every time.Duration) *limiter {
	return &limiter{
		every: every,
		users: make(map[int64]*userLimiter),
		now:   time.Now,
	}
}

// Allow reports whether telegramID may be served now. A zero interval
// disables limiting.
func (l *limiter) Allow(telegramID int64) bool {
	if l.every <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.trim(now)

	u, ok := l.users[telegramID]
	if !ok {
		u = &userLimiter{lim: rate.NewLimiter(rate.Every(l.every), 1)}
		l.users[telegramID] = u
	}
	u.seen = now
	return u.lim.AllowN(now, 1)
}

func (l *limiter) trim(now time.Time) {
	if now.Sub(l.lastTrim) < time.Minute {
		return
	}
	l.lastTrim = now
	for id, u := range l.users {
		if now.Sub(u.seen) > l.every {
			delete(l.users, id)
		}
	}
}

func (l *limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}
