package rate

import (
	"sync"
	"time"
)

type window struct {
	hits  int
	since time.Time
}

// Limiter is a fixed-window counter keyed by caller identity. It is meant
// for a single-process deployment; stale windows are swept opportunistically
// on the Allow path rather than by a background goroutine.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]window
	swept   time.Time
	now     func() time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{
		windows: map[string]window{},
		swept:   time.Now().UTC(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Allow reports whether key may proceed under limit hits per span.
func (l *Limiter) Allow(key string, limit int, span time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.swept) > time.Minute {
		for k, w := range l.windows {
			if now.Sub(w.since) > 3*span {
				delete(l.windows, k)
			}
		}
		l.swept = now
	}

	w, ok := l.windows[key]
	if !ok || now.Sub(w.since) >= span {
		l.windows[key] = window{hits: 1, since: now}
		return true
	}
	if w.hits >= limit {
		return false
	}
	w.hits++
	l.windows[key] = w
	return true
}
