package engine

import (
	"sync"
	"time"
)

// logLimiter rate-limits repetitive log lines per key, so a flood of
// failures from an already banned address produces one notice per interval.
type logLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newLogLimiter() *logLimiter {
	return &logLimiter{last: make(map[string]time.Time)}
}

func (l *logLimiter) Allow(key string, every time.Duration) bool {
	if every <= 0 {
		return true
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	if ts, ok := l.last[key]; ok {
		if now.Sub(ts) < every {
			return false
		}
	}
	l.last[key] = now
	if len(l.last) > 10000 {
		for k, ts := range l.last {
			if now.Sub(ts) > every {
				delete(l.last, k)
			}
		}
	}
	return true
}
