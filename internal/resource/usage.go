package resource

import (
	"sync"
	"time"
)

// UsageTracker remembers when each worker was last handed a task.
type UsageTracker struct {
	lastUsed map[string]time.Time // worker → last admission
	mu       sync.RWMutex
}

func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		lastUsed: make(map[string]time.Time),
	}
}

func (t *UsageTracker) Touch(worker string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastUsed[worker] = at
}

func (t *UsageTracker) LastUsed(worker string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.lastUsed[worker]
	return at, ok
}
