package service

import (
	"sync"
	"time"
)

// CooldownTable remembers the last grant per identity. It lives in memory
// only, so a restart forgets it. Timestamps never move backward.
type CooldownTable struct {
	window time.Duration

	mu   sync.Mutex
	last map[int64]time.Time
}

func NewCooldownTable(window time.Duration) *CooldownTable {
	return &CooldownTable{window: window, last: make(map[int64]time.Time)}
}

// Active reports whether id was granted less than the window ago.
func (c *CooldownTable) Active(id int64, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.last[id]
	return ok && now.Sub(t) < c.window
}

// Record notes a grant for id at now. Older timestamps are ignored.
func (c *CooldownTable) Record(id int64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.last[id]; ok && now.Before(t) {
		return
	}
	c.last[id] = now
}

func (c *CooldownTable) SetWindow(d time.Duration) {
	c.mu.Lock()
	c.window = d
	c.mu.Unlock()
}
