package pipeline

import (
	"fmt"
	"sync"
	"time"

	"camwatch/internal/analyzer"
)

const cooldownPruneSize = 1024

// cooldown remembers when each alert key last dispatched.
type cooldown struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

func newCooldown(window time.Duration) *cooldown {
	return &cooldown{window: window, last: make(map[string]time.Time)}
}

func cooldownKey(cameraID string, f *analyzer.Finding) string {
	return fmt.Sprintf("%s_%s_%s", cameraID, f.Kind, f.Subject())
}

// allow reports whether key may dispatch at now and, if so, stamps it.
func (c *cooldown) allow(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.last[key]; ok && now.Sub(last) < c.window {
		return false
	}
	c.last[key] = now

	if len(c.last) > cooldownPruneSize {
		for k, t := range c.last {
			if now.Sub(t) >= c.window {
				delete(c.last, k)
			}
		}
	}
	return true
}
