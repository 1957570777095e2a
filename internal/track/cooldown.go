// Package track holds the small in-memory trackers the recognition pipeline
// consults on every frame: the per-(room,student) recognition cooldown and
// the spatial-hash guest tracker.
package track

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cooldown remembers when a student was last processed in a room so repeat
// sightings within the window don't hammer the presence table. LRU-bounded;
// a hot camera can't grow it without limit.
type Cooldown struct {
	cache *lru.Cache[string, time.Time]
}

func NewCooldown(maxKeys int) *Cooldown {
	c, _ := lru.New[string, time.Time](maxKeys)
	return &Cooldown{cache: c}
}

func cooldownKey(roomID, studentID int64) string {
	return fmt.Sprintf("%d:%d", roomID, studentID)
}

// IsHot reports whether the student was marked in this room within the
// window. Strictly within: a mark exactly window ago has expired. The window
// is a parameter because it hot-reloads with the config.
func (c *Cooldown) IsHot(roomID, studentID int64, window time.Duration, now time.Time) bool {
	last, ok := c.cache.Get(cooldownKey(roomID, studentID))
	if !ok {
		return false
	}
	return now.Sub(last) < window
}

// Mark records a processed recognition. Called after the presence upsert
// succeeds, so a failed write doesn't silence the student for a window.
func (c *Cooldown) Mark(roomID, studentID int64, now time.Time) {
	c.cache.Add(cooldownKey(roomID, studentID), now)
}

func (c *Cooldown) Len() int {
	return c.cache.Len()
}

// Sweep evicts entries idle for more than twice the window. The LRU cap
// already bounds memory; this keeps Len meaningful for stats.
func (c *Cooldown) Sweep(window time.Duration, now time.Time) int {
	removed := 0
	for _, key := range c.cache.Keys() {
		if last, ok := c.cache.Peek(key); ok && now.Sub(last) > 2*window {
			c.cache.Remove(key)
			removed++
		}
	}
	return removed
}
