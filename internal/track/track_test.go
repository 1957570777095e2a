package track

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCooldownWindow(t *testing.T) {
	c := NewCooldown(4096)
	now := time.Now()
	window := 10 * time.Second

	// Never seen: cold.
	assert.False(t, c.IsHot(1, 100, window, now))

	c.Mark(1, 100, now)
	assert.True(t, c.IsHot(1, 100, window, now.Add(time.Second)))
	assert.True(t, c.IsHot(1, 100, window, now.Add(9*time.Second)))

	// Exactly at the window: expired (strictly-within semantics).
	assert.False(t, c.IsHot(1, 100, window, now.Add(10*time.Second)))
	assert.False(t, c.IsHot(1, 100, window, now.Add(time.Minute)))
}

func TestCooldownPerRoom(t *testing.T) {
	c := NewCooldown(4096)
	now := time.Now()
	window := 10 * time.Second

	c.Mark(1, 100, now)
	// Same student, different room: independent key.
	assert.False(t, c.IsHot(2, 100, window, now.Add(time.Second)))
	assert.True(t, c.IsHot(1, 100, window, now.Add(time.Second)))
}

func TestCooldownSweep(t *testing.T) {
	c := NewCooldown(4096)
	now := time.Now()
	window := 10 * time.Second

	c.Mark(1, 1, now.Add(-25*time.Second)) // older than 2x window
	c.Mark(1, 2, now.Add(-15*time.Second)) // stale but inside 2x
	c.Mark(1, 3, now)                      // fresh
	assert.Equal(t, 3, c.Len())

	removed := c.Sweep(window, now)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, c.Len())
	assert.True(t, c.IsHot(1, 3, window, now))
}

func TestSpatialKeyQuantization(t *testing.T) {
	tests := []struct {
		cx, cy float64
		want   string
	}{
		{150, 150, "150_150"},
		{153, 150, "150_150"}, // jittered detection, same cell
		{149.9, 150, "100_150"},
		{0, 0, "0_0"},
		{49, 49, "0_0"},
		{50, 50, "50_50"},
		{637.5, 12.2, "600_0"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SpatialKey(tt.cx, tt.cy), "center (%v, %v)", tt.cx, tt.cy)
	}
}

func TestGuestJitterConflation(t *testing.T) {
	// Two detections of the same unknown person, one frame apart with a few
	// pixels of jitter: bboxes [100,100,200,200] and [105,102,201,198].
	k1 := SpatialKey((100.0+200.0)/2, (100.0+200.0)/2)
	k2 := SpatialKey((105.0+201.0)/2, (102.0+198.0)/2)
	assert.Equal(t, "150_150", k1)
	assert.Equal(t, k1, k2)

	g := NewGuests()
	now := time.Now()
	g.Update(7, k1, now)
	g.Update(7, k2, now.Add(300*time.Millisecond))
	assert.Equal(t, 1, g.ActiveCount(7, 30*time.Second, now.Add(time.Second)))
}

func TestGuestTimeoutBoundary(t *testing.T) {
	g := NewGuests()
	now := time.Now()
	timeout := 30 * time.Second

	g.Update(1, "0_0", now.Add(-30*time.Second))  // exactly at cutoff: active
	g.Update(1, "50_0", now.Add(-31*time.Second)) // past cutoff: stale

	assert.Equal(t, 1, g.ActiveCount(1, timeout, now))
}

func TestGuestSweepAndCounts(t *testing.T) {
	g := NewGuests()
	now := time.Now()
	timeout := 30 * time.Second

	g.Update(1, "0_0", now)
	g.Update(1, "100_100", now.Add(-40*time.Second))
	g.Update(2, "0_0", now.Add(-45*time.Second))

	counts := g.Counts(timeout, now)
	assert.Equal(t, map[int64]int{1: 1}, counts)

	removed := g.Sweep(timeout, now)
	assert.Equal(t, 2, removed)
	// Room 2 emptied out entirely.
	assert.Equal(t, 0, g.ActiveCount(2, timeout, now))
	assert.Equal(t, 1, g.ActiveCount(1, timeout, now))
}
