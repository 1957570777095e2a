package track

import (
	"fmt"
	"sync"
	"time"
)

// spatialCell quantizes face centroids. Two unknown faces whose centers land
// in the same 50px cell are treated as the same guest; detection jitter of a
// few pixels between frames doesn't spawn phantom people.
const spatialCell = 50

// SpatialKey maps a face centroid to its guest identity key, "x_y" with both
// coordinates floored to the cell grid.
func SpatialKey(cx, cy float64) string {
	qx := int(cx) / spatialCell * spatialCell
	qy := int(cy) / spatialCell * spatialCell
	return fmt.Sprintf("%d_%d", qx, qy)
}

// Guests counts unrecognized faces per room. An entry is a spatial key plus
// the last time a face occupied that cell; guests are positional, not
// identities, and expire with the same timeout as presence rows.
type Guests struct {
	mu    sync.Mutex
	rooms map[int64]map[string]time.Time
}

func NewGuests() *Guests {
	return &Guests{rooms: make(map[int64]map[string]time.Time)}
}

// Update records an unknown face at the keyed position.
func (g *Guests) Update(roomID int64, key string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[roomID]
	if !ok {
		room = make(map[string]time.Time)
		g.rooms[roomID] = room
	}
	room[key] = now
}

// ActiveCount is how many guest cells in the room were seen at or after
// now-timeout. Inclusive boundary, matching the presence query.
func (g *Guests) ActiveCount(roomID int64, timeout time.Duration, now time.Time) int {
	cutoff := now.Add(-timeout)
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for _, last := range g.rooms[roomID] {
		if !last.Before(cutoff) {
			count++
		}
	}
	return count
}

// Counts returns active guest counts for every room with at least one.
func (g *Guests) Counts(timeout time.Duration, now time.Time) map[int64]int {
	cutoff := now.Add(-timeout)
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[int64]int)
	for roomID, room := range g.rooms {
		n := 0
		for _, last := range room {
			if !last.Before(cutoff) {
				n++
			}
		}
		if n > 0 {
			out[roomID] = n
		}
	}
	return out
}

// Sweep drops cells idle past the timeout and empty rooms with them.
func (g *Guests) Sweep(timeout time.Duration, now time.Time) int {
	cutoff := now.Add(-timeout)
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for roomID, room := range g.rooms {
		for key, last := range room {
			if last.Before(cutoff) {
				delete(room, key)
				removed++
			}
		}
		if len(room) == 0 {
			delete(g.rooms, roomID)
		}
	}
	return removed
}
