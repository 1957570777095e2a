package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/eduvision/ev-presence/internal/metrics"
	"github.com/eduvision/ev-presence/internal/presence"
	"github.com/eduvision/ev-presence/internal/track"
)

// ReaperStore is the presence surface the reaper needs.
type ReaperStore interface {
	StaleRooms(ctx context.Context, now time.Time) ([]int64, error)
	CleanupStale(ctx context.Context, now time.Time) (int64, error)
	RoomView(ctx context.Context, roomID int64) (*presence.RoomView, error)
	Timeout() time.Duration
}

// Reaper periodically deletes presence rows whose last_seen aged past the
// timeout and tells the affected rooms' subscribers. Without it a student who
// walked out would stay "present" forever.
type Reaper struct {
	store    ReaperStore
	guests   *track.Guests
	hub      Broadcaster
	interval time.Duration

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewReaper(store ReaperStore, guests *track.Guests, hub Broadcaster, interval time.Duration) *Reaper {
	return &Reaper{
		store:    store,
		guests:   guests,
		hub:      hub,
		interval: interval,
		quit:     make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		log.Printf("[Reaper] started, interval %s", r.interval)
		for {
			select {
			case <-r.quit:
				return
			case <-ticker.C:
				r.Tick(time.Now())
			}
		}
	}()
}

func (r *Reaper) Stop() {
	r.once.Do(func() { close(r.quit) })
	r.wg.Wait()
	log.Printf("[Reaper] stopped")
}

// Tick is one reap pass. Exported so tests and tools can drive it without
// the timer. Errors are logged; the loop never dies over one bad tick.
func (r *Reaper) Tick(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Which rooms are about to lose rows, read before the delete.
	affected, err := r.store.StaleRooms(ctx, now)
	if err != nil {
		log.Printf("[Reaper] stale rooms: %v", err)
		return
	}

	removed, err := r.store.CleanupStale(ctx, now)
	if err != nil {
		log.Printf("[Reaper] cleanup: %v", err)
		return
	}

	// Guest slots expire on the same clock as presence rows.
	r.guests.Sweep(r.store.Timeout(), now)

	if removed == 0 {
		return
	}
	metrics.PresenceReapedTotal.Add(float64(removed))
	log.Printf("[Reaper] removed %d stale presence rows across %d rooms", removed, len(affected))

	for _, roomID := range affected {
		view, err := r.store.RoomView(ctx, roomID)
		if err != nil {
			log.Printf("[Reaper] room %d view: %v", roomID, err)
			continue
		}
		guestCount := r.guests.ActiveCount(roomID, r.store.Timeout(), now)
		msg := NewRoomMessage(TypePresenceUpdate, view, guestCount, nil, now)
		r.hub.PublishRoomJSON(roomID, msg)
		r.hub.PublishGlobalJSON(msg)
	}
}
