// Package pipeline connects stream workers to recognition: the dispatcher
// gates and submits frames, recognition tasks match faces and update
// presence, and the reaper ages stale rows out. All application logic behind
// the frame callback lives here; workers only hand off.
package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eduvision/ev-presence/internal/config"
	"github.com/eduvision/ev-presence/internal/data"
	"github.com/eduvision/ev-presence/internal/events"
	"github.com/eduvision/ev-presence/internal/live"
	"github.com/eduvision/ev-presence/internal/metrics"
	"github.com/eduvision/ev-presence/internal/presence"
	"github.com/eduvision/ev-presence/internal/stream"
	"github.com/eduvision/ev-presence/internal/track"
	"github.com/eduvision/ev-presence/internal/vector"
	"github.com/eduvision/ev-presence/internal/vision"
)

// housekeepEvery is the cadence of the tracking-map sweeps run from the frame
// path. The reaper sweeps guests on its own timer too; this bound just keeps
// the maps honest when the reaper is off (tools, tests).
const housekeepEvery = 60 * time.Second

// cooldownSweepAt triggers an opportunistic cooldown sweep when the table
// grows past this many entries.
const cooldownSweepAt = 100

// taskTimeout bounds one recognition task end to end.
const taskTimeout = 10 * time.Second

// Presence is the slice of the presence service the pipeline writes through.
type Presence interface {
	Upsert(ctx context.Context, studentID, roomID, cameraID int64, confidence float64, seenAt time.Time) error
	RoomView(ctx context.Context, roomID int64) (*presence.RoomView, error)
	Timeout() time.Duration
}

// StudentDirectory resolves matched ids to display records.
type StudentDirectory interface {
	GetByID(ctx context.Context, id int64) (*data.Student, error)
}

// Broadcaster is the hub surface the pipeline publishes through.
type Broadcaster interface {
	PublishRoomJSON(roomID int64, msg any)
	PublishGlobalJSON(msg any)
	PublishCameraJSON(cameraID int64, msg any)
	PublishCameraBinary(cameraID int64, frame []byte)
	HasCameraSubscribers(cameraID int64) bool
}

// camState is the dispatcher's per-camera gating memory.
type camState struct {
	frameCount uint64
	lastRecog  time.Time
	busy       bool
}

// Dispatcher receives every frame from every worker and decides which ones
// are worth a recognition pass. The frame callback itself never blocks: work
// is either handed to the bounded task pool or dropped.
type Dispatcher struct {
	cfg      *config.Config
	engine   vision.Engine
	index    *vector.Store
	students StudentDirectory
	presence Presence
	cooldown *track.Cooldown
	guests   *track.Guests
	hub      Broadcaster
	live     *live.Service
	events   *events.Publisher

	// sem caps in-flight recognition tasks. Acquire is non-blocking; a full
	// pool means the frame is dropped, not queued.
	sem chan struct{}

	mu            sync.Mutex
	cams          map[int64]*camState
	lastHousekeep time.Time

	// studentCache avoids a DB round trip per matched face. Entries are tiny
	// and students rarely change; the LRU bound is belt and braces.
	studentCache *lru.Cache[int64, *data.Student]
}

func NewDispatcher(cfg *config.Config, engine vision.Engine, index *vector.Store,
	students StudentDirectory, pres Presence, cooldown *track.Cooldown,
	guests *track.Guests, hub Broadcaster, liveCache *live.Service, pub *events.Publisher) *Dispatcher {

	cache, _ := lru.New[int64, *data.Student](1024)
	return &Dispatcher{
		cfg:           cfg,
		engine:        engine,
		index:         index,
		students:      students,
		presence:      pres,
		cooldown:      cooldown,
		guests:        guests,
		hub:           hub,
		live:          liveCache,
		events:        pub,
		sem:           make(chan struct{}, cfg.Streams.MaxPendingTasks),
		cams:          make(map[int64]*camState),
		lastHousekeep: time.Now(),
		studentCache:  cache,
	}
}

// InFlight is the number of recognition tasks currently running.
func (d *Dispatcher) InFlight() int { return len(d.sem) }

// OnFrame is the stream.FrameCallback. It runs on the worker goroutine and
// must stay constant-time: gate checks, an optional JPEG encode for viewers,
// and a non-blocking submit.
func (d *Dispatcher) OnFrame(f *stream.Frame, cameraID, roomID int64) {
	metrics.FramesReceivedTotal.Inc()
	now := time.Now()

	// A saturated pool means recognition is behind; shed everything,
	// including the viewer broadcast, until it drains.
	if len(d.sem) == cap(d.sem) {
		metrics.RecordFrameDrop("backpressure")
		return
	}

	d.maybeHousekeep(now)

	if d.hub.HasCameraSubscribers(cameraID) {
		if jpg, err := stream.EncodeJPEG(f, 85); err == nil {
			metrics.FramesEncodedTotal.Inc()
			d.hub.PublishCameraBinary(cameraID, jpg)
		} else {
			log.Printf("[Dispatcher] camera %d: frame encode: %v", cameraID, err)
		}
	}

	tun := d.cfg.Snapshot()

	d.mu.Lock()
	st, ok := d.cams[cameraID]
	if !ok {
		st = &camState{}
		d.cams[cameraID] = st
	}
	st.frameCount++
	if st.frameCount%uint64(tun.FrameSkip) != 0 {
		d.mu.Unlock()
		metrics.RecordFrameDrop("frame_skip")
		return
	}
	if now.Sub(st.lastRecog) < time.Duration(tun.IntervalMS)*time.Millisecond {
		d.mu.Unlock()
		metrics.RecordFrameDrop("interval")
		return
	}
	if st.busy {
		// One task per camera at a time keeps that camera's events ordered.
		d.mu.Unlock()
		metrics.RecordFrameDrop("busy")
		return
	}
	st.lastRecog = now
	st.busy = true
	d.mu.Unlock()

	select {
	case d.sem <- struct{}{}:
	default:
		d.clearBusy(cameraID)
		metrics.RecordFrameDrop("backpressure")
		return
	}

	// The frame slot is reused by the worker; recognition gets its own copy.
	frame := make([]byte, len(f.Data))
	copy(frame, f.Data)

	go d.runTask(frame, now, cameraID, roomID)
}

func (d *Dispatcher) clearBusy(cameraID int64) {
	d.mu.Lock()
	if st, ok := d.cams[cameraID]; ok {
		st.busy = false
	}
	d.mu.Unlock()
}

// OnStatus is the stream.StatusCallback: stream state goes to the camera's
// viewers and onto the event bus.
func (d *Dispatcher) OnStatus(st stream.Status) {
	now := time.Now()
	d.hub.PublishCameraJSON(st.CameraID, NewStatusMessage(st, now))
	d.events.CameraStatus(events.StatusEvent{
		CameraID:  st.CameraID,
		RoomID:    st.RoomID,
		Connected: st.Connected,
		Running:   st.Running,
		FPS:       st.FPS,
		Timestamp: now,
	})
}

// maybeHousekeep sweeps the tracking maps at most once per housekeepEvery.
func (d *Dispatcher) maybeHousekeep(now time.Time) {
	d.mu.Lock()
	due := now.Sub(d.lastHousekeep) >= housekeepEvery
	if due {
		d.lastHousekeep = now
	}
	d.mu.Unlock()
	if !due {
		return
	}

	tun := d.cfg.Snapshot()
	window := time.Duration(tun.CooldownSeconds) * time.Second
	if n := d.cooldown.Sweep(window, now); n > 0 {
		log.Printf("[Dispatcher] swept %d cooldown entries", n)
	}
	if n := d.guests.Sweep(d.presence.Timeout(), now); n > 0 {
		log.Printf("[Dispatcher] swept %d guest slots", n)
	}
}

// runTask is one recognition pass over one frame. Runs on its own goroutine;
// errors are logged and never propagate past the task.
func (d *Dispatcher) runTask(frame []byte, ts time.Time, cameraID, roomID int64) {
	start := time.Now()
	defer func() {
		<-d.sem
		d.clearBusy(cameraID)
		metrics.RecognitionTasksTotal.Inc()
		metrics.RecognitionLatency.Observe(float64(time.Since(start).Milliseconds()))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	tun := d.cfg.Snapshot()
	faces, err := d.engine.DetectAndEmbed(ctx, frame, vision.DetectOptions{
		MinFaceSize: tun.MinFaceSize,
		MaxFaces:    tun.MaxFacesPerFrame,
	})
	if err != nil {
		log.Printf("[Dispatcher] camera %d: detect: %v", cameraID, err)
		return
	}

	overlays := make([]FaceOverlay, 0, len(faces))
	var newRecs []Recognition
	now := time.Now()
	window := time.Duration(tun.CooldownSeconds) * time.Second

	for _, face := range faces {
		match, err := d.index.SearchWithThreshold(face.Embedding, float32(tun.ConfidenceThreshold))
		if err != nil {
			log.Printf("[Dispatcher] camera %d: index search: %v", cameraID, err)
			continue
		}
		if match == nil {
			overlays = append(overlays, d.trackGuest(face, roomID, now))
			continue
		}

		student, err := d.resolveStudent(ctx, match.StudentID)
		if err != nil {
			// Index row without a student record: enrollment and deletion
			// raced. Count the face as a guest until the index catches up.
			log.Printf("[Dispatcher] student %d matched but not found: %v", match.StudentID, err)
			overlays = append(overlays, d.trackGuest(face, roomID, now))
			continue
		}

		metrics.RecordFace("student")
		confidence := float64(match.Score)
		overlays = append(overlays, FaceOverlay{
			Type:       "student",
			Label:      student.FullName(),
			StudentID:  student.ID,
			BBox:       face.BBox,
			Confidence: confidence,
		})

		if d.cooldown.IsHot(roomID, student.ID, window, now) {
			continue
		}
		if err := d.presence.Upsert(ctx, student.ID, roomID, cameraID, confidence, ts); err != nil {
			log.Printf("[Dispatcher] presence upsert student %d room %d: %v", student.ID, roomID, err)
			continue
		}
		metrics.PresenceUpserts.Inc()
		d.cooldown.Mark(roomID, student.ID, now)
		newRecs = append(newRecs, Recognition{
			StudentID:  student.ID,
			StudentNo:  student.StudentNo,
			Name:       student.FullName(),
			Confidence: confidence,
		})
	}

	if len(newRecs) > 0 {
		d.broadcastPresence(ctx, roomID, newRecs, now)
	}

	fd := FaceDetectionMessage{
		Type:       TypeFaceDetection,
		CameraID:   cameraID,
		Faces:      overlays,
		TotalFaces: len(overlays),
		Timestamp:  now,
	}
	d.hub.PublishCameraJSON(cameraID, fd)

	if err := d.live.SaveDetection(ctx, cameraID, fd); err != nil {
		log.Printf("[Dispatcher] live cache camera %d: %v", cameraID, err)
	}

	if d.cooldown.Len() > cooldownSweepAt {
		d.cooldown.Sweep(window, now)
	}
}

func (d *Dispatcher) trackGuest(face vision.Face, roomID int64, now time.Time) FaceOverlay {
	metrics.RecordFace("guest")
	cx, cy := face.Center()
	d.guests.Update(roomID, track.SpatialKey(cx, cy), now)
	return FaceOverlay{
		Type:       "guest",
		Label:      "Guest",
		BBox:       face.BBox,
		Confidence: 0,
	}
}

func (d *Dispatcher) resolveStudent(ctx context.Context, id int64) (*data.Student, error) {
	if s, ok := d.studentCache.Get(id); ok {
		return s, nil
	}
	s, err := d.students.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d.studentCache.Add(id, s)
	return s, nil
}

// ForgetStudent drops a cached directory entry; enrollment calls it on
// delete so a lingering index row can't resurrect the name.
func (d *Dispatcher) ForgetStudent(id int64) {
	d.studentCache.Remove(id)
}

// broadcastPresence pushes the refreshed room view to the room's subscribers
// and the global channel, and onto the event bus.
func (d *Dispatcher) broadcastPresence(ctx context.Context, roomID int64, newRecs []Recognition, now time.Time) {
	view, err := d.presence.RoomView(ctx, roomID)
	if err != nil {
		log.Printf("[Dispatcher] room %d view: %v", roomID, err)
		return
	}
	guestCount := d.guests.ActiveCount(roomID, d.presence.Timeout(), now)

	msg := NewRoomMessage(TypePresenceUpdate, view, guestCount, newRecs, now)
	d.hub.PublishRoomJSON(roomID, msg)
	d.hub.PublishGlobalJSON(msg)

	ids := make([]int64, 0, len(newRecs))
	for _, r := range newRecs {
		ids = append(ids, r.StudentID)
	}
	d.events.Presence(events.PresenceEvent{
		RoomID:     roomID,
		StudentIDs: ids,
		GuestCount: guestCount,
		Timestamp:  now,
	})
}
