package stream

import (
	"bytes"
	"image/jpeg"
	"log"
	"sort"
	"sync"
)

// Spec identifies one stream to start: which camera, which room it feeds,
// and the (already decrypted) RTSP URL.
type Spec struct {
	CameraID int64
	RoomID   int64
	URL      string
}

// ManagerOptions wires the manager. OnFrame/OnStatus may be nil in tools
// that only probe connectivity.
type ManagerOptions struct {
	Factory    SourceFactory
	Source     SourceOptions
	Tuning     Tuning
	MaxStreams int
	OnFrame    FrameCallback
	OnStatus   StatusCallback
}

// Manager owns all live stream workers and the global capacity cap.
type Manager struct {
	mu      sync.Mutex
	workers map[int64]*worker
	opts    ManagerOptions
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.MaxStreams <= 0 {
		opts.MaxStreams = 20
	}
	if opts.Tuning == (Tuning{}) {
		opts.Tuning = DefaultTuning()
	}
	// Zero timeouts would hand every read a context that is already expired,
	// so unset fields fall back to the defaults.
	def := DefaultSourceOptions()
	if opts.Source.OpenTimeout <= 0 {
		opts.Source.OpenTimeout = def.OpenTimeout
	}
	if opts.Source.ReadTimeout <= 0 {
		opts.Source.ReadTimeout = def.ReadTimeout
	}
	return &Manager{
		workers: make(map[int64]*worker),
		opts:    opts,
	}
}

// Start opens the camera and begins its read loop. Starting a camera that is
// already running is a no-op. The capacity check happens before the decoder
// is touched: a rejected stream costs nothing.
func (m *Manager) Start(spec Spec) error {
	m.mu.Lock()
	if _, ok := m.workers[spec.CameraID]; ok {
		m.mu.Unlock()
		return nil
	}
	if len(m.workers) >= m.opts.MaxStreams {
		m.mu.Unlock()
		return ErrTooManyStreams
	}

	w := newWorker(spec.CameraID, spec.RoomID, spec.URL,
		m.opts.Factory, m.opts.Source, m.opts.Tuning, m.frameHook(), m.opts.OnStatus)
	// Reserve the slot before the (potentially slow) connect so concurrent
	// starts can't oversubscribe.
	m.workers[spec.CameraID] = w
	m.mu.Unlock()

	if err := w.connect(); err != nil {
		m.mu.Lock()
		delete(m.workers, spec.CameraID)
		m.mu.Unlock()
		return err
	}

	go func() {
		w.run()
		// The loop exits on stop or on reconnect exhaustion; either way the
		// slot is free again.
		m.mu.Lock()
		if m.workers[spec.CameraID] == w {
			delete(m.workers, spec.CameraID)
		}
		m.mu.Unlock()
	}()

	log.Printf("[Stream] camera %d started (room %d)", spec.CameraID, spec.RoomID)
	return nil
}

func (m *Manager) frameHook() FrameCallback {
	if m.opts.OnFrame == nil {
		return func(*Frame, int64, int64) {}
	}
	return m.opts.OnFrame
}

// Stop halts one camera. Stopping a camera that isn't running is a no-op.
func (m *Manager) Stop(cameraID int64) {
	m.mu.Lock()
	w, ok := m.workers[cameraID]
	if ok {
		delete(m.workers, cameraID)
	}
	m.mu.Unlock()

	if ok {
		w.stop()
		log.Printf("[Stream] camera %d stopped", cameraID)
	}
}

// StopRoom halts every camera feeding the room. The worker set is snapshotted
// under the lock, then stopped outside it; stops can block up to StopWait
// each and must not stall unrelated starts.
func (m *Manager) StopRoom(roomID int64) int {
	m.mu.Lock()
	var stopping []*worker
	for id, w := range m.workers {
		if w.roomID == roomID {
			stopping = append(stopping, w)
			delete(m.workers, id)
		}
	}
	m.mu.Unlock()

	for _, w := range stopping {
		w.stop()
	}
	return len(stopping)
}

// StopAll halts every stream and returns how many were stopped. Used at
// shutdown.
func (m *Manager) StopAll() int {
	m.mu.Lock()
	var stopping []*worker
	for id, w := range m.workers {
		stopping = append(stopping, w)
		delete(m.workers, id)
	}
	m.mu.Unlock()

	for _, w := range stopping {
		w.stop()
	}
	return len(stopping)
}

func (m *Manager) Running(cameraID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.workers[cameraID]
	return ok
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Statuses lists all live streams, camera order.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	statuses := make([]Status, 0, len(workers))
	for _, w := range workers {
		statuses = append(statuses, w.status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].CameraID < statuses[j].CameraID })
	return statuses
}

// LatestFrame returns the camera's most recent frame, or nil if the camera
// isn't running or hasn't produced one yet. Backs the snapshot endpoint.
func (m *Manager) LatestFrame(cameraID int64) *Frame {
	m.mu.Lock()
	w, ok := m.workers[cameraID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return w.latestFrame()
}

// EncodeJPEG re-encodes a frame at the given quality for fan-out to stream
// viewers. Callers gate this on subscriber presence; with nobody watching it
// must never run.
func EncodeJPEG(f *Frame, quality int) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
