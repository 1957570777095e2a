package stream

import (
	"context"
	"log"
	"sync"
	"time"
)

// FrameCallback receives every decoded frame. It runs on the worker goroutine
// and must hand off quickly; the recognition dispatcher behind it is
// non-blocking by construction.
type FrameCallback func(f *Frame, cameraID, roomID int64)

// Status is a point-in-time view of one stream, pushed on connect,
// disconnect, worker exit, and once per FPS window.
type Status struct {
	CameraID  int64   `json:"camera_id"`
	RoomID    int64   `json:"room_id"`
	Connected bool    `json:"connected"`
	Running   bool    `json:"running"`
	FPS       float64 `json:"fps"`
}

type StatusCallback func(Status)

// worker owns one camera: its source, the paced read loop, and reconnects.
type worker struct {
	cameraID int64
	roomID   int64
	url      string
	factory  SourceFactory
	opts     SourceOptions
	tun      Tuning
	onFrame  FrameCallback
	onStatus StatusCallback

	mu        sync.Mutex
	source    Source
	connected bool
	running   bool
	fps       float64
	lastFrame *Frame

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newWorker(cameraID, roomID int64, url string, factory SourceFactory, opts SourceOptions, tun Tuning, onFrame FrameCallback, onStatus StatusCallback) *worker {
	return &worker{
		cameraID: cameraID,
		roomID:   roomID,
		url:      url,
		factory:  factory,
		opts:     opts,
		tun:      tun,
		onFrame:  onFrame,
		onStatus: onStatus,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// connect opens the source once. The manager calls this before spawning the
// loop so a camera that never connects never occupies a goroutine.
func (w *worker) connect() error {
	src, err := w.factory(w.url, w.opts)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.source = src
	w.connected = true
	w.running = true
	w.mu.Unlock()
	w.emitStatus()
	return nil
}

func (w *worker) run() {
	defer close(w.done)
	defer func() {
		w.mu.Lock()
		if w.source != nil {
			w.source.Close()
		}
		w.connected = false
		w.running = false
		w.fps = 0
		w.lastFrame = nil
		w.mu.Unlock()
		w.emitStatus()
	}()

	ticker := time.NewTicker(w.tun.TickInterval)
	defer ticker.Stop()

	fails := 0
	frames := 0
	windowStart := time.Now()

	for {
		select {
		case <-w.quit:
			return
		case <-ticker.C:
			w.mu.Lock()
			src := w.source
			w.mu.Unlock()

			rctx, cancel := context.WithTimeout(context.Background(), w.opts.ReadTimeout)
			f, err := src.ReadFrame(rctx)
			cancel()

			if err != nil {
				fails++
				if fails >= w.tun.FailThreshold {
					if !w.reconnect() {
						log.Printf("[Stream] camera %d: reconnect attempts exhausted, stopping", w.cameraID)
						return
					}
					fails = 0
					frames = 0
					windowStart = time.Now()
				}
				continue
			}
			fails = 0

			w.mu.Lock()
			w.lastFrame = f
			w.mu.Unlock()

			frames++
			if el := time.Since(windowStart); el >= w.tun.FPSWindow {
				w.mu.Lock()
				w.fps = float64(frames) / el.Seconds()
				w.mu.Unlock()
				frames = 0
				windowStart = time.Now()
				w.emitStatus()
			}

			w.safeOnFrame(f)
		}
	}
}

// reconnect tears down the source and retries up to MaxReconnects times.
// Returns false when the budget is spent; the loop then exits for good.
func (w *worker) reconnect() bool {
	w.mu.Lock()
	if w.source != nil {
		w.source.Close()
	}
	w.connected = false
	w.fps = 0
	w.mu.Unlock()
	w.emitStatus()

	for attempt := 1; attempt <= w.tun.MaxReconnects; attempt++ {
		select {
		case <-w.quit:
			return false
		case <-time.After(w.tun.ReconnectWait):
		}

		opts := w.opts
		if opts.OpenTimeout > reconnectOpenTimeout {
			opts.OpenTimeout = reconnectOpenTimeout
		}
		src, err := w.factory(w.url, opts)
		if err != nil {
			log.Printf("[Stream] camera %d: reconnect %d/%d failed: %v",
				w.cameraID, attempt, w.tun.MaxReconnects, err)
			continue
		}

		w.mu.Lock()
		w.source = src
		w.connected = true
		w.mu.Unlock()
		w.emitStatus()
		log.Printf("[Stream] camera %d: reconnected after %d attempts", w.cameraID, attempt)
		return true
	}
	return false
}

// stop asks the loop to exit and waits up to StopWait; a wedged decoder read
// must not block the caller forever.
func (w *worker) stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	select {
	case <-w.done:
	case <-time.After(w.tun.StopWait):
		log.Printf("[Stream] camera %d: stop timed out after %s", w.cameraID, w.tun.StopWait)
	}
}

func (w *worker) safeOnFrame(f *Frame) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Stream] camera %d: frame callback panic: %v", w.cameraID, r)
		}
	}()
	w.onFrame(f, w.cameraID, w.roomID)
}

func (w *worker) emitStatus() {
	if w.onStatus == nil {
		return
	}
	st := w.status()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Stream] camera %d: status callback panic: %v", w.cameraID, r)
		}
	}()
	w.onStatus(st)
}

func (w *worker) status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		CameraID:  w.cameraID,
		RoomID:    w.roomID,
		Connected: w.connected,
		Running:   w.running,
		FPS:       w.fps,
	}
}

// latestFrame returns a copy of the most recent frame, or nil when the worker
// has exited or hasn't decoded one yet. The copy keeps snapshot callers from
// sharing bytes with the read loop.
func (w *worker) latestFrame() *Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastFrame == nil {
		return nil
	}
	f := *w.lastFrame
	f.Data = append([]byte(nil), w.lastFrame.Data...)
	return &f
}
