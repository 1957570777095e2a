package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduvision/ev-presence/internal/vision"
)

// scriptedSource runs its readFn for every ReadFrame call.
type scriptedSource struct {
	readFn func(seq uint64) (*Frame, error)
	seq    uint64
	closed atomic.Bool
}

func (s *scriptedSource) ReadFrame(ctx context.Context) (*Frame, error) {
	seq := atomic.AddUint64(&s.seq, 1) - 1
	return s.readFn(seq)
}

func (s *scriptedSource) Close() error {
	s.closed.Store(true)
	return nil
}

func steadyFrames(tag byte) func(uint64) (*Frame, error) {
	return func(seq uint64) (*Frame, error) {
		return &Frame{Data: []byte{0xFF, 0xD8, tag}, Width: 320, Height: 320, Seq: seq, TS: time.Now()}, nil
	}
}

func testTuning() Tuning {
	return Tuning{
		TickInterval:  time.Millisecond,
		FailThreshold: 3,
		MaxReconnects: 10,
		ReconnectWait: time.Millisecond,
		StopWait:      time.Second,
		FPSWindow:     50 * time.Millisecond,
	}
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []*Frame
}

func (r *frameRecorder) record(f *Frame, cameraID, roomID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *frameRecorder) last() *Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return nil
	}
	return r.frames[len(r.frames)-1]
}

func TestStartIdempotent(t *testing.T) {
	var opens atomic.Int32
	factory := func(string, SourceOptions) (Source, error) {
		opens.Add(1)
		return &scriptedSource{readFn: steadyFrames(1)}, nil
	}

	m := NewManager(ManagerOptions{Factory: factory, Tuning: testTuning(), MaxStreams: 5})
	defer m.StopAll()

	spec := Spec{CameraID: 1, RoomID: 1, URL: "rtsp://cam/1"}
	require.NoError(t, m.Start(spec))
	require.NoError(t, m.Start(spec))

	assert.Equal(t, int32(1), opens.Load())
	assert.Equal(t, 1, m.ActiveCount())
}

func TestCapacityRejectedBeforeOpen(t *testing.T) {
	var opens atomic.Int32
	factory := func(string, SourceOptions) (Source, error) {
		opens.Add(1)
		return &scriptedSource{readFn: steadyFrames(1)}, nil
	}

	m := NewManager(ManagerOptions{Factory: factory, Tuning: testTuning(), MaxStreams: 2})
	defer m.StopAll()

	require.NoError(t, m.Start(Spec{CameraID: 1, RoomID: 1, URL: "rtsp://cam/1"}))
	require.NoError(t, m.Start(Spec{CameraID: 2, RoomID: 1, URL: "rtsp://cam/2"}))

	err := m.Start(Spec{CameraID: 3, RoomID: 2, URL: "rtsp://cam/3"})
	require.ErrorIs(t, err, ErrTooManyStreams)
	// The rejected stream never touched the decoder.
	assert.Equal(t, int32(2), opens.Load())
}

func TestFramesReachCallback(t *testing.T) {
	rec := &frameRecorder{}
	factory := func(string, SourceOptions) (Source, error) {
		return &scriptedSource{readFn: steadyFrames(7)}, nil
	}

	m := NewManager(ManagerOptions{Factory: factory, Tuning: testTuning(), MaxStreams: 5, OnFrame: rec.record})
	defer m.StopAll()

	require.NoError(t, m.Start(Spec{CameraID: 1, RoomID: 2, URL: "rtsp://cam/1"}))
	require.Eventually(t, func() bool { return rec.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{0xFF, 0xD8, 7}, rec.last().Data)
}

func TestReconnectAfterConsecutiveFailures(t *testing.T) {
	var opens atomic.Int32
	rec := &frameRecorder{}

	factory := func(string, SourceOptions) (Source, error) {
		n := opens.Add(1)
		if n == 1 {
			// First connection: two good frames, then a dead camera.
			return &scriptedSource{readFn: func(seq uint64) (*Frame, error) {
				if seq >= 2 {
					return nil, errors.New("connection reset")
				}
				return &Frame{Data: []byte{0xFF, 0xD8, 1}, Seq: seq, TS: time.Now()}, nil
			}}, nil
		}
		return &scriptedSource{readFn: steadyFrames(2)}, nil
	}

	m := NewManager(ManagerOptions{Factory: factory, Tuning: testTuning(), MaxStreams: 5, OnFrame: rec.record})
	defer m.StopAll()

	require.NoError(t, m.Start(Spec{CameraID: 1, RoomID: 1, URL: "rtsp://cam/1"}))

	// Frames from the second connection prove the reconnect happened and
	// the callback went quiet only during the gap.
	require.Eventually(t, func() bool {
		last := rec.last()
		return last != nil && last.Data[2] == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, opens.Load(), int32(2))
	assert.True(t, m.Running(1))
}

func TestReconnectExhaustionStopsWorker(t *testing.T) {
	var opens atomic.Int32
	var statuses []Status
	var mu sync.Mutex

	tun := testTuning()
	tun.MaxReconnects = 2

	factory := func(string, SourceOptions) (Source, error) {
		if opens.Add(1) == 1 {
			return &scriptedSource{readFn: func(uint64) (*Frame, error) {
				return nil, errors.New("decode failure")
			}}, nil
		}
		return nil, errors.New("camera unreachable")
	}

	m := NewManager(ManagerOptions{
		Factory:    factory,
		Tuning:     tun,
		MaxStreams: 5,
		OnStatus: func(st Status) {
			mu.Lock()
			statuses = append(statuses, st)
			mu.Unlock()
		},
	})

	require.NoError(t, m.Start(Spec{CameraID: 9, RoomID: 1, URL: "rtsp://cam/9"}))

	require.Eventually(t, func() bool { return m.ActiveCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	// 1 initial open + 2 reconnect attempts.
	assert.Equal(t, int32(3), opens.Load())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, statuses)
	final := statuses[len(statuses)-1]
	assert.False(t, final.Running)
	assert.False(t, final.Connected)
}

func TestStopRoomOnlyStopsThatRoom(t *testing.T) {
	factory := func(string, SourceOptions) (Source, error) {
		return &scriptedSource{readFn: steadyFrames(1)}, nil
	}
	m := NewManager(ManagerOptions{Factory: factory, Tuning: testTuning(), MaxStreams: 5})
	defer m.StopAll()

	require.NoError(t, m.Start(Spec{CameraID: 1, RoomID: 10, URL: "rtsp://cam/1"}))
	require.NoError(t, m.Start(Spec{CameraID: 2, RoomID: 10, URL: "rtsp://cam/2"}))
	require.NoError(t, m.Start(Spec{CameraID: 3, RoomID: 20, URL: "rtsp://cam/3"}))

	assert.Equal(t, 2, m.StopRoom(10))
	assert.Equal(t, 1, m.ActiveCount())
	assert.False(t, m.Running(1))
	assert.False(t, m.Running(2))
	assert.True(t, m.Running(3))
}

func TestStopAllReportsStoppedCount(t *testing.T) {
	factory := func(string, SourceOptions) (Source, error) {
		return &scriptedSource{readFn: steadyFrames(1)}, nil
	}
	m := NewManager(ManagerOptions{Factory: factory, Tuning: testTuning(), MaxStreams: 5})

	require.NoError(t, m.Start(Spec{CameraID: 1, RoomID: 1, URL: "rtsp://cam/1"}))
	require.NoError(t, m.Start(Spec{CameraID: 2, RoomID: 1, URL: "rtsp://cam/2"}))
	require.NoError(t, m.Start(Spec{CameraID: 3, RoomID: 2, URL: "rtsp://cam/3"}))

	assert.Equal(t, 3, m.StopAll())
	assert.Equal(t, 0, m.ActiveCount())
	// Nothing left to stop the second time around.
	assert.Equal(t, 0, m.StopAll())
}

func TestZeroSourceTimeoutsAreDefaulted(t *testing.T) {
	// Built the way the server builds it: no Source field at all. Reads must
	// still get a live deadline instead of an already-expired context.
	var got SourceOptions
	rec := &frameRecorder{}
	factory := func(url string, opts SourceOptions) (Source, error) {
		got = opts
		return NewSyntheticSource(url, opts)
	}

	m := NewManager(ManagerOptions{Factory: factory, Tuning: testTuning(), MaxStreams: 5, OnFrame: rec.record})
	defer m.StopAll()

	require.NoError(t, m.Start(Spec{CameraID: 1, RoomID: 1, URL: "rtsp://cam/1"}))
	require.Eventually(t, func() bool { return rec.count() >= 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, DefaultSourceOptions(), got)
	assert.True(t, m.Running(1))
}

func TestReconnectUsesTighterOpenTimeout(t *testing.T) {
	var mu sync.Mutex
	var opens []SourceOptions

	factory := func(_ string, opts SourceOptions) (Source, error) {
		mu.Lock()
		opens = append(opens, opts)
		n := len(opens)
		mu.Unlock()
		if n == 1 {
			return &scriptedSource{readFn: func(uint64) (*Frame, error) {
				return nil, errors.New("stream stalled")
			}}, nil
		}
		return &scriptedSource{readFn: steadyFrames(1)}, nil
	}

	m := NewManager(ManagerOptions{
		Factory:    factory,
		Source:     SourceOptions{OpenTimeout: 30 * time.Second, ReadTimeout: 5 * time.Second},
		Tuning:     testTuning(),
		MaxStreams: 5,
	})
	defer m.StopAll()

	require.NoError(t, m.Start(Spec{CameraID: 1, RoomID: 1, URL: "rtsp://cam/1"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(opens) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// Initial connect keeps the generous window; the reconnect is capped.
	assert.Equal(t, 30*time.Second, opens[0].OpenTimeout)
	assert.Equal(t, reconnectOpenTimeout, opens[1].OpenTimeout)
	assert.Equal(t, 5*time.Second, opens[1].ReadTimeout)
}

func TestLatestFrameIsACopy(t *testing.T) {
	// The source hands back the same frame every read, so any mutation by a
	// snapshot caller would show up on the next fetch if bytes were shared.
	shared := &Frame{Data: []byte{0xFF, 0xD8, 9}, Width: 320, Height: 320, TS: time.Now()}
	factory := func(string, SourceOptions) (Source, error) {
		return &scriptedSource{readFn: func(uint64) (*Frame, error) { return shared, nil }}, nil
	}

	m := NewManager(ManagerOptions{Factory: factory, Tuning: testTuning(), MaxStreams: 5})
	defer m.StopAll()

	require.NoError(t, m.Start(Spec{CameraID: 1, RoomID: 1, URL: "rtsp://cam/1"}))
	require.Eventually(t, func() bool { return m.LatestFrame(1) != nil }, 2*time.Second, 5*time.Millisecond)

	f := m.LatestFrame(1)
	f.Data[2] = 0x00

	again := m.LatestFrame(1)
	assert.Equal(t, byte(9), again.Data[2])
	assert.Equal(t, byte(9), shared.Data[2])
}

func TestStoppedWorkerDropsLastFrame(t *testing.T) {
	factory := func(string, SourceOptions) (Source, error) {
		return &scriptedSource{readFn: steadyFrames(4)}, nil
	}
	w := newWorker(1, 1, "rtsp://cam/1", factory, SourceOptions{ReadTimeout: time.Second}, testTuning(), func(*Frame, int64, int64) {}, nil)
	require.NoError(t, w.connect())
	go w.run()

	require.Eventually(t, func() bool { return w.latestFrame() != nil }, 2*time.Second, 5*time.Millisecond)

	w.stop()
	assert.Nil(t, w.latestFrame())
}

func TestStopUnknownCameraIsNoop(t *testing.T) {
	m := NewManager(ManagerOptions{
		Factory: func(string, SourceOptions) (Source, error) { return nil, errors.New("unused") },
	})
	m.Stop(42) // must not panic or block
}

func TestStartConnectFailureFreesSlot(t *testing.T) {
	calls := 0
	factory := func(string, SourceOptions) (Source, error) {
		calls++
		return nil, fmt.Errorf("no route to host")
	}
	m := NewManager(ManagerOptions{Factory: factory, Tuning: testTuning(), MaxStreams: 1})

	require.Error(t, m.Start(Spec{CameraID: 1, RoomID: 1, URL: "rtsp://cam/1"}))
	assert.Equal(t, 0, m.ActiveCount())

	// The failed start didn't leak its capacity reservation.
	factoryOK := func(string, SourceOptions) (Source, error) {
		return &scriptedSource{readFn: steadyFrames(1)}, nil
	}
	m.opts.Factory = factoryOK
	require.NoError(t, m.Start(Spec{CameraID: 2, RoomID: 1, URL: "rtsp://cam/2"}))
	m.StopAll()
}

func TestSyntheticSourceDeterministicScenes(t *testing.T) {
	a, err := NewSyntheticSource("rtsp://demo/room-a", SourceOptions{})
	require.NoError(t, err)
	b, err := NewSyntheticSource("rtsp://demo/room-a", SourceOptions{})
	require.NoError(t, err)

	fa, err := a.ReadFrame(context.Background())
	require.NoError(t, err)
	fb, err := b.ReadFrame(context.Background())
	require.NoError(t, err)

	// Same URL, same scene: byte-identical frames.
	assert.Equal(t, fa.Data, fb.Data)

	// Whole scene holds the same content.
	var prev *Frame = fa
	for i := 0; i < 5; i++ {
		f, err := a.ReadFrame(context.Background())
		require.NoError(t, err)
		assert.Equal(t, prev.Data, f.Data)
		prev = f
	}

	// And the frame matches the portrait for the scene's label.
	want := vision.SyntheticPortrait(SceneLabel("rtsp://demo/room-a", 0), 320)
	assert.Equal(t, want, fa.Data)
}

func TestValidateRTSPURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"rtsp://10.0.0.4:554/stream1", true},
		{"rtsps://cam.example.com/live", true},
		{"http://example.com/stream", false},
		{"rtsp://", false},
		{"not a url at all://", false},
	}
	for _, tt := range tests {
		err := ValidateRTSPURL(tt.url)
		if tt.ok {
			assert.NoError(t, err, tt.url)
		} else {
			assert.Error(t, err, tt.url)
		}
	}
}

func TestEncodeJPEGRoundTrip(t *testing.T) {
	data := vision.SyntheticPortrait("encode-me", 320)
	f := &Frame{Data: data, Width: 320, Height: 320}

	out, err := EncodeJPEG(f, 85)
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 320, cfg.Width)
	assert.Equal(t, 320, cfg.Height)
}
