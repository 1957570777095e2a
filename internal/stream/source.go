// Package stream manages per-camera frame acquisition: a Source abstraction
// over RTSP decoders, a worker loop with reconnect handling, and a Manager
// that owns the capacity cap and per-room lifecycle.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Frame is one decoded camera frame, already JPEG-compressed. Frames are
// immutable after ReadFrame returns; consumers must not write Data.
type Frame struct {
	Data   []byte
	Width  int
	Height int
	Seq    uint64
	TS     time.Time
}

// Source is one open camera connection.
type Source interface {
	// ReadFrame returns the next frame. It respects ctx for its read
	// deadline and returns an error on decode failure or connection loss.
	ReadFrame(ctx context.Context) (*Frame, error)
	Close() error
}

// SourceOptions are the per-connection timeouts.
type SourceOptions struct {
	OpenTimeout time.Duration
	ReadTimeout time.Duration
}

// DefaultSourceOptions covers the initial connect. A cold camera may take a
// while to negotiate; once streaming, reads are short.
func DefaultSourceOptions() SourceOptions {
	return SourceOptions{
		OpenTimeout: 30 * time.Second,
		ReadTimeout: 5 * time.Second,
	}
}

// reconnectOpenTimeout caps the open window on mid-stream reconnects. A
// camera that was just up should answer fast; a full 30s probe per attempt
// would stall the loop for minutes.
const reconnectOpenTimeout = 10 * time.Second

// SourceFactory opens a Source for an RTSP URL. The synthetic factory is the
// default; deployments with a real decoder plug theirs in at wiring time.
type SourceFactory func(rtspURL string, opts SourceOptions) (Source, error)

// Tuning groups the worker loop timings. Production uses Defaults; tests
// shrink them to keep runs fast.
type Tuning struct {
	TickInterval  time.Duration // frame pacing
	FailThreshold int           // consecutive read failures before reconnecting
	MaxReconnects int
	ReconnectWait time.Duration
	StopWait      time.Duration // how long Stop waits for the loop to exit
	FPSWindow     time.Duration // wall-clock window for the FPS gauge
}

func DefaultTuning() Tuning {
	return Tuning{
		TickInterval:  33 * time.Millisecond,
		FailThreshold: 3,
		MaxReconnects: 10,
		ReconnectWait: 500 * time.Millisecond,
		StopWait:      2 * time.Second,
		FPSWindow:     time.Second,
	}
}

var (
	ErrTooManyStreams = errors.New("stream capacity reached")
	ErrBadStreamURL   = errors.New("invalid rtsp url")
)

// ValidateRTSPURL accepts rtsp:// and rtsps:// with a host. The synthetic
// source honors the same rule so demo URLs look like real ones.
func ValidateRTSPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadStreamURL, err)
	}
	if u.Scheme != "rtsp" && u.Scheme != "rtsps" {
		return fmt.Errorf("%w: scheme %q", ErrBadStreamURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrBadStreamURL)
	}
	return nil
}
