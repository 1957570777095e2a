package stream

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/eduvision/ev-presence/internal/vision"
)

// syntheticPersons is how many distinct demo identities a synthetic camera
// cycles through. seed-demo enrolls portraits for the same labels, so
// streams recognize them.
const syntheticPersons = 5

// framesPerScene holds one identity on camera for about a second at the
// default 30Hz pacing before cutting to the next.
const framesPerScene = 30

// SyntheticSource emits deterministic JPEG frames: the frame for scene N of a
// URL is always the same bytes, and each scene shows one of the demo
// identities. Plays the role of an RTSP decoder in tests and demos.
type SyntheticSource struct {
	url string

	mu     sync.Mutex
	seq    uint64
	closed bool

	// scene cache; portraits are cheap but not free, and a scene lasts 30
	// reads.
	cachedScene uint64
	cachedFrame []byte
}

// NewSyntheticSource validates the URL shape and "connects" instantly.
func NewSyntheticSource(rtspURL string, _ SourceOptions) (Source, error) {
	if err := ValidateRTSPURL(rtspURL); err != nil {
		return nil, err
	}
	return &SyntheticSource{url: rtspURL, cachedScene: ^uint64(0)}, nil
}

// SceneLabel is the identity shown by the given URL during the given scene.
// Exposed so seed tooling can enroll matching portraits.
func SceneLabel(rtspURL string, scene uint64) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%d", rtspURL, scene)
	return fmt.Sprintf("demo-%d", h.Sum64()%syntheticPersons)
}

func (s *SyntheticSource) ReadFrame(ctx context.Context) (*Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("source closed")
	}

	scene := s.seq / framesPerScene
	if scene != s.cachedScene {
		s.cachedFrame = vision.SyntheticPortrait(SceneLabel(s.url, scene), 320)
		s.cachedScene = scene
	}
	s.seq++

	return &Frame{
		Data:   s.cachedFrame,
		Width:  320,
		Height: 320,
		Seq:    s.seq - 1,
		TS:     time.Now(),
	}, nil
}

func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
