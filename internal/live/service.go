// Package live caches each camera's most recent face_detection payload in
// Redis. Clients that poll (or that just connected to a stream and want an
// overlay before the next recognition pass) read from here instead of waiting
// on the pipeline.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DetectionTTL is how long a cached detection stays readable. Matches the
// recognition cadence with slack: anything older is no longer "live".
const DetectionTTL = 10 * time.Second

var ErrNoDetection = errors.New("no recent detection")

// Cached wraps the stored payload with its age at read time.
type Cached struct {
	CameraID int64           `json:"camera_id"`
	AgeMS    int64           `json:"age_ms"`
	Payload  json.RawMessage `json:"payload"`
}

// stored is the Redis value shape; the write timestamp lets reads compute age
// without a second key.
type stored struct {
	TSUnixMS int64           `json:"ts_unix_ms"`
	Payload  json.RawMessage `json:"payload"`
}

// Service is nil-safe: a deployment without Redis constructs it with a nil
// client and every call becomes a cheap no-op or miss.
type Service struct {
	client *redis.Client
}

func NewService(client *redis.Client) *Service {
	return &Service{client: client}
}

func detectionKey(cameraID int64) string {
	return fmt.Sprintf("detection:latest:%d", cameraID)
}

// SaveDetection stores the payload as the camera's latest. Best-effort; the
// pipeline ignores the returned error beyond logging.
func (s *Service) SaveDetection(ctx context.Context, cameraID int64, payload any) error {
	if s == nil || s.client == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	val, err := json.Marshal(stored{TSUnixMS: time.Now().UnixMilli(), Payload: raw})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, detectionKey(cameraID), val, DetectionTTL).Err()
}

// LatestDetection returns the camera's cached payload, or ErrNoDetection when
// the key is absent or expired.
func (s *Service) LatestDetection(ctx context.Context, cameraID int64) (*Cached, error) {
	if s == nil || s.client == nil {
		return nil, ErrNoDetection
	}
	val, err := s.client.Get(ctx, detectionKey(cameraID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNoDetection
	}
	if err != nil {
		return nil, err
	}
	var st stored
	if err := json.Unmarshal(val, &st); err != nil {
		return nil, err
	}
	return &Cached{
		CameraID: cameraID,
		AgeMS:    time.Now().UnixMilli() - st.TSUnixMS,
		Payload:  st.Payload,
	}, nil
}
