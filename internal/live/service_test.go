package live

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewService(client), mr
}

func TestSaveAndLatestDetection(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	payload := map[string]any{"type": "face_detection", "faces": 2}
	require.NoError(t, s.SaveDetection(ctx, 7, payload))

	cached, err := s.LatestDetection(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cached.CameraID)
	assert.GreaterOrEqual(t, cached.AgeMS, int64(0))
	assert.JSONEq(t, `{"type":"face_detection","faces":2}`, string(cached.Payload))
}

func TestLatestDetectionMiss(t *testing.T) {
	s, _ := testService(t)
	_, err := s.LatestDetection(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNoDetection)
}

func TestDetectionExpires(t *testing.T) {
	s, mr := testService(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDetection(ctx, 7, map[string]int{"faces": 1}))
	mr.FastForward(DetectionTTL + time.Second)

	_, err := s.LatestDetection(ctx, 7)
	assert.ErrorIs(t, err, ErrNoDetection)
}

func TestSaveOverwritesPrevious(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDetection(ctx, 7, map[string]int{"seq": 1}))
	require.NoError(t, s.SaveDetection(ctx, 7, map[string]int{"seq": 2}))

	cached, err := s.LatestDetection(ctx, 7)
	require.NoError(t, err)
	assert.JSONEq(t, `{"seq":2}`, string(cached.Payload))
}

func TestCamerasAreIndependent(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDetection(ctx, 1, map[string]int{"cam": 1}))
	_, err := s.LatestDetection(ctx, 2)
	assert.ErrorIs(t, err, ErrNoDetection)
}

// Without Redis every call degrades to a no-op or miss instead of failing.
func TestNilClientIsNoOp(t *testing.T) {
	s := NewService(nil)
	assert.NoError(t, s.SaveDetection(context.Background(), 7, map[string]int{"x": 1}))
	_, err := s.LatestDetection(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNoDetection)

	var nilSvc *Service
	assert.NoError(t, nilSvc.SaveDetection(context.Background(), 7, nil))
}
