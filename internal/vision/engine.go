// Package vision defines the face detection/embedding engine interface and
// two implementations: a deterministic in-process synthetic engine and a
// remote engine that talks to the vision-service sidecar over NATS.
package vision

import (
	"context"
	"errors"
	"sort"
)

// Enrollment quality gates. Images outside these bounds are rejected before
// any embedding is stored.
const (
	MinImageDim   = 100
	MaxImageDim   = 4000
	MinEnrollFace = 80
	MinDetScore   = 0.5
)

var (
	ErrBadImage      = errors.New("invalid_image")
	ErrNoFace        = errors.New("no_face")
	ErrMultipleFaces = errors.New("multiple_faces")
	ErrFaceTooSmall  = errors.New("face_too_small")
	ErrImageTooSmall = errors.New("image_too_small")
	ErrImageTooLarge = errors.New("image_too_large")
	ErrLowQuality    = errors.New("low_quality")
)

// Face is one detection: pixel-space bbox (x1, y1, x2, y2), detector score,
// and the embedding extracted from the crop.
type Face struct {
	BBox      [4]float64 `json:"bbox"`
	Score     float64    `json:"score"`
	Embedding []float32  `json:"-"`
}

// Size is the smaller bbox side; the frame filter and the enrollment gate
// both measure faces this way.
func (f Face) Size() float64 {
	w := f.BBox[2] - f.BBox[0]
	h := f.BBox[3] - f.BBox[1]
	if w < h {
		return w
	}
	return h
}

// Center is the bbox centroid, used by the guest tracker's spatial hash.
func (f Face) Center() (float64, float64) {
	return (f.BBox[0] + f.BBox[2]) / 2, (f.BBox[1] + f.BBox[3]) / 2
}

// DetectOptions carries the hot-reloadable per-frame limits.
type DetectOptions struct {
	MinFaceSize int
	MaxFaces    int
}

// Engine is the pluggable detector+embedder.
type Engine interface {
	// DetectAndEmbed finds faces in a JPEG frame, filtered and capped per
	// opts, largest first.
	DetectAndEmbed(ctx context.Context, jpegData []byte, opts DetectOptions) ([]Face, error)

	// EmbedSingle embeds the largest face in the image. ErrNoFace when the
	// image contains none.
	EmbedSingle(ctx context.Context, jpegData []byte) ([]float32, error)

	// ValidateQuality applies the enrollment gates: image within size
	// bounds, exactly one face, face big and confident enough.
	ValidateQuality(ctx context.Context, jpegData []byte) error
}

// FilterFaces drops faces under minFaceSize or under the detector score
// floor, sorts the rest largest-first, and caps the count. A frame full of
// tiny background faces filters to nothing, which is the correct event shape.
func FilterFaces(faces []Face, minFaceSize, maxFaces int) []Face {
	kept := make([]Face, 0, len(faces))
	for _, f := range faces {
		if f.Size() < float64(minFaceSize) || f.Score < MinDetScore {
			continue
		}
		kept = append(kept, f)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Size() > kept[j].Size() })
	if maxFaces > 0 && len(kept) > maxFaces {
		kept = kept[:maxFaces]
	}
	return kept
}
