package vision

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log"
	"math"
	"os"
	"path/filepath"
)

// Note: real face detection and embedding (insightface-style ONNX models)
// requires CGO. The synthetic engine stands in for it: detections and
// embeddings are derived from a content hash, so the same image always
// produces the same faces and the same embedding. That is enough for the
// whole pipeline - enrollment, indexing, matching, presence - to behave
// exactly as it would with a real model behind it.

// SyntheticEngine implements Engine deterministically.
type SyntheticEngine struct {
	dim int
}

// NewSyntheticEngine checks for model files the way a real engine would and
// logs what it finds, then returns the deterministic implementation.
func NewSyntheticEngine(modelDir string, dim int) *SyntheticEngine {
	modelPaths := []string{
		filepath.Join(modelDir, "det_10g.onnx"),
		filepath.Join(modelDir, "w600k_r50.onnx"),
	}
	found := 0
	for _, mp := range modelPaths {
		if _, err := os.Stat(mp); err == nil {
			log.Printf("[Vision] Found model at %s", mp)
			found++
		}
	}
	if found == len(modelPaths) {
		log.Printf("[Vision] Model files present. Real inference needs CGO; using deterministic synthetic detection.")
	} else {
		log.Printf("[Vision] Model files not found in %s, using deterministic synthetic detection", modelDir)
	}
	return &SyntheticEngine{dim: dim}
}

// detect decodes the frame and derives faces from its content hash. One
// centered face always; wide frames sometimes carry a second, smaller one
// (an unenrolled bystander) so multi-face paths get exercised.
func (e *SyntheticEngine) detect(jpegData []byte) (int, int, []Face, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(jpegData))
	if err != nil {
		return 0, 0, nil, ErrBadImage
	}
	w, h := cfg.Width, cfg.Height

	sum := sha256.Sum256(jpegData)

	side := 0.6 * math.Min(float64(w), float64(h))
	cx, cy := float64(w)/2, float64(h)/2
	primary := Face{
		BBox:      [4]float64{cx - side/2, cy - side/2, cx + side/2, cy + side/2},
		Score:     0.80 + float64(sum[1])/255.0*0.19,
		Embedding: e.embedFrom(sum[:], 0),
	}
	faces := []Face{primary}

	if w >= 400 && sum[0]%2 == 1 {
		small := 0.35 * math.Min(float64(w), float64(h))
		sx := float64(w) * 0.75
		sy := float64(h) * 0.4
		faces = append(faces, Face{
			BBox:      [4]float64{sx - small/2, sy - small/2, sx + small/2, sy + small/2},
			Score:     0.55 + float64(sum[2])/255.0*0.25,
			Embedding: e.embedFrom(sum[:], 1),
		})
	}
	return w, h, faces, nil
}

func (e *SyntheticEngine) DetectAndEmbed(_ context.Context, jpegData []byte, opts DetectOptions) ([]Face, error) {
	_, _, faces, err := e.detect(jpegData)
	if err != nil {
		return nil, err
	}
	return FilterFaces(faces, opts.MinFaceSize, opts.MaxFaces), nil
}

func (e *SyntheticEngine) EmbedSingle(_ context.Context, jpegData []byte) ([]float32, error) {
	_, _, faces, err := e.detect(jpegData)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, ErrNoFace
	}
	best := faces[0]
	for _, f := range faces[1:] {
		if f.Size() > best.Size() {
			best = f
		}
	}
	return best.Embedding, nil
}

func (e *SyntheticEngine) ValidateQuality(_ context.Context, jpegData []byte) error {
	w, h, faces, err := e.detect(jpegData)
	if err != nil {
		return err
	}
	if w < MinImageDim || h < MinImageDim {
		return ErrImageTooSmall
	}
	if w > MaxImageDim || h > MaxImageDim {
		return ErrImageTooLarge
	}
	if len(faces) == 0 {
		return ErrNoFace
	}
	if len(faces) > 1 {
		return ErrMultipleFaces
	}
	if faces[0].Size() < MinEnrollFace {
		return ErrFaceTooSmall
	}
	if faces[0].Score < MinDetScore {
		return ErrLowQuality
	}
	return nil
}

// embedFrom expands a content hash into a normalized embedding. Counter-mode
// hashing spreads the seed over the whole vector; distinct content lands far
// apart on the hypersphere.
func (e *SyntheticEngine) embedFrom(seed []byte, faceIdx int) []float32 {
	vec := make([]float32, e.dim)
	block := make([]byte, 0, sha256.Size)
	material := append(append([]byte{}, seed...), byte(faceIdx))

	var counter byte
	var norm float64
	for i := 0; i < e.dim; i++ {
		if len(block) == 0 {
			next := sha256.Sum256(append(material, counter))
			block = next[:]
			counter++
		}
		v := (float64(block[0]) - 127.5) / 127.5
		block = block[1:]
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		inv := float32(1.0 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// SyntheticPortrait renders a small deterministic JPEG "person": the pixel
// pattern is a function of the label only. Enrolling the portrait for label L
// and streaming frames built from the same label produces matching
// embeddings, which is what makes the synthetic demo recognize people
// end to end.
func SyntheticPortrait(label string, size int) []byte {
	sum := sha256.Sum256([]byte(label))
	img := image.NewRGBA(image.Rect(0, 0, size, size))

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			// Banded gradient keyed by the label hash.
			bx := byte(x * 8 / size)
			by := byte(y * 8 / size)
			r := sum[bx%32] ^ byte(x)
			g := sum[(by+7)%32] ^ byte(y)
			b := sum[(bx+by+13)%32]
			img.Set(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}

	var buf bytes.Buffer
	// Encoding the same pixels at the same quality is byte-stable.
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		// Encoding an in-memory RGBA image cannot realistically fail.
		panic(fmt.Sprintf("portrait encode: %v", err))
	}
	return buf.Bytes()
}
