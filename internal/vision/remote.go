package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects served by the vision-service sidecar.
const (
	SubjectDetect   = "vision.detect"
	SubjectEmbed    = "vision.embed"
	SubjectValidate = "vision.validate"
)

// Wire shapes for the sidecar protocol. Images travel base64-encoded inside
// JSON; frames are small enough that this beats maintaining a binary framing.
type DetectRequest struct {
	Image       string `json:"image"`
	MinFaceSize int    `json:"min_face_size,omitempty"`
	MaxFaces    int    `json:"max_faces,omitempty"`
}

type DetectResponse struct {
	Faces []Face `json:"faces"`
	Error string `json:"error,omitempty"`
}

type EmbedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

type ValidateResponse struct {
	Error string `json:"error,omitempty"`
}

// RemoteEngine runs detection in the vision-service sidecar via NATS
// request-reply. The sidecar owns the model runtime; this side is a thin
// codec with a deadline.
type RemoteEngine struct {
	conn    *nats.Conn
	timeout time.Duration
}

func NewRemoteEngine(conn *nats.Conn, timeout time.Duration) *RemoteEngine {
	return &RemoteEngine{conn: conn, timeout: timeout}
}

func (e *RemoteEngine) request(ctx context.Context, subject string, req any, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	msg, err := e.conn.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("vision rpc %s: %w", subject, err)
	}
	return json.Unmarshal(msg.Data, resp)
}

func (e *RemoteEngine) DetectAndEmbed(ctx context.Context, jpegData []byte, opts DetectOptions) ([]Face, error) {
	req := DetectRequest{
		Image:       base64.StdEncoding.EncodeToString(jpegData),
		MinFaceSize: opts.MinFaceSize,
		MaxFaces:    opts.MaxFaces,
	}
	var resp DetectResponse
	if err := e.request(ctx, SubjectDetect, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, codeToErr(resp.Error)
	}
	return resp.Faces, nil
}

func (e *RemoteEngine) EmbedSingle(ctx context.Context, jpegData []byte) ([]float32, error) {
	req := DetectRequest{Image: base64.StdEncoding.EncodeToString(jpegData)}
	var resp EmbedResponse
	if err := e.request(ctx, SubjectEmbed, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, codeToErr(resp.Error)
	}
	return resp.Embedding, nil
}

func (e *RemoteEngine) ValidateQuality(ctx context.Context, jpegData []byte) error {
	req := DetectRequest{Image: base64.StdEncoding.EncodeToString(jpegData)}
	var resp ValidateResponse
	if err := e.request(ctx, SubjectValidate, req, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return codeToErr(resp.Error)
	}
	return nil
}

// codeToErr maps sidecar error codes back onto the sentinel errors so
// callers can errors.Is them the same way they do with the local engine.
func codeToErr(code string) error {
	switch code {
	case ErrBadImage.Error():
		return ErrBadImage
	case ErrNoFace.Error():
		return ErrNoFace
	case ErrMultipleFaces.Error():
		return ErrMultipleFaces
	case ErrFaceTooSmall.Error():
		return ErrFaceTooSmall
	case ErrImageTooSmall.Error():
		return ErrImageTooSmall
	case ErrImageTooLarge.Error():
		return ErrImageTooLarge
	case ErrLowQuality.Error():
		return ErrLowQuality
	default:
		return fmt.Errorf("vision service: %s", code)
	}
}

// ErrToCode is the sidecar-side inverse of codeToErr.
func ErrToCode(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
