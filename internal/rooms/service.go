// Package rooms is the admin surface for rooms and their cameras: CRUD with
// the per-room camera cap, RTSP URL validation and at-rest encryption, and
// stream lifecycle orchestration per camera or per room.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/eduvision/ev-presence/internal/crypto"
	"github.com/eduvision/ev-presence/internal/data"
	"github.com/eduvision/ev-presence/internal/stream"
)

var (
	ErrDuplicateRoomName = errors.New("duplicate_room_name")
	ErrCameraLimit       = errors.New("room_camera_limit")
)

// RoomWithCameras is the list-rooms response shape.
type RoomWithCameras struct {
	*data.Room
	Cameras []*data.Camera `json:"cameras"`
}

// StartReport summarizes a room-level start-all.
type StartReport struct {
	Started []int64 `json:"started"`
	Failed  []int64 `json:"failed"`
	Skipped []int64 `json:"skipped"`
}

type Service struct {
	Rooms   data.RoomModel
	Cameras data.CameraModel
	Streams *stream.Manager

	// Cipher encrypts rtsp_url at rest. Nil means plaintext storage; API
	// responses mask credentials either way.
	Cipher *crypto.URLCipher

	MaxCamerasPerRoom int
}

// CreateRoom adds a room, active by default.
func (s *Service) CreateRoom(ctx context.Context, name string) (*data.Room, error) {
	room := &data.Room{Name: name, IsActive: true}
	err := s.Rooms.Insert(ctx, room)
	if errors.Is(err, data.ErrDuplicateRow) {
		return nil, ErrDuplicateRoomName
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (s *Service) GetRoom(ctx context.Context, id int64) (*data.Room, error) {
	return s.Rooms.GetByID(ctx, id)
}

// ListRooms returns every room with its cameras, URLs masked.
func (s *Service) ListRooms(ctx context.Context) ([]*RoomWithCameras, error) {
	rooms, err := s.Rooms.List(ctx)
	if err != nil {
		return nil, err
	}
	cameras, err := s.Cameras.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	byRoom := make(map[int64][]*data.Camera)
	for _, c := range cameras {
		byRoom[c.RoomID] = append(byRoom[c.RoomID], s.masked(c))
	}

	out := make([]*RoomWithCameras, 0, len(rooms))
	for _, r := range rooms {
		cams := byRoom[r.ID]
		if cams == nil {
			cams = []*data.Camera{}
		}
		out = append(out, &RoomWithCameras{Room: r, Cameras: cams})
	}
	return out, nil
}

// DeleteRoom stops the room's streams first, then deletes the row. Cameras
// cascade; presence rows have their room reference nulled and age out.
func (s *Service) DeleteRoom(ctx context.Context, id int64) error {
	if _, err := s.Rooms.GetByID(ctx, id); err != nil {
		return err
	}
	if n := s.Streams.StopRoom(id); n > 0 {
		log.Printf("[Rooms] stopped %d streams before deleting room %d", n, id)
	}
	return s.Rooms.Delete(ctx, id)
}

// AddCamera validates the URL, enforces the per-room cap, and stores the URL
// encrypted when a cipher is configured.
func (s *Service) AddCamera(ctx context.Context, roomID int64, name, rtspURL string, enabled bool) (*data.Camera, error) {
	if _, err := s.Rooms.GetByID(ctx, roomID); err != nil {
		return nil, err
	}
	if err := stream.ValidateRTSPURL(rtspURL); err != nil {
		return nil, err
	}
	count, err := s.Cameras.CountByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if count >= s.MaxCamerasPerRoom {
		return nil, fmt.Errorf("%w: room %d already has %d cameras", ErrCameraLimit, roomID, count)
	}

	storedURL := rtspURL
	if s.Cipher != nil {
		storedURL, err = s.Cipher.Encrypt(rtspURL)
		if err != nil {
			return nil, fmt.Errorf("encrypt rtsp url: %w", err)
		}
	}

	cam := &data.Camera{RoomID: roomID, Name: name, RTSPURL: storedURL, Enabled: enabled}
	if err := s.Cameras.Insert(ctx, cam); err != nil {
		return nil, err
	}
	return s.maskedCopy(cam, rtspURL), nil
}

func (s *Service) ListCameras(ctx context.Context, roomID int64) ([]*data.Camera, error) {
	if _, err := s.Rooms.GetByID(ctx, roomID); err != nil {
		return nil, err
	}
	cams, err := s.Cameras.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]*data.Camera, 0, len(cams))
	for _, c := range cams {
		out = append(out, s.masked(c))
	}
	return out, nil
}

// DeleteCamera stops the stream if running, then removes the row.
func (s *Service) DeleteCamera(ctx context.Context, cameraID int64) error {
	if _, err := s.Cameras.GetByID(ctx, cameraID); err != nil {
		return err
	}
	s.Streams.Stop(cameraID)
	return s.Cameras.Delete(ctx, cameraID)
}

// StartCamera opens the camera's stream. Already-running is a success.
func (s *Service) StartCamera(ctx context.Context, cameraID int64) error {
	cam, err := s.Cameras.GetByID(ctx, cameraID)
	if err != nil {
		return err
	}
	url, err := s.plainURL(cam)
	if err != nil {
		return err
	}
	return s.Streams.Start(stream.Spec{CameraID: cam.ID, RoomID: cam.RoomID, URL: url})
}

func (s *Service) StopCamera(ctx context.Context, cameraID int64) error {
	if _, err := s.Cameras.GetByID(ctx, cameraID); err != nil {
		return err
	}
	s.Streams.Stop(cameraID)
	return nil
}

// CameraStatus reports the camera's stream state; a known camera that isn't
// streaming reports disconnected rather than 404.
func (s *Service) CameraStatus(ctx context.Context, cameraID int64) (*stream.Status, error) {
	cam, err := s.Cameras.GetByID(ctx, cameraID)
	if err != nil {
		return nil, err
	}
	for _, st := range s.Streams.Statuses() {
		if st.CameraID == cameraID {
			return &st, nil
		}
	}
	return &stream.Status{CameraID: cam.ID, RoomID: cam.RoomID}, nil
}

// StartRoomCameras starts every enabled camera in the room, reporting which
// started, failed, or were skipped as disabled. One bad camera never stops
// the rest.
func (s *Service) StartRoomCameras(ctx context.Context, roomID int64) (*StartReport, error) {
	if _, err := s.Rooms.GetByID(ctx, roomID); err != nil {
		return nil, err
	}
	cams, err := s.Cameras.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	report := &StartReport{Started: []int64{}, Failed: []int64{}, Skipped: []int64{}}
	for _, cam := range cams {
		if !cam.Enabled {
			report.Skipped = append(report.Skipped, cam.ID)
			continue
		}
		url, err := s.plainURL(cam)
		if err != nil {
			log.Printf("[Rooms] camera %d: decrypt url: %v", cam.ID, err)
			report.Failed = append(report.Failed, cam.ID)
			continue
		}
		if err := s.Streams.Start(stream.Spec{CameraID: cam.ID, RoomID: cam.RoomID, URL: url}); err != nil {
			log.Printf("[Rooms] camera %d: start: %v", cam.ID, err)
			report.Failed = append(report.Failed, cam.ID)
			continue
		}
		report.Started = append(report.Started, cam.ID)
	}
	return report, nil
}

// StopRoomCameras halts every stream in the room, returning how many stopped.
func (s *Service) StopRoomCameras(ctx context.Context, roomID int64) (int, error) {
	if _, err := s.Rooms.GetByID(ctx, roomID); err != nil {
		return 0, err
	}
	return s.Streams.StopRoom(roomID), nil
}

// plainURL recovers the connectable URL from the stored column.
func (s *Service) plainURL(cam *data.Camera) (string, error) {
	if s.Cipher == nil {
		return cam.RTSPURL, nil
	}
	return s.Cipher.Decrypt(cam.RTSPURL)
}

// masked returns a copy safe for API responses: decrypt if needed, then strip
// credentials.
func (s *Service) masked(cam *data.Camera) *data.Camera {
	url, err := s.plainURL(cam)
	if err != nil {
		url = ""
	}
	return s.maskedCopy(cam, url)
}

func (s *Service) maskedCopy(cam *data.Camera, plainURL string) *data.Camera {
	out := *cam
	out.RTSPURL = crypto.MaskURL(plainURL)
	return &out
}
