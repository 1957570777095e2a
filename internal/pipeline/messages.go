package pipeline

import (
	"time"

	"github.com/eduvision/ev-presence/internal/data"
	"github.com/eduvision/ev-presence/internal/presence"
	"github.com/eduvision/ev-presence/internal/stream"
)

// Websocket message types. Every payload carries a "type" discriminator so a
// client can multiplex one connection.
const (
	TypeInitialPresence    = "initial_presence"
	TypePresenceUpdate     = "presence_update"
	TypeFaceDetection      = "face_detection"
	TypeStatus             = "status"
	TypeInitialAllPresence = "initial_all_presence"
	TypeAllPresenceRefresh = "all_presence_refresh"
	TypePong               = "pong"
)

// Recognition is one student newly placed in a room by this frame.
type Recognition struct {
	StudentID  int64   `json:"student_id"`
	StudentNo  string  `json:"student_no"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// FaceOverlay is one detected face in a face_detection event, known or not.
type FaceOverlay struct {
	Type       string     `json:"type"` // "student" or "guest"
	Label      string     `json:"label"`
	StudentID  int64      `json:"student_id,omitempty"`
	BBox       [4]float64 `json:"bbox"`
	Confidence float64    `json:"confidence"`
}

// RoomPresenceMessage is the per-room channel payload, both the initial state
// on subscribe and each subsequent update.
type RoomPresenceMessage struct {
	Type            string              `json:"type"`
	RoomID          int64               `json:"room_id"`
	RoomName        string              `json:"room_name"`
	Occupants       []*data.PresenceRow `json:"occupants"`
	TotalCount      int                 `json:"total_count"`
	GuestCount      int                 `json:"guest_count"`
	TotalPeople     int                 `json:"total_people"`
	NewRecognitions []Recognition       `json:"new_recognitions,omitempty"`
	Timestamp       time.Time           `json:"timestamp"`
}

// RoomSummary is one room inside an all-rooms payload.
type RoomSummary struct {
	RoomID      int64               `json:"room_id"`
	RoomName    string              `json:"room_name"`
	Occupants   []*data.PresenceRow `json:"occupants"`
	TotalCount  int                 `json:"total_count"`
	GuestCount  int                 `json:"guest_count"`
	TotalPeople int                 `json:"total_people"`
}

// AllPresenceMessage is the global channel payload.
type AllPresenceMessage struct {
	Type          string        `json:"type"`
	Rooms         []RoomSummary `json:"rooms"`
	TotalStudents int           `json:"total_students"`
	TotalGuests   int           `json:"total_guests"`
	TotalPeople   int           `json:"total_people"`
	Timestamp     time.Time     `json:"timestamp"`
}

// FaceDetectionMessage is the per-camera overlay payload, published for every
// recognition pass whether or not anything matched.
type FaceDetectionMessage struct {
	Type       string        `json:"type"`
	CameraID   int64         `json:"camera_id"`
	Faces      []FaceOverlay `json:"faces"`
	TotalFaces int           `json:"total_faces"`
	Timestamp  time.Time     `json:"timestamp"`
}

// StatusMessage reports one stream's connection state to its viewers.
type StatusMessage struct {
	Type      string    `json:"type"`
	CameraID  int64     `json:"camera_id"`
	RoomID    int64     `json:"room_id"`
	Connected bool      `json:"connected"`
	Running   bool      `json:"running"`
	FPS       float64   `json:"fps"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRoomMessage assembles a room channel payload from the current view and
// guest count.
func NewRoomMessage(msgType string, view *presence.RoomView, guestCount int, newRecs []Recognition, now time.Time) RoomPresenceMessage {
	return RoomPresenceMessage{
		Type:            msgType,
		RoomID:          view.RoomID,
		RoomName:        view.RoomName,
		Occupants:       view.Occupants,
		TotalCount:      len(view.Occupants),
		GuestCount:      guestCount,
		TotalPeople:     len(view.Occupants) + guestCount,
		NewRecognitions: newRecs,
		Timestamp:       now,
	}
}

// NewAllMessage assembles a global channel payload from every room's view and
// the per-room guest counts.
func NewAllMessage(msgType string, views []*presence.RoomView, guestCounts map[int64]int, now time.Time) AllPresenceMessage {
	msg := AllPresenceMessage{Type: msgType, Rooms: make([]RoomSummary, 0, len(views)), Timestamp: now}
	for _, v := range views {
		guests := guestCounts[v.RoomID]
		msg.Rooms = append(msg.Rooms, RoomSummary{
			RoomID:      v.RoomID,
			RoomName:    v.RoomName,
			Occupants:   v.Occupants,
			TotalCount:  len(v.Occupants),
			GuestCount:  guests,
			TotalPeople: len(v.Occupants) + guests,
		})
		msg.TotalStudents += len(v.Occupants)
		msg.TotalGuests += guests
	}
	msg.TotalPeople = msg.TotalStudents + msg.TotalGuests
	return msg
}

// NewStatusMessage converts a stream status into its websocket shape.
func NewStatusMessage(st stream.Status, now time.Time) StatusMessage {
	return StatusMessage{
		Type:      TypeStatus,
		CameraID:  st.CameraID,
		RoomID:    st.RoomID,
		Connected: st.Connected,
		Running:   st.Running,
		FPS:       st.FPS,
		Timestamp: now,
	}
}
