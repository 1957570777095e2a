// Package presence answers "who is where right now". It sits over the
// room_presence table and owns the activity window: a row is active while its
// last_seen is within the timeout, inclusive at the boundary.
package presence

import (
	"context"
	"time"

	"github.com/eduvision/ev-presence/internal/data"
)

// RoomView is one room plus everyone active in it, the shape both the REST
// presence endpoints and the websocket messages are built from.
type RoomView struct {
	RoomID    int64               `json:"room_id"`
	RoomName  string              `json:"room_name"`
	Occupants []*data.PresenceRow `json:"occupants"`
}

// Stats backs GET /presence/stats.
type Stats struct {
	TrackedStudents int `json:"tracked_students"`
	TotalRooms      int `json:"total_rooms"`
	OccupiedRooms   int `json:"occupied_rooms"`
	TimeoutSeconds  int `json:"timeout_seconds"`
}

type Service struct {
	presence data.PresenceModel
	rooms    data.RoomModel
	timeout  time.Duration
}

func NewService(presence data.PresenceModel, rooms data.RoomModel, timeout time.Duration) *Service {
	return &Service{presence: presence, rooms: rooms, timeout: timeout}
}

func (s *Service) Timeout() time.Duration { return s.timeout }

// cutoff is the oldest last_seen still considered active.
func (s *Service) cutoff(now time.Time) time.Time {
	return now.Add(-s.timeout)
}

// Upsert records a sighting, moving the student's single row if needed.
func (s *Service) Upsert(ctx context.Context, studentID, roomID, cameraID int64, confidence float64, seenAt time.Time) error {
	return s.presence.Upsert(ctx, studentID, roomID, cameraID, confidence, seenAt)
}

// RoomOccupants lists who is in the room, most recent first. includeStale
// drops the activity window entirely (debugging aid on the REST surface).
func (s *Service) RoomOccupants(ctx context.Context, roomID int64, includeStale bool) ([]*data.PresenceRow, error) {
	cutoff := s.cutoff(time.Now())
	if includeStale {
		cutoff = time.Time{}
	}
	rows, err := s.presence.RoomOccupants(ctx, roomID, cutoff)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*data.PresenceRow{}
	}
	return rows, nil
}

// RoomView is RoomOccupants plus the room's name, ready for broadcast.
func (s *Service) RoomView(ctx context.Context, roomID int64) (*RoomView, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	occupants, err := s.RoomOccupants(ctx, roomID, false)
	if err != nil {
		return nil, err
	}
	return &RoomView{RoomID: room.ID, RoomName: room.Name, Occupants: occupants}, nil
}

// AllRooms returns every active room with its active occupants, empty rooms
// included so dashboards can render the full floor. Deactivated rooms are
// left out entirely.
func (s *Service) AllRooms(ctx context.Context) ([]*RoomView, error) {
	rooms, err := s.rooms.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	active, err := s.presence.AllActive(ctx, s.cutoff(time.Now()))
	if err != nil {
		return nil, err
	}

	byRoom := make(map[int64][]*data.PresenceRow)
	for _, row := range active {
		byRoom[row.RoomID] = append(byRoom[row.RoomID], row)
	}

	views := make([]*RoomView, 0, len(rooms))
	for _, room := range rooms {
		occupants := byRoom[room.ID]
		if occupants == nil {
			occupants = []*data.PresenceRow{}
		}
		views = append(views, &RoomView{RoomID: room.ID, RoomName: room.Name, Occupants: occupants})
	}
	return views, nil
}

// StudentLocation returns the student's active row, or data.ErrRecordNotFound
// when they are nowhere (or only stale).
func (s *Service) StudentLocation(ctx context.Context, studentID int64) (*data.PresenceRow, error) {
	return s.presence.StudentLocation(ctx, studentID, s.cutoff(time.Now()))
}

// StaleRooms lists rooms holding at least one row the next cleanup will take.
func (s *Service) StaleRooms(ctx context.Context, now time.Time) ([]int64, error) {
	return s.presence.StaleRooms(ctx, s.cutoff(now))
}

// CleanupStale removes expired rows and reports how many went. Running it
// twice back-to-back removes nothing the second time.
func (s *Service) CleanupStale(ctx context.Context, now time.Time) (int64, error) {
	return s.presence.CleanupStale(ctx, s.cutoff(now))
}

// ClearRoom force-empties a room, e.g. after a fire drill or a camera
// misconfiguration flooded it with bogus rows.
func (s *Service) ClearRoom(ctx context.Context, roomID int64) (int64, error) {
	return s.presence.ClearRoom(ctx, roomID)
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	now := time.Now()
	tracked, err := s.presence.CountActive(ctx, s.cutoff(now))
	if err != nil {
		return nil, err
	}
	rooms, err := s.rooms.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	active, err := s.presence.AllActive(ctx, s.cutoff(now))
	if err != nil {
		return nil, err
	}
	occupied := make(map[int64]struct{})
	for _, row := range active {
		occupied[row.RoomID] = struct{}{}
	}
	return &Stats{
		TrackedStudents: tracked,
		TotalRooms:      len(rooms),
		OccupiedRooms:   len(occupied),
		TimeoutSeconds:  int(s.timeout.Seconds()),
	}, nil
}
