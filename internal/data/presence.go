package data

import (
	"context"
	"database/sql"
	"time"
)

// PresenceRow is the live "who is where" record. At most one row exists per
// student (student_id is UNIQUE); a recognition in a different room moves the
// row rather than adding a second one.
type PresenceRow struct {
	StudentID  int64     `json:"student_id"`
	StudentNo  string    `json:"student_no"`
	Name       string    `json:"name"`
	RoomID     int64     `json:"room_id"`
	RoomName   string    `json:"room_name,omitempty"`
	CameraID   *int64    `json:"camera_id,omitempty"`
	Confidence float64   `json:"confidence"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

type PresenceModel struct {
	DB DBTX
}

// Upsert records a sighting. Last writer wins: a conflicting row is moved to
// the new room/camera and its last_seen refreshed; first_seen survives so the
// UI can show how long someone has been tracked.
func (m PresenceModel) Upsert(ctx context.Context, studentID, roomID, cameraID int64, confidence float64, seenAt time.Time) error {
	query := `
		INSERT INTO room_presence (student_id, room_id, camera_id, confidence, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (student_id) DO UPDATE SET
			room_id = EXCLUDED.room_id,
			camera_id = EXCLUDED.camera_id,
			confidence = EXCLUDED.confidence,
			last_seen = EXCLUDED.last_seen`

	_, err := m.DB.ExecContext(ctx, query, studentID, roomID, cameraID, confidence, seenAt)
	return err
}

// RoomOccupants lists students seen in the room at or after cutoff, most
// recent first. The cutoff is inclusive: a row whose last_seen equals it is
// still active.
func (m PresenceModel) RoomOccupants(ctx context.Context, roomID int64, cutoff time.Time) ([]*PresenceRow, error) {
	query := `
		SELECT rp.student_id, s.student_no, s.first_name || ' ' || s.last_name, rp.room_id, rp.camera_id,
		       rp.confidence, rp.first_seen, rp.last_seen
		FROM room_presence rp
		JOIN students s ON s.id = rp.student_id
		WHERE rp.room_id = $1 AND rp.last_seen >= $2
		ORDER BY rp.last_seen DESC`

	rows, err := m.DB.QueryContext(ctx, query, roomID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var occupants []*PresenceRow
	for rows.Next() {
		var p PresenceRow
		var cameraID sql.NullInt64
		if err := rows.Scan(&p.StudentID, &p.StudentNo, &p.Name, &p.RoomID, &cameraID,
			&p.Confidence, &p.FirstSeen, &p.LastSeen); err != nil {
			return nil, err
		}
		if cameraID.Valid {
			p.CameraID = &cameraID.Int64
		}
		occupants = append(occupants, &p)
	}
	return occupants, rows.Err()
}

// AllActive lists every active presence row across all rooms, with room names
// resolved. Rows whose room was deleted (room_id NULL) are excluded; the
// reaper will age them out.
func (m PresenceModel) AllActive(ctx context.Context, cutoff time.Time) ([]*PresenceRow, error) {
	query := `
		SELECT rp.student_id, s.student_no, s.first_name || ' ' || s.last_name, rp.room_id, r.name, rp.camera_id,
		       rp.confidence, rp.first_seen, rp.last_seen
		FROM room_presence rp
		JOIN students s ON s.id = rp.student_id
		JOIN rooms r ON r.id = rp.room_id
		WHERE rp.last_seen >= $1
		ORDER BY r.name, rp.last_seen DESC`

	rows, err := m.DB.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var active []*PresenceRow
	for rows.Next() {
		var p PresenceRow
		var cameraID sql.NullInt64
		if err := rows.Scan(&p.StudentID, &p.StudentNo, &p.Name, &p.RoomID, &p.RoomName, &cameraID,
			&p.Confidence, &p.FirstSeen, &p.LastSeen); err != nil {
			return nil, err
		}
		if cameraID.Valid {
			p.CameraID = &cameraID.Int64
		}
		active = append(active, &p)
	}
	return active, rows.Err()
}

// StudentLocation returns the student's current room, or ErrRecordNotFound if
// they have no active presence row.
func (m PresenceModel) StudentLocation(ctx context.Context, studentID int64, cutoff time.Time) (*PresenceRow, error) {
	query := `
		SELECT rp.student_id, s.student_no, s.first_name || ' ' || s.last_name, rp.room_id, r.name, rp.camera_id,
		       rp.confidence, rp.first_seen, rp.last_seen
		FROM room_presence rp
		JOIN students s ON s.id = rp.student_id
		JOIN rooms r ON r.id = rp.room_id
		WHERE rp.student_id = $1 AND rp.last_seen >= $2`

	var p PresenceRow
	var cameraID sql.NullInt64
	err := m.DB.QueryRowContext(ctx, query, studentID, cutoff).
		Scan(&p.StudentID, &p.StudentNo, &p.Name, &p.RoomID, &p.RoomName, &cameraID,
			&p.Confidence, &p.FirstSeen, &p.LastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if cameraID.Valid {
		p.CameraID = &cameraID.Int64
	}
	return &p, nil
}

// StaleRooms lists the distinct rooms that currently hold at least one stale
// row. The reaper reads this before deleting so it knows which room views to
// refresh and rebroadcast.
func (m PresenceModel) StaleRooms(ctx context.Context, cutoff time.Time) ([]int64, error) {
	query := `
		SELECT DISTINCT room_id FROM room_presence
		WHERE last_seen < $1 AND room_id IS NOT NULL`

	rows, err := m.DB.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roomIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		roomIDs = append(roomIDs, id)
	}
	return roomIDs, rows.Err()
}

// CleanupStale deletes rows whose last_seen is strictly before cutoff and
// returns how many went. Strict < keeps the boundary row alive, matching the
// inclusive read side.
func (m PresenceModel) CleanupStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM room_presence WHERE last_seen < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (m PresenceModel) ClearRoom(ctx context.Context, roomID int64) (int64, error) {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM room_presence WHERE room_id = $1`, roomID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (m PresenceModel) CountActive(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := m.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM room_presence WHERE last_seen >= $1`, cutoff).Scan(&count)
	return count, err
}
