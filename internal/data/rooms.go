package data

import (
	"context"
	"database/sql"
	"time"
)

// Room is one monitored space. Inactive rooms keep their cameras and history
// but drop out of presence summaries until reactivated.
type Room struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Camera belongs to exactly one room. RTSPURL is stored encrypted when a
// camera key is configured; the column holds whatever the service hands us.
type Camera struct {
	ID        int64     `json:"id"`
	RoomID    int64     `json:"room_id"`
	Name      string    `json:"name"`
	RTSPURL   string    `json:"rtsp_url"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

type RoomModel struct {
	DB DBTX
}

func (m RoomModel) Insert(ctx context.Context, r *Room) error {
	query := `
		INSERT INTO rooms (name, is_active)
		VALUES ($1, $2)
		RETURNING id, created_at`

	err := m.DB.QueryRowContext(ctx, query, r.Name, r.IsActive).
		Scan(&r.ID, &r.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateRow
	}
	return err
}

func (m RoomModel) GetByID(ctx context.Context, id int64) (*Room, error) {
	query := `
		SELECT id, name, is_active, created_at
		FROM rooms
		WHERE id = $1`

	var r Room
	err := m.DB.QueryRowContext(ctx, query, id).
		Scan(&r.ID, &r.Name, &r.IsActive, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (m RoomModel) List(ctx context.Context) ([]*Room, error) {
	query := `
		SELECT id, name, is_active, created_at
		FROM rooms
		ORDER BY name`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRooms(rows)
}

// ListActive returns only rooms still in monitoring rotation. Presence
// summaries and the per-room dashboard iterate this set.
func (m RoomModel) ListActive(ctx context.Context) ([]*Room, error) {
	query := `
		SELECT id, name, is_active, created_at
		FROM rooms
		WHERE is_active
		ORDER BY name`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRooms(rows)
}

func scanRooms(rows *sql.Rows) ([]*Room, error) {
	var rooms []*Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.IsActive, &r.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, &r)
	}
	return rooms, rows.Err()
}

// Delete removes the room; cameras cascade, presence rows get room_id NULLed.
func (m RoomModel) Delete(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

type CameraModel struct {
	DB DBTX
}

func (m CameraModel) Insert(ctx context.Context, c *Camera) error {
	query := `
		INSERT INTO cameras (room_id, name, rtsp_url, enabled)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	return m.DB.QueryRowContext(ctx, query, c.RoomID, c.Name, c.RTSPURL, c.Enabled).
		Scan(&c.ID, &c.CreatedAt)
}

func (m CameraModel) GetByID(ctx context.Context, id int64) (*Camera, error) {
	query := `
		SELECT id, room_id, name, rtsp_url, enabled, created_at
		FROM cameras
		WHERE id = $1`

	var c Camera
	err := m.DB.QueryRowContext(ctx, query, id).
		Scan(&c.ID, &c.RoomID, &c.Name, &c.RTSPURL, &c.Enabled, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (m CameraModel) ListByRoom(ctx context.Context, roomID int64) ([]*Camera, error) {
	query := `
		SELECT id, room_id, name, rtsp_url, enabled, created_at
		FROM cameras
		WHERE room_id = $1
		ORDER BY id`

	rows, err := m.DB.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCameras(rows)
}

func (m CameraModel) ListAll(ctx context.Context) ([]*Camera, error) {
	query := `
		SELECT id, room_id, name, rtsp_url, enabled, created_at
		FROM cameras
		ORDER BY room_id, id`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCameras(rows)
}

func scanCameras(rows *sql.Rows) ([]*Camera, error) {
	var cameras []*Camera
	for rows.Next() {
		var c Camera
		if err := rows.Scan(&c.ID, &c.RoomID, &c.Name, &c.RTSPURL, &c.Enabled, &c.CreatedAt); err != nil {
			return nil, err
		}
		cameras = append(cameras, &c)
	}
	return cameras, rows.Err()
}

func (m CameraModel) Delete(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM cameras WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// CountByRoom backs the per-room camera cap check.
func (m CameraModel) CountByRoom(ctx context.Context, roomID int64) (int, error) {
	var count int
	err := m.DB.QueryRowContext(ctx, `SELECT count(*) FROM cameras WHERE room_id = $1`, roomID).Scan(&count)
	return count, err
}
