package data_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/eduvision/ev-presence/internal/data"
)

// 1. Student insert returns generated id
func TestStudentInsert(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.StudentModel{DB: db}
	mock.ExpectQuery(`INSERT INTO students \(student_no, first_name, last_name, group_name\)`).
		WithArgs("S001", "Ada", "Lovelace", "CS-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), time.Now()))

	s := &data.Student{StudentNo: "S001", FirstName: "Ada", LastName: "Lovelace", GroupName: "CS-1"}
	if err := m.Insert(context.Background(), s); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if s.ID != 7 {
		t.Errorf("expected id 7, got %d", s.ID)
	}
	if s.FullName() != "Ada Lovelace" {
		t.Errorf("unexpected full name %q", s.FullName())
	}
}

// Students without a group store NULL, not empty string
func TestStudentInsert_NoGroup(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.StudentModel{DB: db}
	mock.ExpectQuery("INSERT INTO students").
		WithArgs("S002", "Grace", "Hopper", nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(8), time.Now()))

	s := &data.Student{StudentNo: "S002", FirstName: "Grace", LastName: "Hopper"}
	if err := m.Insert(context.Background(), s); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
}

// 2. Duplicate student_no maps to ErrDuplicateRow
func TestStudentInsert_Duplicate(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.StudentModel{DB: db}
	mock.ExpectQuery("INSERT INTO students").
		WillReturnError(&pq.Error{Code: "23505"})

	err := m.Insert(context.Background(), &data.Student{StudentNo: "S001", FirstName: "x", LastName: "y"})
	if err != data.ErrDuplicateRow {
		t.Errorf("expected ErrDuplicateRow, got %v", err)
	}
}

// 3. Missing student maps to ErrRecordNotFound
func TestStudentGetByID_NotFound(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.StudentModel{DB: db}
	mock.ExpectQuery("SELECT id, student_no").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := m.GetByID(context.Background(), 99)
	if err != data.ErrRecordNotFound {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

// 4. Presence upsert passes seenAt for both first_seen and last_seen
func TestPresenceUpsert(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.PresenceModel{DB: db}
	seen := time.Now()
	mock.ExpectExec("INSERT INTO room_presence").
		WithArgs(int64(1), int64(2), int64(3), 0.91, seen).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.Upsert(context.Background(), 1, 2, 3, 0.91, seen); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// 5. Stale cleanup returns the deleted count
func TestPresenceCleanupStale(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.PresenceModel{DB: db}
	cutoff := time.Now().Add(-30 * time.Second)
	mock.ExpectExec("DELETE FROM room_presence WHERE last_seen <").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := m.CleanupStale(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("CleanupStale failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 removed, got %d", n)
	}
}

// 6. Occupant scan handles NULL camera_id (camera deleted, SET NULL)
func TestPresenceRoomOccupants_NullCamera(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.PresenceModel{DB: db}
	now := time.Now()
	rows := sqlmock.NewRows([]string{"student_id", "student_no", "name", "room_id", "camera_id", "confidence", "first_seen", "last_seen"}).
		AddRow(int64(1), "S001", "Ada", int64(2), nil, 0.8, now, now)

	mock.ExpectQuery("SELECT rp.student_id").WillReturnRows(rows)

	occ, err := m.RoomOccupants(context.Background(), 2, now.Add(-30*time.Second))
	if err != nil {
		t.Fatalf("RoomOccupants failed: %v", err)
	}
	if len(occ) != 1 {
		t.Fatalf("expected 1 occupant, got %d", len(occ))
	}
	if occ[0].CameraID != nil {
		t.Error("expected nil camera id")
	}
}

// Occupant display name is assembled in SQL from the split name columns
func TestPresenceRoomOccupants_FullName(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.PresenceModel{DB: db}
	now := time.Now()
	rows := sqlmock.NewRows([]string{"student_id", "student_no", "name", "room_id", "camera_id", "confidence", "first_seen", "last_seen"}).
		AddRow(int64(1), "S001", "Ada Denizli", int64(2), int64(3), 0.8, now, now)

	mock.ExpectQuery(`s\.first_name \|\| ' ' \|\| s\.last_name`).WillReturnRows(rows)

	occ, err := m.RoomOccupants(context.Background(), 2, now.Add(-30*time.Second))
	if err != nil {
		t.Fatalf("RoomOccupants failed: %v", err)
	}
	if len(occ) != 1 || occ[0].Name != "Ada Denizli" {
		t.Fatalf("unexpected occupants: %+v", occ)
	}
}

// Active-room listing filters on the is_active flag in SQL
func TestRoomListActive(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.RoomModel{DB: db}
	rows := sqlmock.NewRows([]string{"id", "name", "is_active", "created_at"}).
		AddRow(int64(1), "Lab A", true, time.Now())

	mock.ExpectQuery("FROM rooms WHERE is_active").WillReturnRows(rows)

	active, err := m.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 1 || !active[0].IsActive {
		t.Fatalf("unexpected rooms: %+v", active)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// 7. Attendance duplicate day maps to ErrDuplicateRow
func TestAttendanceInsert_Duplicate(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.AttendanceModel{DB: db}
	mock.ExpectQuery("INSERT INTO attendance").
		WillReturnError(&pq.Error{Code: "23505"})

	rec := &data.AttendanceRecord{StudentID: 1, Date: time.Now(), CheckinTime: time.Now()}
	if err := m.Insert(context.Background(), rec); err != data.ErrDuplicateRow {
		t.Errorf("expected ErrDuplicateRow, got %v", err)
	}
}

// 8. Embedding round trip through FLOAT8[]
func TestStudentImageEmbeddingArray(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.StudentImageModel{DB: db}
	rows := sqlmock.NewRows([]string{"student_id", "embedding"}).
		AddRow(int64(1), "{0.5,0.25,-1}")

	mock.ExpectQuery("SELECT student_id, embedding").WillReturnRows(rows)

	ids, embs, err := m.AllEmbeddings(context.Background())
	if err != nil {
		t.Fatalf("AllEmbeddings failed: %v", err)
	}
	if len(ids) != 1 || len(embs) != 1 {
		t.Fatalf("expected 1 row, got %d/%d", len(ids), len(embs))
	}
	if embs[0][1] != 0.25 {
		t.Errorf("embedding decode wrong: %v", embs[0])
	}
}

// 9. Delete of absent camera reports not found via RowsAffected
func TestCameraDelete_NotFound(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.CameraModel{DB: db}
	mock.ExpectExec("DELETE FROM cameras").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := m.Delete(context.Background(), 42); err != data.ErrRecordNotFound {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}
