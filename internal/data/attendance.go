package data

import (
	"context"
	"database/sql"
	"time"
)

// AttendanceRecord is one student checked in on one date. The table carries
// UNIQUE(student_id, attendance_date) so a second check-in the same day is a
// duplicate, not a new row.
type AttendanceRecord struct {
	ID           int64     `json:"id"`
	StudentID    int64     `json:"student_id"`
	StudentNo    string    `json:"student_no,omitempty"`
	Name         string    `json:"name,omitempty"`
	Date         time.Time `json:"date"`
	CheckinTime  time.Time `json:"checkin_time"`
	Confidence   float64   `json:"confidence,omitempty"`
	SnapshotPath string    `json:"snapshot_path,omitempty"`
}

type AttendanceModel struct {
	DB DBTX
}

func (m AttendanceModel) Insert(ctx context.Context, rec *AttendanceRecord) error {
	query := `
		INSERT INTO attendance (student_id, attendance_date, checkin_time, confidence, snapshot_path)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	err := m.DB.QueryRowContext(ctx, query,
		rec.StudentID, rec.Date, rec.CheckinTime, rec.Confidence, rec.SnapshotPath).Scan(&rec.ID)
	if isUniqueViolation(err) {
		return ErrDuplicateRow
	}
	return err
}

func (m AttendanceModel) GetForDate(ctx context.Context, studentID int64, date time.Time) (*AttendanceRecord, error) {
	query := `
		SELECT id, student_id, attendance_date, checkin_time, confidence, COALESCE(snapshot_path, '')
		FROM attendance
		WHERE student_id = $1 AND attendance_date = $2`

	var rec AttendanceRecord
	err := m.DB.QueryRowContext(ctx, query, studentID, date).
		Scan(&rec.ID, &rec.StudentID, &rec.Date, &rec.CheckinTime, &rec.Confidence, &rec.SnapshotPath)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m AttendanceModel) ListByDate(ctx context.Context, date time.Time) ([]*AttendanceRecord, error) {
	query := `
		SELECT a.id, a.student_id, s.student_no, s.first_name || ' ' || s.last_name, a.attendance_date,
		       a.checkin_time, a.confidence, COALESCE(a.snapshot_path, '')
		FROM attendance a
		JOIN students s ON s.id = a.student_id
		WHERE a.attendance_date = $1
		ORDER BY a.checkin_time`

	rows, err := m.DB.QueryContext(ctx, query, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*AttendanceRecord
	for rows.Next() {
		var rec AttendanceRecord
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.StudentNo, &rec.Name,
			&rec.Date, &rec.CheckinTime, &rec.Confidence, &rec.SnapshotPath); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (m AttendanceModel) ListByStudentRange(ctx context.Context, studentID int64, from, to time.Time) ([]*AttendanceRecord, error) {
	query := `
		SELECT id, student_id, attendance_date, checkin_time, confidence, COALESCE(snapshot_path, '')
		FROM attendance
		WHERE student_id = $1 AND attendance_date BETWEEN $2 AND $3
		ORDER BY attendance_date DESC`

	rows, err := m.DB.QueryContext(ctx, query, studentID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*AttendanceRecord
	for rows.Next() {
		var rec AttendanceRecord
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.Date, &rec.CheckinTime, &rec.Confidence, &rec.SnapshotPath); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (m AttendanceModel) CountByDate(ctx context.Context, date time.Time) (int, error) {
	var count int
	err := m.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM attendance WHERE attendance_date = $1`, date).Scan(&count)
	return count, err
}

// CountSince counts check-ins on or after the given date. One row per student
// per day, so this is also "student-days".
func (m AttendanceModel) CountSince(ctx context.Context, from time.Time) (int, error) {
	var count int
	err := m.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM attendance WHERE attendance_date >= $1`, from).Scan(&count)
	return count, err
}
