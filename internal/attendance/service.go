// Package attendance implements the daily check-in contract: one row per
// student per calendar day, created on their first successful recognition
// through the kiosk path. Distinct from presence, which is a rolling
// last-seen view.
package attendance

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/eduvision/ev-presence/internal/data"
	"github.com/eduvision/ev-presence/internal/events"
	"github.com/eduvision/ev-presence/internal/imagestore"
	"github.com/eduvision/ev-presence/internal/metrics"
	"github.com/eduvision/ev-presence/internal/vector"
	"github.com/eduvision/ev-presence/internal/vision"
)

// Check-in outcomes. StatusSuccess and StatusAlreadyAttended are the two
// non-error results; everything else surfaces as an error code.
const (
	StatusSuccess         = "success"
	StatusAlreadyAttended = "already_attended"
)

var (
	ErrInvalidImage    = errors.New("invalid_image")
	ErrNoFace          = errors.New("no_face")
	ErrStudentNotFound = errors.New("not_found")
)

// Result is the check-in response payload.
type Result struct {
	Status       string        `json:"status"`
	Student      *data.Student `json:"student,omitempty"`
	AttendanceID int64         `json:"attendance_id,omitempty"`
	CheckinTime  time.Time     `json:"check_in_time"`
	Confidence   float64       `json:"confidence,omitempty"`
}

// Statistics backs GET /attendance/statistics.
type Statistics struct {
	Today          int     `json:"today"`
	ThisWeek       int     `json:"this_week"`
	ThisMonth      int     `json:"this_month"`
	TotalStudents  int     `json:"total_students"`
	AttendanceRate float64 `json:"attendance_rate"`
}

type Service struct {
	Attendance data.AttendanceModel
	Students   data.StudentModel
	Engine     vision.Engine
	Index      *vector.Store
	Files      *imagestore.Store
	Events     *events.Publisher

	// Threshold returns the current confidence floor; hot-reloadable via the
	// config watcher.
	Threshold func() float64
}

// day truncates to the calendar date the attendance table keys on.
func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CheckIn runs the single-frame path: decode, embed, match, then create
// today's attendance row if it doesn't exist. Idempotent per day; the second
// call returns the original check-in time.
func (s *Service) CheckIn(ctx context.Context, imageB64 string) (*Result, error) {
	jpegData, err := decodeImage(imageB64)
	if err != nil {
		metrics.RecordCheckin("invalid_image")
		return nil, ErrInvalidImage
	}

	embedding, err := s.Engine.EmbedSingle(ctx, jpegData)
	if errors.Is(err, vision.ErrNoFace) {
		metrics.RecordCheckin("no_face")
		return nil, ErrNoFace
	}
	if errors.Is(err, vision.ErrBadImage) {
		metrics.RecordCheckin("invalid_image")
		return nil, ErrInvalidImage
	}
	if err != nil {
		metrics.RecordCheckin("error")
		return nil, fmt.Errorf("embed: %w", err)
	}

	match, err := s.Index.SearchWithThreshold(embedding, float32(s.Threshold()))
	if err != nil {
		metrics.RecordCheckin("error")
		return nil, fmt.Errorf("index search: %w", err)
	}
	if match == nil {
		metrics.RecordCheckin("not_found")
		return nil, ErrStudentNotFound
	}

	student, err := s.Students.GetByID(ctx, match.StudentID)
	if errors.Is(err, data.ErrRecordNotFound) {
		metrics.RecordCheckin("not_found")
		return nil, ErrStudentNotFound
	}
	if err != nil {
		metrics.RecordCheckin("error")
		return nil, err
	}

	now := time.Now()
	today := day(now)

	if prior, err := s.Attendance.GetForDate(ctx, student.ID, today); err == nil {
		metrics.RecordCheckin(StatusAlreadyAttended)
		return &Result{
			Status:       StatusAlreadyAttended,
			Student:      student,
			AttendanceID: prior.ID,
			CheckinTime:  prior.CheckinTime,
		}, nil
	} else if !errors.Is(err, data.ErrRecordNotFound) {
		metrics.RecordCheckin("error")
		return nil, err
	}

	snapshotPath, err := s.Files.SaveAttendanceSnapshot(student.StudentNo, now, jpegData)
	if err != nil {
		// The record matters more than the snapshot; log and continue.
		log.Printf("[Attendance] snapshot for %s: %v", student.StudentNo, err)
		snapshotPath = ""
	}

	rec := &data.AttendanceRecord{
		StudentID:    student.ID,
		Date:         today,
		CheckinTime:  now,
		Confidence:   float64(match.Score),
		SnapshotPath: snapshotPath,
	}
	if err := s.Attendance.Insert(ctx, rec); err != nil {
		if errors.Is(err, data.ErrDuplicateRow) {
			// Lost a race with a concurrent check-in; report theirs.
			if prior, gerr := s.Attendance.GetForDate(ctx, student.ID, today); gerr == nil {
				metrics.RecordCheckin(StatusAlreadyAttended)
				return &Result{
					Status:       StatusAlreadyAttended,
					Student:      student,
					AttendanceID: prior.ID,
					CheckinTime:  prior.CheckinTime,
				}, nil
			}
		}
		metrics.RecordCheckin("error")
		return nil, err
	}

	metrics.RecordCheckin(StatusSuccess)
	s.Events.Checkin(events.CheckinEvent{
		StudentID:  student.ID,
		StudentNo:  student.StudentNo,
		Confidence: float64(match.Score),
		Timestamp:  now,
	})
	log.Printf("[Attendance] %s checked in (score %.2f)", student.StudentNo, match.Score)

	return &Result{
		Status:       StatusSuccess,
		Student:      student,
		AttendanceID: rec.ID,
		CheckinTime:  now,
		Confidence:   float64(match.Score),
	}, nil
}

// Today lists everyone checked in today, in check-in order.
func (s *Service) Today(ctx context.Context) ([]*data.AttendanceRecord, error) {
	recs, err := s.Attendance.ListByDate(ctx, day(time.Now()))
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []*data.AttendanceRecord{}
	}
	return recs, nil
}

// StudentHistory lists a student's records in [from, to]. Zero times default
// to the last 30 days.
func (s *Service) StudentHistory(ctx context.Context, studentID int64, from, to time.Time) ([]*data.AttendanceRecord, error) {
	if _, err := s.Students.GetByID(ctx, studentID); err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = day(time.Now())
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -30)
	}
	recs, err := s.Attendance.ListByStudentRange(ctx, studentID, from, to)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []*data.AttendanceRecord{}
	}
	return recs, nil
}

// Stats aggregates today / ISO-week / calendar-month counts and today's rate
// against the enrolled population.
func (s *Service) Stats(ctx context.Context) (*Statistics, error) {
	now := time.Now()
	today := day(now)

	// Week starts Monday.
	weekday := int(today.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	weekStart := today.AddDate(0, 0, -(weekday - 1))
	monthStart := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)

	todayCount, err := s.Attendance.CountByDate(ctx, today)
	if err != nil {
		return nil, err
	}
	weekCount, err := s.Attendance.CountSince(ctx, weekStart)
	if err != nil {
		return nil, err
	}
	monthCount, err := s.Attendance.CountSince(ctx, monthStart)
	if err != nil {
		return nil, err
	}
	total, err := s.Students.Count(ctx)
	if err != nil {
		return nil, err
	}

	rate := 0.0
	if total > 0 {
		rate = math.Round(float64(todayCount)/float64(total)*100*100) / 100
	}
	return &Statistics{
		Today:          todayCount,
		ThisWeek:       weekCount,
		ThisMonth:      monthCount,
		TotalStudents:  total,
		AttendanceRate: rate,
	}, nil
}

// decodeImage strips an optional data-URL prefix and base64-decodes.
func decodeImage(b64 string) ([]byte, error) {
	if i := strings.Index(b64, ","); i >= 0 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("empty image")
	}
	return raw, nil
}
