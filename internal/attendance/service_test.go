package attendance_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduvision/ev-presence/internal/attendance"
	"github.com/eduvision/ev-presence/internal/data"
	"github.com/eduvision/ev-presence/internal/events"
	"github.com/eduvision/ev-presence/internal/imagestore"
	"github.com/eduvision/ev-presence/internal/vector"
	"github.com/eduvision/ev-presence/internal/vision"
)

func newService(t *testing.T) (*attendance.Service, sqlmock.Sqlmock, *vector.Store) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	files, err := imagestore.New(t.TempDir())
	require.NoError(t, err)
	index := vector.NewStore(t.TempDir(), 128)

	svc := &attendance.Service{
		Attendance: data.AttendanceModel{DB: db},
		Students:   data.StudentModel{DB: db},
		Engine:     vision.NewSyntheticEngine(t.TempDir(), 128),
		Index:      index,
		Files:      files,
		Events:     events.NewPublisher(nil),
		Threshold:  func() float64 { return 0.60 },
	}
	return svc, mock, index
}

// enroll puts the portrait's embedding into the index under the given id and
// returns the base64 kiosk payload for the same face.
func enroll(t *testing.T, svc *attendance.Service, index *vector.Store, id int64, label string) string {
	t.Helper()
	portrait := vision.SyntheticPortrait(label, 320)
	emb, err := svc.Engine.EmbedSingle(context.Background(), portrait)
	require.NoError(t, err)
	require.NoError(t, index.Add(id, emb))
	return base64.StdEncoding.EncodeToString(portrait)
}

func TestCheckInInvalidBase64(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.CheckIn(context.Background(), "%%%not-base64%%%")
	assert.ErrorIs(t, err, attendance.ErrInvalidImage)
}

func TestCheckInNotJPEG(t *testing.T) {
	svc, _, _ := newService(t)
	payload := base64.StdEncoding.EncodeToString([]byte("plain text"))
	_, err := svc.CheckIn(context.Background(), payload)
	assert.ErrorIs(t, err, attendance.ErrInvalidImage)
}

func TestCheckInUnknownFace(t *testing.T) {
	svc, _, _ := newService(t)
	payload := base64.StdEncoding.EncodeToString(vision.SyntheticPortrait("stranger", 320))
	_, err := svc.CheckIn(context.Background(), payload)
	assert.ErrorIs(t, err, attendance.ErrStudentNotFound)
}

func TestCheckInSuccess(t *testing.T) {
	svc, mock, index := newService(t)
	payload := enroll(t, svc, index, 1, "S001")

	mock.ExpectQuery("SELECT id, student_no").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_no", "first_name", "last_name", "group_name", "created_at"}).
			AddRow(int64(1), "S001", "Ada", "Denizli", "", time.Now()))
	// No prior record today.
	mock.ExpectQuery("FROM attendance").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("INSERT INTO attendance").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))

	res, err := svc.CheckIn(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusSuccess, res.Status)
	assert.Equal(t, int64(10), res.AttendanceID)
	assert.Equal(t, "S001", res.Student.StudentNo)
	assert.GreaterOrEqual(t, res.Confidence, 0.60)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// The data-URL prefix webcams produce is stripped before decoding.
func TestCheckInDataURLPrefix(t *testing.T) {
	svc, mock, index := newService(t)
	payload := "data:image/jpeg;base64," + enroll(t, svc, index, 1, "S001")

	mock.ExpectQuery("SELECT id, student_no").
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_no", "first_name", "last_name", "group_name", "created_at"}).
			AddRow(int64(1), "S001", "Ada", "Denizli", "", time.Now()))
	mock.ExpectQuery("FROM attendance").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("INSERT INTO attendance").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	res, err := svc.CheckIn(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusSuccess, res.Status)
}

func TestCheckInAlreadyAttended(t *testing.T) {
	svc, mock, index := newService(t)
	payload := enroll(t, svc, index, 1, "S001")

	earlier := time.Now().Add(-2 * time.Hour)
	mock.ExpectQuery("SELECT id, student_no").
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_no", "first_name", "last_name", "group_name", "created_at"}).
			AddRow(int64(1), "S001", "Ada", "Denizli", "", time.Now()))
	mock.ExpectQuery("FROM attendance").
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_id", "attendance_date", "checkin_time", "confidence", "snapshot_path"}).
			AddRow(int64(10), int64(1), earlier, earlier, 0.9, ""))

	res, err := svc.CheckIn(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusAlreadyAttended, res.Status)
	assert.Equal(t, int64(10), res.AttendanceID)
	assert.WithinDuration(t, earlier, res.CheckinTime, time.Second)
}

func TestStatsRateRounding(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectQuery("SELECT count.* FROM attendance WHERE attendance_date =").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT count.* FROM attendance WHERE attendance_date >=").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectQuery("SELECT count.* FROM attendance WHERE attendance_date >=").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(9))
	mock.ExpectQuery("SELECT count.* FROM students").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Today)
	assert.Equal(t, 4, stats.ThisWeek)
	assert.Equal(t, 9, stats.ThisMonth)
	assert.Equal(t, 3, stats.TotalStudents)
	assert.Equal(t, 33.33, stats.AttendanceRate)
}

func TestStatsZeroStudents(t *testing.T) {
	svc, mock, _ := newService(t)

	for i := 0; i < 3; i++ {
		mock.ExpectQuery("SELECT count.* FROM attendance").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	}
	mock.ExpectQuery("SELECT count.* FROM students").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.AttendanceRate)
}
