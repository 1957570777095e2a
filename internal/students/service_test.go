package students_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduvision/ev-presence/internal/data"
	"github.com/eduvision/ev-presence/internal/imagestore"
	"github.com/eduvision/ev-presence/internal/students"
	"github.com/eduvision/ev-presence/internal/vector"
	"github.com/eduvision/ev-presence/internal/vision"
)

func newService(t *testing.T) (*students.Service, sqlmock.Sqlmock, *vector.Store) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	files, err := imagestore.New(t.TempDir())
	require.NoError(t, err)
	index := vector.NewStore(t.TempDir(), 128)

	svc := &students.Service{
		Students: data.StudentModel{DB: db},
		Images:   data.StudentImageModel{DB: db},
		Engine:   vision.NewSyntheticEngine(t.TempDir(), 128),
		Index:    index,
		Files:    files,
	}
	return svc, mock, index
}

func expectStudent(mock sqlmock.Sqlmock, id int64, no, first, last string) {
	mock.ExpectQuery("SELECT id, student_no").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_no", "first_name", "last_name", "group_name", "created_at"}).
			AddRow(id, no, first, last, "", time.Now()))
}

func TestRegisterDuplicateStudentNo(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectQuery("INSERT INTO students").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := svc.Register(context.Background(), "S001", "Ada", "Denizli", "")
	assert.ErrorIs(t, err, students.ErrDuplicateStudentNo)
}

func TestRegisterPersistsNameParts(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectQuery("INSERT INTO students").
		WithArgs("S001", "Ada", "Denizli", "CS-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), time.Now()))

	s, err := svc.Register(context.Background(), "S001", "Ada", "Denizli", "CS-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Denizli", s.FullName())
	assert.Equal(t, "CS-1", s.GroupName)
}

func TestUploadImagesCountBounds(t *testing.T) {
	svc, mock, _ := newService(t)
	expectStudent(mock, 1, "S001", "Ada", "Denizli")

	_, err := svc.UploadImages(context.Background(), 1, make([][]byte, 2))
	assert.ErrorIs(t, err, students.ErrImageCount)
}

func TestUploadImagesPersistsEverything(t *testing.T) {
	svc, mock, index := newService(t)
	expectStudent(mock, 1, "S001", "Ada", "Denizli")

	images := make([][]byte, students.MinImages)
	for i := range images {
		// Distinct labels so each photo carries a distinct embedding.
		images[i] = vision.SyntheticPortrait("S001-"+string(rune('a'+i)), 320)
		mock.ExpectQuery("INSERT INTO student_images").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(i+1), time.Now()))
	}

	reports, err := svc.UploadImages(context.Background(), 1, images)
	require.NoError(t, err)
	require.Len(t, reports, students.MinImages)
	for _, r := range reports {
		assert.True(t, r.Accepted)
		assert.NotEmpty(t, r.Path)
	}
	assert.Equal(t, students.MinImages, index.Stats().TotalVectors)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Unusable photos mean nothing persists: no files, no rows, no vectors.
func TestUploadImagesAllOrNothing(t *testing.T) {
	svc, mock, index := newService(t)
	expectStudent(mock, 1, "S001", "Ada", "Denizli")

	images := make([][]byte, students.MinImages)
	images[0] = vision.SyntheticPortrait("S001-a", 320)
	for i := 1; i < len(images); i++ {
		images[i] = []byte("not a jpeg")
	}

	reports, err := svc.UploadImages(context.Background(), 1, images)
	assert.ErrorIs(t, err, students.ErrTooFewValid)
	require.Len(t, reports, students.MinImages)
	assert.True(t, reports[0].Accepted)
	assert.False(t, reports[1].Accepted)
	assert.Equal(t, vision.ErrBadImage.Error(), reports[1].Reason)
	assert.Zero(t, index.Stats().TotalVectors)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadImagesRejectsOversize(t *testing.T) {
	svc, mock, _ := newService(t)
	expectStudent(mock, 1, "S001", "Ada", "Denizli")

	images := make([][]byte, students.MinImages)
	images[0] = make([]byte, students.MaxImageSize+1)
	for i := 1; i < len(images); i++ {
		images[i] = []byte("junk")
	}

	reports, err := svc.UploadImages(context.Background(), 1, images)
	assert.ErrorIs(t, err, students.ErrTooFewValid)
	assert.Equal(t, students.ErrImageTooLarge.Error(), reports[0].Reason)
}

func TestDeleteUnwindsIndexAndNotifies(t *testing.T) {
	svc, mock, index := newService(t)

	emb, err := svc.Engine.EmbedSingle(context.Background(), vision.SyntheticPortrait("S001", 320))
	require.NoError(t, err)
	require.NoError(t, index.Add(1, emb))

	expectStudent(mock, 1, "S001", "Ada", "Denizli")
	mock.ExpectExec("DELETE FROM students").WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var forgotten int64
	svc.OnDelete = func(id int64) { forgotten = id }

	require.NoError(t, svc.Delete(context.Background(), 1))
	assert.Zero(t, index.Stats().TotalVectors)
	assert.Equal(t, int64(1), forgotten)
}
