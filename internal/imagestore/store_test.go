package imagestore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreatesDirs(t *testing.T) {
	root := filepath.Join(t.TempDir(), "images")
	s, err := New(root)
	require.NoError(t, err)
	assert.Equal(t, root, s.Root())

	info, err := os.Stat(filepath.Join(root, attendanceDir))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSaveStudentImageReturnsRelativePath(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	rel, err := s.SaveStudentImage("S001", 2, []byte{0xFF, 0xD8})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rel, "S001"+string(filepath.Separator)))
	assert.True(t, strings.HasSuffix(rel, "_2.jpg"))

	data, err := os.ReadFile(filepath.Join(s.Root(), rel))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data)
}

func TestSaveStudentImageDistinctIndexes(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	a, err := s.SaveStudentImage("S001", 0, []byte("a"))
	require.NoError(t, err)
	b, err := s.SaveStudentImage("S001", 1, []byte("b"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDeleteStudentImages(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	rel, err := s.SaveStudentImage("S001", 0, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteStudentImages("S001"))
	_, err = os.Stat(filepath.Join(s.Root(), rel))
	assert.True(t, os.IsNotExist(err))

	// Idempotent on a missing directory.
	assert.NoError(t, s.DeleteStudentImages("S001"))
}

func TestDeleteStudentImagesRejectsEmpty(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, s.DeleteStudentImages(""))
}

func TestSaveAttendanceSnapshot(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	ts := time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)
	rel, err := s.SaveAttendanceSnapshot("S001", ts, []byte("frame"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(attendanceDir, "S001_20260304_093000.jpg"), rel)
	data, err := os.ReadFile(filepath.Join(s.Root(), rel))
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), data)
}
