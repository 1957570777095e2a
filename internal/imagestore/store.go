// Package imagestore owns the on-disk image tree: enrollment photos under
// images/<student_no>/ and check-in snapshots under images/attendance/. Paths
// stored in the database are always relative to the root so the tree can move.
package imagestore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const attendanceDir = "attendance"

type Store struct {
	root string
}

// New ensures the root and the attendance subdirectory exist.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, attendanceDir), 0o755); err != nil {
		return nil, fmt.Errorf("create image dirs: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

// SaveStudentImage writes one enrollment photo and returns its relative path.
// The index keeps multiple uploads in one request from colliding.
func (s *Store) SaveStudentImage(studentNo string, idx int, jpegData []byte) (string, error) {
	dir := filepath.Join(s.root, studentNo)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create student dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%d.jpg", studentNo, time.Now().Format("20060102_150405"), idx)
	if err := os.WriteFile(filepath.Join(dir, name), jpegData, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return filepath.Join(studentNo, name), nil
}

// DeleteStudentImages removes the student's whole directory. Missing is fine;
// the delete path must be idempotent.
func (s *Store) DeleteStudentImages(studentNo string) error {
	if studentNo == "" {
		return fmt.Errorf("empty student number")
	}
	return os.RemoveAll(filepath.Join(s.root, studentNo))
}

// SaveAttendanceSnapshot writes the check-in frame and returns its relative
// path, named <student_no>_<yyyymmdd_hhmmss>.jpg.
func (s *Store) SaveAttendanceSnapshot(studentNo string, t time.Time, jpegData []byte) (string, error) {
	name := fmt.Sprintf("%s_%s.jpg", studentNo, t.Format("20060102_150405"))
	rel := filepath.Join(attendanceDir, name)
	if err := os.WriteFile(filepath.Join(s.root, rel), jpegData, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return rel, nil
}
