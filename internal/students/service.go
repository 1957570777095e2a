// Package students handles enrollment: registering a student, attaching
// validated face images whose embeddings feed the vector index, and the
// delete path that unwinds all of it.
package students

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/eduvision/ev-presence/internal/data"
	"github.com/eduvision/ev-presence/internal/imagestore"
	"github.com/eduvision/ev-presence/internal/vector"
	"github.com/eduvision/ev-presence/internal/vision"
)

// Enrollment bounds. Fewer than MinImages valid photos and recognition
// quality suffers; more than MaxImages buys nothing.
const (
	MinImages    = 5
	MaxImages    = 10
	MaxImageSize = 5 << 20 // bytes, per file
)

var (
	ErrDuplicateStudentNo = errors.New("duplicate_student_no")
	ErrImageCount         = fmt.Errorf("between %d and %d images required", MinImages, MaxImages)
	ErrImageTooLarge      = fmt.Errorf("image exceeds %d MB", MaxImageSize>>20)
	ErrTooFewValid        = fmt.Errorf("at least %d images must pass quality validation", MinImages)
)

// ImageReport is the per-file outcome of an upload, returned so the operator
// can see which photos were rejected and why.
type ImageReport struct {
	Index    int    `json:"index"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Path     string `json:"path,omitempty"`
}

type Service struct {
	Students data.StudentModel
	Images   data.StudentImageModel
	Engine   vision.Engine
	Index    *vector.Store
	Files    *imagestore.Store

	// OnDelete lets the wiring invalidate caches (the dispatcher's student
	// cache) when a student goes away. Optional.
	OnDelete func(studentID int64)
}

func (s *Service) Register(ctx context.Context, studentNo, firstName, lastName, group string) (*data.Student, error) {
	student := &data.Student{StudentNo: studentNo, FirstName: firstName, LastName: lastName, GroupName: group}
	err := s.Students.Insert(ctx, student)
	if errors.Is(err, data.ErrDuplicateRow) {
		return nil, ErrDuplicateStudentNo
	}
	if err != nil {
		return nil, err
	}
	return student, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*data.Student, error) {
	return s.Students.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*data.Student, error) {
	return s.Students.List(ctx)
}

// UploadImages enrolls a batch of face photos. All-or-nothing: every image is
// validated and embedded first, and unless at least MinImages pass, nothing
// is persisted anywhere. On success the files land on disk, the embeddings in
// the database and the vector index.
func (s *Service) UploadImages(ctx context.Context, studentID int64, images [][]byte) ([]ImageReport, error) {
	student, err := s.Students.GetByID(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if len(images) < MinImages || len(images) > MaxImages {
		return nil, ErrImageCount
	}

	reports := make([]ImageReport, len(images))
	type accepted struct {
		idx       int
		embedding []float32
	}
	var valid []accepted

	for i, img := range images {
		reports[i].Index = i
		if len(img) > MaxImageSize {
			reports[i].Reason = ErrImageTooLarge.Error()
			continue
		}
		if err := s.Engine.ValidateQuality(ctx, img); err != nil {
			reports[i].Reason = err.Error()
			continue
		}
		emb, err := s.Engine.EmbedSingle(ctx, img)
		if err != nil {
			reports[i].Reason = err.Error()
			continue
		}
		reports[i].Accepted = true
		valid = append(valid, accepted{idx: i, embedding: emb})
	}

	if len(valid) < MinImages {
		return reports, ErrTooFewValid
	}

	ids := make([]int64, 0, len(valid))
	vecs := make([][]float32, 0, len(valid))
	for _, v := range valid {
		path, err := s.Files.SaveStudentImage(student.StudentNo, v.idx, images[v.idx])
		if err != nil {
			return reports, fmt.Errorf("store image: %w", err)
		}
		reports[v.idx].Path = path

		embedding64 := make([]float64, len(v.embedding))
		for j, x := range v.embedding {
			embedding64[j] = float64(x)
		}
		row := &data.StudentImage{StudentID: student.ID, Path: path, Embedding: embedding64}
		if err := s.Images.Insert(ctx, row); err != nil {
			return reports, fmt.Errorf("store embedding: %w", err)
		}

		ids = append(ids, student.ID)
		vecs = append(vecs, v.embedding)
	}

	if err := s.Index.AddBatch(ids, vecs); err != nil {
		return reports, fmt.Errorf("index embeddings: %w", err)
	}
	log.Printf("[Students] enrolled %d vectors for student %d (%s)", len(vecs), student.ID, student.StudentNo)
	return reports, nil
}

// Delete removes the student everywhere: vector index first so the pipeline
// stops matching immediately, then files, then the database row (images,
// presence and attendance cascade).
func (s *Service) Delete(ctx context.Context, studentID int64) error {
	student, err := s.Students.GetByID(ctx, studentID)
	if err != nil {
		return err
	}

	removed, err := s.Index.RemoveStudent(studentID)
	if err != nil {
		// The index save failed but the in-memory rebuild happened; keep
		// going, the student must still disappear from the database.
		log.Printf("[Students] index removal for %d: %v", studentID, err)
	}
	log.Printf("[Students] removed %d vectors for student %d", removed, studentID)

	if err := s.Files.DeleteStudentImages(student.StudentNo); err != nil {
		log.Printf("[Students] delete images for %s: %v", student.StudentNo, err)
	}

	if err := s.Students.Delete(ctx, studentID); err != nil {
		return err
	}
	if s.OnDelete != nil {
		s.OnDelete(studentID)
	}
	return nil
}
