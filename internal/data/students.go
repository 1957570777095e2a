package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// Student is an enrolled person. StudentNo is the school-issued identifier
// and is unique; ID is the internal key everything else references.
type Student struct {
	ID        int64     `json:"id"`
	StudentNo string    `json:"student_no"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	GroupName string    `json:"group_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FullName is the display form used by recognition overlays and presence
// views.
func (s *Student) FullName() string {
	return s.FirstName + " " + s.LastName
}

// StudentImage is one enrollment photo plus the embedding extracted from it.
// The embedding column is FLOAT8[]; it mirrors what sits in the vector index
// so the index can be rebuilt from the DB after a cold start or corruption.
type StudentImage struct {
	ID        int64     `json:"id"`
	StudentID int64     `json:"student_id"`
	Path      string    `json:"path"`
	Embedding []float64 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

type StudentModel struct {
	DB DBTX
}

func (m StudentModel) Insert(ctx context.Context, s *Student) error {
	query := `
		INSERT INTO students (student_no, first_name, last_name, group_name)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err := m.DB.QueryRowContext(ctx, query, s.StudentNo, s.FirstName, s.LastName, nullString(s.GroupName)).
		Scan(&s.ID, &s.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateRow
	}
	return err
}

func (m StudentModel) GetByID(ctx context.Context, id int64) (*Student, error) {
	query := `
		SELECT id, student_no, first_name, last_name, COALESCE(group_name, ''), created_at
		FROM students
		WHERE id = $1`

	var s Student
	err := m.DB.QueryRowContext(ctx, query, id).
		Scan(&s.ID, &s.StudentNo, &s.FirstName, &s.LastName, &s.GroupName, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (m StudentModel) GetByStudentNo(ctx context.Context, studentNo string) (*Student, error) {
	query := `
		SELECT id, student_no, first_name, last_name, COALESCE(group_name, ''), created_at
		FROM students
		WHERE student_no = $1`

	var s Student
	err := m.DB.QueryRowContext(ctx, query, studentNo).
		Scan(&s.ID, &s.StudentNo, &s.FirstName, &s.LastName, &s.GroupName, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (m StudentModel) List(ctx context.Context) ([]*Student, error) {
	query := `
		SELECT id, student_no, first_name, last_name, COALESCE(group_name, ''), created_at
		FROM students
		ORDER BY student_no`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []*Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.StudentNo, &s.FirstName, &s.LastName, &s.GroupName, &s.CreatedAt); err != nil {
			return nil, err
		}
		students = append(students, &s)
	}
	return students, rows.Err()
}

// Delete removes the student row. student_images, room_presence and
// attendance rows go with it via ON DELETE CASCADE.
func (m StudentModel) Delete(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m StudentModel) Count(ctx context.Context) (int, error) {
	var count int
	err := m.DB.QueryRowContext(ctx, `SELECT count(*) FROM students`).Scan(&count)
	return count, err
}

type StudentImageModel struct {
	DB DBTX
}

func (m StudentImageModel) Insert(ctx context.Context, img *StudentImage) error {
	query := `
		INSERT INTO student_images (student_id, path, embedding)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	return m.DB.QueryRowContext(ctx, query, img.StudentID, img.Path, pq.Array(img.Embedding)).
		Scan(&img.ID, &img.CreatedAt)
}

func (m StudentImageModel) ListByStudent(ctx context.Context, studentID int64) ([]*StudentImage, error) {
	query := `
		SELECT id, student_id, path, embedding, created_at
		FROM student_images
		WHERE student_id = $1
		ORDER BY id`

	rows, err := m.DB.QueryContext(ctx, query, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []*StudentImage
	for rows.Next() {
		var img StudentImage
		if err := rows.Scan(&img.ID, &img.StudentID, &img.Path, pq.Array(&img.Embedding), &img.CreatedAt); err != nil {
			return nil, err
		}
		images = append(images, &img)
	}
	return images, rows.Err()
}

func (m StudentImageModel) DeleteByStudent(ctx context.Context, studentID int64) error {
	_, err := m.DB.ExecContext(ctx, `DELETE FROM student_images WHERE student_id = $1`, studentID)
	return err
}

// AllEmbeddings streams every (student_id, embedding) pair. Used at startup
// to warm the vector index when its files are missing or unreadable.
func (m StudentImageModel) AllEmbeddings(ctx context.Context) ([]int64, [][]float64, error) {
	query := `
		SELECT student_id, embedding
		FROM student_images
		ORDER BY student_id, id`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var ids []int64
	var embeddings [][]float64
	for rows.Next() {
		var id int64
		var emb []float64
		if err := rows.Scan(&id, pq.Array(&emb)); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		embeddings = append(embeddings, emb)
	}
	return ids, embeddings, rows.Err()
}
