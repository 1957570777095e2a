package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/eduvision/ev-presence/internal/data"
	"github.com/eduvision/ev-presence/internal/students"
)

// maxUploadBody bounds the whole multipart request: MaxImages files at
// MaxImageSize each, plus form overhead.
const maxUploadBody = int64(students.MaxImages)*students.MaxImageSize + 1<<20

type StudentHandler struct {
	Students *students.Service
}

// POST /api/v1/students/register
func (h *StudentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StudentNo string `json:"student_no"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		GroupName string `json:"group_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StudentNo == "" || req.FirstName == "" || req.LastName == "" {
		respondError(w, http.StatusBadRequest, "student_no, first_name and last_name are required")
		return
	}

	student, err := h.Students.Register(r.Context(), req.StudentNo, req.FirstName, req.LastName, req.GroupName)
	if errors.Is(err, students.ErrDuplicateStudentNo) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to register student")
		return
	}
	respondJSON(w, http.StatusCreated, student)
}

// GET /api/v1/students
func (h *StudentHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.Students.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list students")
		return
	}
	if list == nil {
		list = []*data.Student{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"students": list})
}

// GET /api/v1/students/{studentID}
func (h *StudentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "studentID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid student id")
		return
	}
	student, err := h.Students.Get(r.Context(), id)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "student not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get student")
		return
	}
	respondJSON(w, http.StatusOK, student)
}

// DELETE /api/v1/students/{studentID}
func (h *StudentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "studentID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid student id")
		return
	}
	err := h.Students.Delete(r.Context(), id)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "student not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete student")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /api/v1/students/{studentID}/upload-images (multipart, field "images")
func (h *StudentHandler) UploadImages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "studentID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid student id")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(maxUploadBody); err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	files := r.MultipartForm.File["images"]
	if len(files) < students.MinImages || len(files) > students.MaxImages {
		respondError(w, http.StatusBadRequest, students.ErrImageCount.Error())
		return
	}

	images := make([][]byte, 0, len(files))
	for _, fh := range files {
		if fh.Size > students.MaxImageSize {
			respondError(w, http.StatusRequestEntityTooLarge, students.ErrImageTooLarge.Error())
			return
		}
		f, err := fh.Open()
		if err != nil {
			respondError(w, http.StatusBadRequest, "unreadable upload")
			return
		}
		raw, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			respondError(w, http.StatusBadRequest, "unreadable upload")
			return
		}
		images = append(images, raw)
	}

	reports, err := h.Students.UploadImages(r.Context(), id, images)
	switch {
	case errors.Is(err, data.ErrRecordNotFound):
		respondError(w, http.StatusNotFound, "student not found")
	case errors.Is(err, students.ErrImageCount), errors.Is(err, students.ErrTooFewValid):
		respondJSON(w, http.StatusBadRequest, map[string]any{
			"error":  err.Error(),
			"images": reports,
		})
	case err != nil:
		respondError(w, http.StatusInternalServerError, "failed to enroll images")
	default:
		respondJSON(w, http.StatusOK, map[string]any{"images": reports})
	}
}
