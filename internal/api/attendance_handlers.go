package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/eduvision/ev-presence/internal/attendance"
	"github.com/eduvision/ev-presence/internal/data"
	"github.com/eduvision/ev-presence/internal/ratelimit"
)

type AttendanceHandler struct {
	Attendance *attendance.Service

	// Limiter throttles check-in per caller IP. Nil disables limiting.
	Limiter     *ratelimit.Limiter
	LimitConfig ratelimit.LimitConfig
}

// POST /api/v1/attendance/check-in
func (h *AttendanceHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	if h.Limiter != nil {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		decision, err := h.Limiter.Check(r.Context(), h.Limiter.HashIP(ip), h.LimitConfig)
		if err != nil {
			// Redis being down must not take the kiosk with it.
			log.Printf("[API] check-in rate limit unavailable: %v", err)
		} else if !decision.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", decision.RetryAfter))
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Image == "" {
		respondError(w, http.StatusBadRequest, "image is required")
		return
	}

	result, err := h.Attendance.CheckIn(r.Context(), req.Image)
	switch {
	case errors.Is(err, attendance.ErrInvalidImage):
		respondError(w, http.StatusBadRequest, attendance.ErrInvalidImage.Error())
	case errors.Is(err, attendance.ErrNoFace):
		respondError(w, http.StatusBadRequest, attendance.ErrNoFace.Error())
	case errors.Is(err, attendance.ErrStudentNotFound):
		respondError(w, http.StatusNotFound, attendance.ErrStudentNotFound.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, "server_error")
	default:
		respondJSON(w, http.StatusOK, result)
	}
}

// GET /api/v1/attendance/today
func (h *AttendanceHandler) Today(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Attendance.Today(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list attendance")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"date":    time.Now().UTC().Format("2006-01-02"),
		"records": recs,
		"count":   len(recs),
	})
}

// GET /api/v1/attendance/student/{studentID}?date_from=YYYY-MM-DD&date_to=YYYY-MM-DD
func (h *AttendanceHandler) StudentHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "studentID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid student id")
		return
	}

	var from, to time.Time
	if v := r.URL.Query().Get("date_from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "date_from must be YYYY-MM-DD")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("date_to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "date_to must be YYYY-MM-DD")
			return
		}
		to = t
	}

	recs, err := h.Attendance.StudentHistory(r.Context(), id, from, to)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "student not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list attendance")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": recs, "count": len(recs)})
}

// GET /api/v1/attendance/statistics
func (h *AttendanceHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Attendance.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute statistics")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
