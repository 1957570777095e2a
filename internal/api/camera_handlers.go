package api

import (
	"errors"
	"net/http"

	"github.com/eduvision/ev-presence/internal/data"
	"github.com/eduvision/ev-presence/internal/live"
	"github.com/eduvision/ev-presence/internal/rooms"
	"github.com/eduvision/ev-presence/internal/stream"
)

type CameraHandler struct {
	Rooms   *rooms.Service
	Streams *stream.Manager
	Live    *live.Service
}

// DELETE /api/v1/cameras/{cameraID}
func (h *CameraHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "cameraID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}
	err := h.Rooms.DeleteCamera(r.Context(), id)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "camera not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete camera")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /api/v1/cameras/{cameraID}/start
func (h *CameraHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "cameraID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}
	err := h.Rooms.StartCamera(r.Context(), id)
	switch {
	case errors.Is(err, data.ErrRecordNotFound):
		respondError(w, http.StatusNotFound, "camera not found")
	case errors.Is(err, stream.ErrTooManyStreams):
		respondError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, "failed to start stream")
	default:
		respondJSON(w, http.StatusOK, map[string]string{"status": "started"})
	}
}

// POST /api/v1/cameras/{cameraID}/stop
func (h *CameraHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "cameraID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}
	err := h.Rooms.StopCamera(r.Context(), id)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "camera not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to stop stream")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// GET /api/v1/cameras/{cameraID}/status
func (h *CameraHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "cameraID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}
	status, err := h.Rooms.CameraStatus(r.Context(), id)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "camera not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// GET /api/v1/cameras/statuses
func (h *CameraHandler) AllStatuses(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"streams": h.Streams.Statuses(),
		"active":  h.Streams.ActiveCount(),
	})
}

// GET /api/v1/cameras/{cameraID}/snapshot
func (h *CameraHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "cameraID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}
	frame := h.Streams.LatestFrame(id)
	if frame == nil {
		respondError(w, http.StatusNotFound, "no frame available")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	w.Write(frame.Data)
}

// GET /api/v1/cameras/{cameraID}/detections/latest
func (h *CameraHandler) LatestDetection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "cameraID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}
	cached, err := h.Live.LatestDetection(r.Context(), id)
	if errors.Is(err, live.ErrNoDetection) {
		respondError(w, http.StatusNotFound, "no recent detection")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read detection cache")
		return
	}
	respondJSON(w, http.StatusOK, cached)
}
