package api

import (
	"errors"
	"net/http"

	"github.com/eduvision/ev-presence/internal/data"
	"github.com/eduvision/ev-presence/internal/pipeline"
	"github.com/eduvision/ev-presence/internal/presence"
	"github.com/eduvision/ev-presence/internal/track"
)

type PresenceHandler struct {
	Presence *presence.Service
	Guests   *track.Guests
}

// GET /api/v1/presence/all
func (h *PresenceHandler) All(w http.ResponseWriter, r *http.Request) {
	views, err := h.Presence.AllRooms(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read presence")
		return
	}
	now := timeNow()
	counts := h.Guests.Counts(h.Presence.Timeout(), now)
	respondJSON(w, http.StatusOK, pipeline.NewAllMessage(pipeline.TypeInitialAllPresence, views, counts, now))
}

// GET /api/v1/presence/student/{studentID}
func (h *PresenceHandler) StudentLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "studentID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid student id")
		return
	}
	row, err := h.Presence.StudentLocation(r.Context(), id)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "student has no active presence")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read presence")
		return
	}
	respondJSON(w, http.StatusOK, row)
}

// GET /api/v1/presence/stats
func (h *PresenceHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Presence.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read presence stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
