package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/eduvision/ev-presence/internal/data"
	"github.com/eduvision/ev-presence/internal/presence"
	"github.com/eduvision/ev-presence/internal/rooms"
	"github.com/eduvision/ev-presence/internal/stream"
	"github.com/eduvision/ev-presence/internal/track"
)

type RoomHandler struct {
	Rooms    *rooms.Service
	Presence *presence.Service
	Guests   *track.Guests
}

// POST /api/v1/rooms
func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	room, err := h.Rooms.CreateRoom(r.Context(), req.Name)
	if errors.Is(err, rooms.ErrDuplicateRoomName) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create room")
		return
	}
	respondJSON(w, http.StatusCreated, room)
}

// GET /api/v1/rooms
func (h *RoomHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.Rooms.ListRooms(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rooms": list})
}

// GET /api/v1/rooms/{roomID}
func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "roomID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	room, err := h.Rooms.GetRoom(r.Context(), id)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get room")
		return
	}
	respondJSON(w, http.StatusOK, room)
}

// DELETE /api/v1/rooms/{roomID}
func (h *RoomHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "roomID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	err := h.Rooms.DeleteRoom(r.Context(), id)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete room")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /api/v1/rooms/{roomID}/cameras
func (h *RoomHandler) AddCamera(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(r, "roomID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	var req struct {
		Name    string `json:"name"`
		RTSPURL string `json:"rtsp_url"`
		Enabled *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.RTSPURL == "" {
		respondError(w, http.StatusBadRequest, "name and rtsp_url are required")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	cam, err := h.Rooms.AddCamera(r.Context(), roomID, req.Name, req.RTSPURL, enabled)
	switch {
	case errors.Is(err, data.ErrRecordNotFound):
		respondError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, stream.ErrBadStreamURL):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rooms.ErrCameraLimit):
		respondError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, "failed to add camera")
	default:
		respondJSON(w, http.StatusCreated, cam)
	}
}

// GET /api/v1/rooms/{roomID}/cameras
func (h *RoomHandler) ListCameras(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(r, "roomID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	cams, err := h.Rooms.ListCameras(r.Context(), roomID)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list cameras")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"cameras": cams})
}

// POST /api/v1/rooms/{roomID}/cameras/start-all
func (h *RoomHandler) StartAll(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(r, "roomID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	report, err := h.Rooms.StartRoomCameras(r.Context(), roomID)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to start cameras")
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// POST /api/v1/rooms/{roomID}/cameras/stop-all
func (h *RoomHandler) StopAll(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(r, "roomID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	stopped, err := h.Rooms.StopRoomCameras(r.Context(), roomID)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to stop cameras")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"stopped": stopped})
}

// GET /api/v1/rooms/{roomID}/presence?include_stale=true
func (h *RoomHandler) RoomPresence(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(r, "roomID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	room, err := h.Rooms.GetRoom(r.Context(), roomID)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read presence")
		return
	}

	includeStale := r.URL.Query().Get("include_stale") == "true"
	occupants, err := h.Presence.RoomOccupants(r.Context(), roomID, includeStale)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read presence")
		return
	}
	guestCount := h.Guests.ActiveCount(roomID, h.Presence.Timeout(), timeNow())

	respondJSON(w, http.StatusOK, map[string]any{
		"room_id":      room.ID,
		"room_name":    room.Name,
		"occupants":    occupants,
		"total_count":  len(occupants),
		"guest_count":  guestCount,
		"total_people": len(occupants) + guestCount,
	})
}

// DELETE /api/v1/rooms/{roomID}/presence
func (h *RoomHandler) ClearPresence(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(r, "roomID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	if _, err := h.Rooms.GetRoom(r.Context(), roomID); errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "room not found")
		return
	}
	removed, err := h.Presence.ClearRoom(r.Context(), roomID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to clear presence")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}
