package api

import (
	"net/http"
	"time"

	"github.com/eduvision/ev-presence/internal/hub"
	"github.com/eduvision/ev-presence/internal/pipeline"
	"github.com/eduvision/ev-presence/internal/presence"
	"github.com/eduvision/ev-presence/internal/stream"
	"github.com/eduvision/ev-presence/internal/vector"
)

type SystemHandler struct {
	Index      *vector.Store
	Streams    *stream.Manager
	Dispatcher *pipeline.Dispatcher
	Hub        *hub.Hub
	Presence   *presence.Service
	StartedAt  time.Time
	Version    string
}

// GET /health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.Version,
		"uptime":  int64(time.Since(h.StartedAt).Seconds()),
	})
}

// GET /api/v1/system/stats
func (h *SystemHandler) Stats(w http.ResponseWriter, r *http.Request) {
	presenceStats, err := h.Presence.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read presence stats")
		return
	}
	rooms, cameras, global := h.Hub.Counts()
	respondJSON(w, http.StatusOK, map[string]any{
		"index":          h.Index.Stats(),
		"active_streams": h.Streams.ActiveCount(),
		"pending_tasks":  h.Dispatcher.InFlight(),
		"presence":       presenceStats,
		"ws_clients": map[string]int{
			"rooms":   rooms,
			"cameras": cameras,
			"global":  global,
		},
		"uptime": int64(time.Since(h.StartedAt).Seconds()),
	})
}

// POST /api/v1/system/index/save
func (h *SystemHandler) SaveIndex(w http.ResponseWriter, r *http.Request) {
	if err := h.Index.Save(); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to save index")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "saved",
		"index":  h.Index.Stats(),
	})
}

// POST /api/v1/system/index/upgrade
func (h *SystemHandler) UpgradeIndex(w http.ResponseWriter, r *http.Request) {
	if err := h.Index.UpgradeToIVF(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "upgraded",
		"index":  h.Index.Stats(),
	})
}
