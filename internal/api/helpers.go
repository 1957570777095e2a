// Package api is the HTTP and websocket surface: admin CRUD for rooms,
// cameras and students, stream lifecycle, presence reads, the check-in
// endpoint, and the three websocket channels.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// timeNow is swappable in tests that pin the clock.
var timeNow = time.Now

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// pathID reads a numeric path parameter. r.PathValue covers the stdlib mux
// patterns; the chi fallback keeps handlers testable under a chi sub-router.
func pathID(r *http.Request, name string) (int64, bool) {
	v := r.PathValue(name)
	if v == "" {
		v = chi.URLParam(r, name)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
