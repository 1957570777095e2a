package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eduvision/ev-presence/internal/middleware"
)

// Handlers bundles every handler group the router mounts.
type Handlers struct {
	Rooms      *RoomHandler
	Cameras    *CameraHandler
	Students   *StudentHandler
	Attendance *AttendanceHandler
	Presence   *PresenceHandler
	System     *SystemHandler
	WS         *WSHandler
	Auth       *middleware.Auth

	CORSOrigins []string
}

// NewRouter builds the full route table. Mutating routes go through the
// operator guard; reads and websockets are open (the guard is a no-op when
// auth is disabled in config).
func NewRouter(h Handlers) http.Handler {
	mux := http.NewServeMux()

	guard := func(fn http.HandlerFunc) http.Handler {
		return h.Auth.RequireOperator(fn)
	}

	// Rooms.
	mux.Handle("POST /api/v1/rooms", guard(h.Rooms.Create))
	mux.HandleFunc("GET /api/v1/rooms", h.Rooms.List)
	mux.HandleFunc("GET /api/v1/rooms/{roomID}", h.Rooms.Get)
	mux.Handle("DELETE /api/v1/rooms/{roomID}", guard(h.Rooms.Delete))
	mux.Handle("POST /api/v1/rooms/{roomID}/cameras", guard(h.Rooms.AddCamera))
	mux.HandleFunc("GET /api/v1/rooms/{roomID}/cameras", h.Rooms.ListCameras)
	mux.Handle("POST /api/v1/rooms/{roomID}/cameras/start-all", guard(h.Rooms.StartAll))
	mux.Handle("POST /api/v1/rooms/{roomID}/cameras/stop-all", guard(h.Rooms.StopAll))
	mux.HandleFunc("GET /api/v1/rooms/{roomID}/presence", h.Rooms.RoomPresence)
	mux.Handle("DELETE /api/v1/rooms/{roomID}/presence", guard(h.Rooms.ClearPresence))

	// Cameras.
	mux.Handle("DELETE /api/v1/cameras/{cameraID}", guard(h.Cameras.Delete))
	mux.Handle("POST /api/v1/cameras/{cameraID}/start", guard(h.Cameras.Start))
	mux.Handle("POST /api/v1/cameras/{cameraID}/stop", guard(h.Cameras.Stop))
	mux.HandleFunc("GET /api/v1/cameras/{cameraID}/status", h.Cameras.Status)
	mux.HandleFunc("GET /api/v1/cameras/{cameraID}/snapshot", h.Cameras.Snapshot)
	mux.HandleFunc("GET /api/v1/cameras/{cameraID}/detections/latest", h.Cameras.LatestDetection)
	mux.HandleFunc("GET /api/v1/cameras/statuses", h.Cameras.AllStatuses)

	// Students.
	mux.Handle("POST /api/v1/students/register", guard(h.Students.Register))
	mux.HandleFunc("GET /api/v1/students", h.Students.List)
	mux.HandleFunc("GET /api/v1/students/{studentID}", h.Students.Get)
	mux.Handle("DELETE /api/v1/students/{studentID}", guard(h.Students.Delete))
	mux.Handle("POST /api/v1/students/{studentID}/upload-images", guard(h.Students.UploadImages))

	// Attendance. Check-in is the kiosk path and stays open; the rate
	// limiter is its throttle.
	mux.HandleFunc("POST /api/v1/attendance/check-in", h.Attendance.CheckIn)
	mux.HandleFunc("GET /api/v1/attendance/today", h.Attendance.Today)
	mux.HandleFunc("GET /api/v1/attendance/student/{studentID}", h.Attendance.StudentHistory)
	mux.HandleFunc("GET /api/v1/attendance/statistics", h.Attendance.Statistics)

	// Presence.
	mux.HandleFunc("GET /api/v1/presence/all", h.Presence.All)
	mux.HandleFunc("GET /api/v1/presence/student/{studentID}", h.Presence.StudentLocation)
	mux.HandleFunc("GET /api/v1/presence/stats", h.Presence.Stats)

	// System.
	mux.HandleFunc("GET /api/v1/system/stats", h.System.Stats)
	mux.Handle("POST /api/v1/system/index/save", guard(h.System.SaveIndex))
	mux.Handle("POST /api/v1/system/index/upgrade", guard(h.System.UpgradeIndex))
	mux.HandleFunc("GET /health", h.System.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Websockets. The literal "all" segment must be registered before the
	// {roomID} wildcard would otherwise swallow it; the stdlib mux prefers
	// the more specific pattern so both can coexist.
	mux.HandleFunc("GET /ws/rooms/all/presence", h.WS.AllPresence)
	mux.HandleFunc("GET /ws/rooms/{roomID}/presence", h.WS.RoomPresence)
	mux.HandleFunc("GET /ws/cameras/{cameraID}/stream", h.WS.CameraStream)

	var handler http.Handler = mux
	handler = middleware.Metrics(handler)
	handler = middleware.CORS(h.CORSOrigins)(handler)
	handler = middleware.RequestLogger(handler)
	return handler
}
