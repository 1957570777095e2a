package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/eduvision/ev-presence/internal/data"
	"github.com/eduvision/ev-presence/internal/hub"
	"github.com/eduvision/ev-presence/internal/pipeline"
	"github.com/eduvision/ev-presence/internal/presence"
	"github.com/eduvision/ev-presence/internal/rooms"
	"github.com/eduvision/ev-presence/internal/track"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browsers cannot set Authorization headers on websockets, so auth rides
	// the query string and origins are left to the CORS layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type WSHandler struct {
	Hub      *hub.Hub
	Rooms    *rooms.Service
	Presence *presence.Service
	Guests   *track.Guests
}

// clientCommand is the only inbound shape any channel accepts.
type clientCommand struct {
	Type string `json:"type"`
}

// GET /ws/rooms/{roomID}/presence
func (h *WSHandler) RoomPresence(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(r, "roomID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	if _, err := h.Rooms.GetRoom(r.Context(), roomID); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "room not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load room")
		return
	}

	view, err := h.Presence.RoomView(r.Context(), roomID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load presence")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] room %d upgrade failed: %v", roomID, err)
		return
	}

	c := h.Hub.Adopt(conn)
	h.Hub.JoinRoom(roomID, c)

	now := timeNow()
	guests := h.Guests.ActiveCount(roomID, h.Presence.Timeout(), now)
	h.Hub.SendJSON(c, pipeline.NewRoomMessage(pipeline.TypeInitialPresence, view, guests, nil, now))

	h.readLoop(c, conn, func(cmd clientCommand) {
		if cmd.Type == "ping" {
			h.Hub.SendJSON(c, map[string]string{"type": pipeline.TypePong})
		}
	})
}

// GET /ws/rooms/all/presence
func (h *WSHandler) AllPresence(w http.ResponseWriter, r *http.Request) {
	msg, err := h.allMessage(r, pipeline.TypeInitialAllPresence)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load presence")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] global upgrade failed: %v", err)
		return
	}

	c := h.Hub.Adopt(conn)
	h.Hub.JoinGlobal(c)
	h.Hub.SendJSON(c, msg)

	h.readLoop(c, conn, func(cmd clientCommand) {
		switch cmd.Type {
		case "ping":
			h.Hub.SendJSON(c, map[string]string{"type": pipeline.TypePong})
		case "refresh":
			refreshed, err := h.allMessage(r, pipeline.TypeAllPresenceRefresh)
			if err != nil {
				log.Printf("[WS] refresh failed: %v", err)
				return
			}
			h.Hub.SendJSON(c, refreshed)
		}
	})
}

// GET /ws/cameras/{cameraID}/stream
func (h *WSHandler) CameraStream(w http.ResponseWriter, r *http.Request) {
	cameraID, ok := pathID(r, "cameraID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}
	status, err := h.Rooms.CameraStatus(r.Context(), cameraID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "camera not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load camera")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] camera %d upgrade failed: %v", cameraID, err)
		return
	}

	c := h.Hub.Adopt(conn)
	h.Hub.JoinCamera(cameraID, c)
	h.Hub.SendJSON(c, pipeline.NewStatusMessage(*status, timeNow()))

	h.readLoop(c, conn, func(cmd clientCommand) {
		if cmd.Type == "ping" {
			h.Hub.SendJSON(c, map[string]string{"type": pipeline.TypePong})
		}
	})
}

func (h *WSHandler) allMessage(r *http.Request, msgType string) (pipeline.AllPresenceMessage, error) {
	views, err := h.Presence.AllRooms(r.Context())
	if err != nil {
		return pipeline.AllPresenceMessage{}, err
	}
	now := timeNow()
	counts := h.Guests.Counts(h.Presence.Timeout(), now)
	return pipeline.NewAllMessage(msgType, views, counts, now), nil
}

// readLoop pumps inbound frames until the peer goes away, then unregisters
// the client everywhere. Unparseable frames are ignored.
func (h *WSHandler) readLoop(c *hub.Client, conn *websocket.Conn, handle func(clientCommand)) {
	defer h.Hub.Leave(c)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			// Bare "ping" text from minimal clients.
			if string(raw) == "ping" {
				cmd.Type = "ping"
			} else {
				continue
			}
		}
		handle(cmd)
	}
}
