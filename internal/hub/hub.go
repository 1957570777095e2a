// Package hub is the websocket fan-out layer. Three subscription namespaces
// exist: per-room presence, per-camera stream, and global presence. Publishing
// is best-effort and lossy toward slow subscribers; a wedged viewer can never
// stall the recognition pipeline.
package hub

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/eduvision/ev-presence/internal/metrics"
)

type clientSet map[*Client]struct{}

// Hub holds every live subscription. All maps are guarded by one mutex;
// critical sections only add/remove/snapshot, never touch the network.
type Hub struct {
	mu      sync.Mutex
	rooms   map[int64]clientSet
	cameras map[int64]clientSet
	global  clientSet

	// reverse membership so Leave doesn't scan every namespace.
	memberRooms   map[*Client]map[int64]struct{}
	memberCameras map[*Client]map[int64]struct{}
}

func New() *Hub {
	return &Hub{
		rooms:         make(map[int64]clientSet),
		cameras:       make(map[int64]clientSet),
		global:        make(clientSet),
		memberRooms:   make(map[*Client]map[int64]struct{}),
		memberCameras: make(map[*Client]map[int64]struct{}),
	}
}

// Adopt wraps an upgraded connection into a hub client and starts its write
// pump. The client belongs to no namespace until a Join call.
func (h *Hub) Adopt(conn *websocket.Conn) *Client {
	c := newClient(h, conn)
	go c.writePump()
	return c
}

func (h *Hub) JoinRoom(roomID int64, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[roomID]
	if !ok {
		set = make(clientSet)
		h.rooms[roomID] = set
	}
	set[c] = struct{}{}
	if h.memberRooms[c] == nil {
		h.memberRooms[c] = make(map[int64]struct{})
	}
	h.memberRooms[c][roomID] = struct{}{}
	metrics.WSClients.WithLabelValues("room").Inc()
}

func (h *Hub) JoinCamera(cameraID int64, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.cameras[cameraID]
	if !ok {
		set = make(clientSet)
		h.cameras[cameraID] = set
	}
	set[c] = struct{}{}
	if h.memberCameras[c] == nil {
		h.memberCameras[c] = make(map[int64]struct{})
	}
	h.memberCameras[c][cameraID] = struct{}{}
	metrics.WSClients.WithLabelValues("camera").Inc()
}

func (h *Hub) JoinGlobal(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.global[c] = struct{}{}
	metrics.WSClients.WithLabelValues("global").Inc()
}

// Leave removes the client from every namespace it joined and stops its
// write pump. Safe to call more than once; the second call finds nothing.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	for roomID := range h.memberRooms[c] {
		if set, ok := h.rooms[roomID]; ok {
			delete(set, c)
			metrics.WSClients.WithLabelValues("room").Dec()
			// Empty keys go away so long-running processes don't accumulate
			// a map entry for every room id ever watched.
			if len(set) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	delete(h.memberRooms, c)

	for cameraID := range h.memberCameras[c] {
		if set, ok := h.cameras[cameraID]; ok {
			delete(set, c)
			metrics.WSClients.WithLabelValues("camera").Dec()
			if len(set) == 0 {
				delete(h.cameras, cameraID)
			}
		}
	}
	delete(h.memberCameras, c)

	if _, ok := h.global[c]; ok {
		delete(h.global, c)
		metrics.WSClients.WithLabelValues("global").Dec()
	}
	h.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
	c.conn.Close()
}

// snapshotRoom copies the subscriber set so publishing happens outside the
// lock.
func (h *Hub) snapshotRoom(roomID int64) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return snapshot(h.rooms[roomID])
}

func (h *Hub) snapshotCamera(cameraID int64) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return snapshot(h.cameras[cameraID])
}

func (h *Hub) snapshotGlobal() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return snapshot(h.global)
}

func snapshot(set clientSet) []*Client {
	if len(set) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// PublishRoomJSON fans a JSON message out to the room's subscribers.
func (h *Hub) PublishRoomJSON(roomID int64, msg any) {
	publishJSON(h.snapshotRoom(roomID), msg)
}

// PublishGlobalJSON fans a JSON message out to the all-rooms subscribers.
func (h *Hub) PublishGlobalJSON(msg any) {
	publishJSON(h.snapshotGlobal(), msg)
}

// PublishCameraJSON fans a JSON message out to the camera's stream viewers.
func (h *Hub) PublishCameraJSON(cameraID int64, msg any) {
	publishJSON(h.snapshotCamera(cameraID), msg)
}

// PublishCameraBinary pushes a JPEG frame to the camera's stream viewers.
func (h *Hub) PublishCameraBinary(cameraID int64, frame []byte) {
	for _, c := range h.snapshotCamera(cameraID) {
		c.trySend(envelope{binary: true, data: frame})
	}
}

// SendJSON delivers one message to one client, used for initial-state
// payloads and pongs.
func (h *Hub) SendJSON(c *Client, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[Hub] marshal: %v", err)
		return
	}
	c.trySend(envelope{data: data})
}

func publishJSON(clients []*Client, msg any) {
	if len(clients) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[Hub] marshal: %v", err)
		return
	}
	for _, c := range clients {
		c.trySend(envelope{data: data})
	}
}

// HasCameraSubscribers reports whether anyone is watching the camera. The
// dispatcher checks this before paying for a JPEG encode.
func (h *Hub) HasCameraSubscribers(cameraID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cameras[cameraID]) > 0
}

// Counts reports subscriber totals per namespace for the stats endpoint.
func (h *Hub) Counts() (rooms, cameras, global int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.rooms {
		rooms += len(set)
	}
	for _, set := range h.cameras {
		cameras += len(set)
	}
	return rooms, cameras, len(h.global)
}
