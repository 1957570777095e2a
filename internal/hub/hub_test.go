package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// dialPair upgrades one websocket, adopts the server side into the hub, and
// returns the client-side connection.
func dialPair(t *testing.T, h *Hub) (*Client, *websocket.Conn) {
	t.Helper()
	adopted := make(chan *Client, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		adopted <- h.Adopt(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	select {
	case c := <-adopted:
		return c, conn
	case <-time.After(time.Second):
		t.Fatal("server never adopted the connection")
		return nil, nil
	}
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestRoomFanout(t *testing.T) {
	h := New()
	c1, conn1 := dialPair(t, h)
	c2, conn2 := dialPair(t, h)
	c3, conn3 := dialPair(t, h)

	h.JoinRoom(1, c1)
	h.JoinRoom(1, c2)
	h.JoinRoom(2, c3)

	h.PublishRoomJSON(1, map[string]string{"type": "presence_update"})

	assert.Equal(t, "presence_update", readJSON(t, conn1)["type"])
	assert.Equal(t, "presence_update", readJSON(t, conn2)["type"])

	// Room 2 must stay quiet.
	conn3.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := conn3.ReadMessage()
	assert.Error(t, err)
}

func TestGlobalFanout(t *testing.T) {
	h := New()
	c1, conn1 := dialPair(t, h)

	h.JoinGlobal(c1)
	h.PublishGlobalJSON(map[string]string{"type": "all_presence_refresh"})

	assert.Equal(t, "all_presence_refresh", readJSON(t, conn1)["type"])
}

func TestCameraBinaryFrames(t *testing.T) {
	h := New()
	c1, conn1 := dialPair(t, h)

	assert.False(t, h.HasCameraSubscribers(7))
	h.JoinCamera(7, c1)
	assert.True(t, h.HasCameraSubscribers(7))

	frame := []byte{0xFF, 0xD8, 0xFF, 0xE0} // JPEG SOI
	h.PublishCameraBinary(7, frame)

	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn1.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, frame, data)
}

func TestLeaveRemovesEverywhere(t *testing.T) {
	h := New()
	c1, _ := dialPair(t, h)

	h.JoinRoom(1, c1)
	h.JoinRoom(2, c1)
	h.JoinCamera(7, c1)
	h.JoinGlobal(c1)

	rooms, cameras, global := h.Counts()
	assert.Equal(t, 2, rooms)
	assert.Equal(t, 1, cameras)
	assert.Equal(t, 1, global)

	h.Leave(c1)
	h.Leave(c1) // second leave finds nothing

	rooms, cameras, global = h.Counts()
	assert.Zero(t, rooms)
	assert.Zero(t, cameras)
	assert.Zero(t, global)
	assert.False(t, h.HasCameraSubscribers(7))
}

// A subscriber that never reads gets its messages dropped; publishing must
// return without blocking regardless.
func TestSlowSubscriberNeverBlocksPublish(t *testing.T) {
	h := New()
	c1, _ := dialPair(t, h)
	h.JoinRoom(1, c1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer*10; i++ {
			h.PublishRoomJSON(1, map[string]int{"seq": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestSendJSONToOneClient(t *testing.T) {
	h := New()
	c1, conn1 := dialPair(t, h)
	_, conn2 := dialPair(t, h)

	h.SendJSON(c1, map[string]string{"type": "pong"})

	assert.Equal(t, "pong", readJSON(t, conn1)["type"])
	conn2.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := conn2.ReadMessage()
	assert.Error(t, err)
}
