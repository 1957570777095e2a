package hub

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eduvision/ev-presence/internal/metrics"
)

const (
	// sendBuffer is the per-client outbox depth. A viewer that falls this
	// many messages behind starts losing frames, never slowing the pipeline.
	sendBuffer = 32

	writeWait = 10 * time.Second
)

// envelope is one queued outbound message. JPEG frames go out as binary
// websocket messages, everything else as JSON text.
type envelope struct {
	binary bool
	data   []byte
}

// Client is one websocket subscriber. Its lifetime is owned by the hub:
// constructed on upgrade, removed from every namespace on the first write
// error or when ServeReads returns.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub

	send      chan envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:   uuid.New().String(),
		conn: conn,
		hub:  h,
		send: make(chan envelope, sendBuffer),
		done: make(chan struct{}),
	}
}

// trySend queues a message without ever blocking the publisher. A full
// buffer drops the message; the subscriber was too slow.
func (c *Client) trySend(e envelope) {
	select {
	case c.send <- e:
	case <-c.done:
	default:
		metrics.WSDroppedTotal.Inc()
	}
}

// writePump drains the send channel onto the wire. Runs on its own goroutine;
// the first failed write unregisters the client everywhere.
func (c *Client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			return
		case e := <-c.send:
			msgType := websocket.TextMessage
			if e.binary {
				msgType = websocket.BinaryMessage
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msgType, e.data); err != nil {
				log.Printf("[Hub] client %s write failed: %v", c.ID, err)
				c.hub.Leave(c)
				return
			}
		}
	}
}
