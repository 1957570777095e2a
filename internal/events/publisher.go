// Package events pushes pipeline happenings onto NATS so external consumers
// (dashboards, attendance exporters, alerting) can follow along without
// touching the database. Publishing is fire-and-forget: a dead broker costs a
// log line, never a frame.
package events

import (
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects carried by the publisher.
const (
	SubjectPresence     = "presence.update"
	SubjectAttendance   = "attendance.checkin"
	SubjectCameraStatus = "camera.status"
)

// PresenceEvent is emitted when recognitions move the presence table.
type PresenceEvent struct {
	RoomID     int64     `json:"room_id"`
	StudentIDs []int64   `json:"student_ids"`
	GuestCount int       `json:"guest_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// CheckinEvent is emitted on each successful daily check-in.
type CheckinEvent struct {
	StudentID  int64     `json:"student_id"`
	StudentNo  string    `json:"student_no"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// StatusEvent mirrors the per-stream status pushed to websocket viewers.
type StatusEvent struct {
	CameraID  int64     `json:"camera_id"`
	RoomID    int64     `json:"room_id"`
	Connected bool      `json:"connected"`
	Running   bool      `json:"running"`
	FPS       float64   `json:"fps"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher wraps a NATS connection. A nil connection is valid and turns
// every publish into a no-op, so deployments without a broker need no
// special-casing at the call sites.
type Publisher struct {
	conn *nats.Conn
}

func NewPublisher(conn *nats.Conn) *Publisher {
	return &Publisher{conn: conn}
}

func (p *Publisher) publish(subject string, event any) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Events] marshal %s: %v", subject, err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		log.Printf("[Events] publish %s: %v", subject, err)
	}
}

func (p *Publisher) Presence(e PresenceEvent)   { p.publish(SubjectPresence, e) }
func (p *Publisher) Checkin(e CheckinEvent)     { p.publish(SubjectAttendance, e) }
func (p *Publisher) CameraStatus(e StatusEvent) { p.publish(SubjectCameraStatus, e) }
