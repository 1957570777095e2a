package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Deployments without a broker hand the publisher a nil connection; every
// publish must be a silent no-op.
func TestNilConnectionIsNoOp(t *testing.T) {
	p := NewPublisher(nil)

	assert.NotPanics(t, func() {
		p.Presence(PresenceEvent{RoomID: 1, StudentIDs: []int64{1, 2}, Timestamp: time.Now()})
		p.Checkin(CheckinEvent{StudentID: 1, StudentNo: "S001", Confidence: 0.9})
		p.CameraStatus(StatusEvent{CameraID: 7, Connected: true})
	})
}

func TestNilPublisherIsNoOp(t *testing.T) {
	var p *Publisher
	assert.NotPanics(t, func() { p.Presence(PresenceEvent{}) })
}
