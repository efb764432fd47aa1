// Package notify implements the cross-process notification bridge: the
// scheduler process tells the serving process that rotation state
// changed, and the serving process fans the signal out to connected
// dashboard clients.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// EventRotationUpdated is the single event type carried by the bridge.
const EventRotationUpdated = "rotation-updated"

// Signal is a pure invalidation hint. It carries no fleet state;
// clients re-fetch the dashboard and rotation status on receipt.
type Signal struct {
	Event     string    `json:"event"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSignal returns a rotation-updated signal stamped with a fresh ID.
func NewSignal() Signal {
	return Signal{
		Event:     EventRotationUpdated,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
	}
}

// Announcer is implemented by anything that can accept a rotation
// change signal: the HTTP bridge in the scheduler process, the
// in-process event hub in the serving process.
type Announcer interface {
	Announce(Signal)
}

// Discard is an Announcer that drops every signal. Used where no
// delivery target is configured.
type Discard struct{}

// Announce implements Announcer.
func (Discard) Announce(Signal) {}
