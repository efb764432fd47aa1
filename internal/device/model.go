// Package device holds the persisted device record model and the store
// boundary used by the rotation engine, the fleet scheduler and the
// dashboard aggregator.
package device

import "time"

// State is the rotation state of a single device. It is a closed set:
// every stored value is one of the four constants below.
type State string

const (
	// StateOK means the device holds a current credential and no
	// rotation is in flight.
	StateOK State = "OK"

	// StateQueued means the device has been selected for rotation and
	// will begin the handshake the next time it contacts the backend.
	StateQueued State = "QUEUED"

	// StatePending means the device has begun the rotation handshake
	// and has not yet confirmed adoption of the new credential.
	StatePending State = "PENDING"

	// StateTimeout means the device sat in PENDING past the timeout
	// window. It stays parked until an operator requeues it manually;
	// the fleet scheduler never selects TIMEOUT devices.
	StateTimeout State = "TIMEOUT"
)

// AllStates returns every valid rotation state.
func AllStates() []State {
	return []State{StateOK, StateQueued, StatePending, StateTimeout}
}

// Valid reports whether s is one of the four rotation states.
func (s State) Valid() bool {
	switch s {
	case StateOK, StateQueued, StatePending, StateTimeout:
		return true
	}
	return false
}

// Device is the persisted record for one managed endpoint. Records are
// created and deleted by external provisioning; this system only
// mutates the active flag and the rotation fields.
type Device struct {
	// Key is the stable unique identifier for the device.
	Key string `json:"key"`

	// Active is an administrative flag. It gates automatic fleet
	// selection and dashboard grouping only; it never blocks a manual
	// rotation trigger and never cancels an in-flight rotation.
	Active bool `json:"active"`

	// State is the current rotation state.
	State State `json:"rotation_state"`

	// PendingSince is set when the device enters PENDING and cleared
	// when it leaves. The timeout sweep compares it against the cutoff,
	// so the deadline is anchored to the stored transition time rather
	// than re-derived per invocation.
	PendingSince *time.Time `json:"pending_since,omitempty"`

	// LastRotationCompletedAt is set only on successful completion and
	// is monotonically non-decreasing per device.
	LastRotationCompletedAt *time.Time `json:"last_rotation_completed_at,omitempty"`
}
