package device

import (
	"context"
	"time"
)

// Store defines the durable device store boundary. The bulk operations
// express their selection criteria at the query boundary so that the
// filter and the write are atomic with respect to concurrent flag or
// state changes.
type Store interface {
	// Get returns the device with the given key, or a NotFoundError.
	Get(ctx context.Context, key string) (*Device, error)

	// List returns all devices ordered by key.
	List(ctx context.Context) ([]Device, error)

	// SetActive updates the administrative flag and returns the updated
	// record. It never touches the rotation state.
	SetActive(ctx context.Context, key string, active bool) (*Device, error)

	// ForceQueue moves the device to QUEUED from any state, ignoring
	// the active flag. It returns false with a nil error when the
	// device is already QUEUED or PENDING (idempotent no-op), and a
	// NotFoundError for an unknown key.
	ForceQueue(ctx context.Context, key string) (bool, error)

	// MarkPending advances QUEUED -> PENDING and stamps pending_since.
	// An InvalidRequestError is returned when the device is not QUEUED.
	MarkPending(ctx context.Context, key string, now time.Time) error

	// MarkCompleted advances PENDING -> OK, stamps
	// last_rotation_completed_at and clears pending_since. An
	// InvalidRequestError is returned when the device is not PENDING.
	MarkCompleted(ctx context.Context, key string, now time.Time) error

	// QueueEligible moves every device with active=true and state=OK to
	// QUEUED in a single filtered write, and returns the number moved.
	QueueEligible(ctx context.Context) (int64, error)

	// SweepTimedOut moves every device that entered PENDING at or
	// before cutoff to TIMEOUT in a single filtered write, and returns
	// the number moved.
	SweepTimedOut(ctx context.Context, cutoff time.Time) (int64, error)
}
