// Package rotation implements the per-device rotation state machine and
// the fleet-wide scheduler that feeds it.
package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetkey/fleetkey/internal/device"
	fkerrors "github.com/fleetkey/fleetkey/internal/errors"
	"github.com/fleetkey/fleetkey/internal/issuer"
	"github.com/fleetkey/fleetkey/internal/logging"
	"github.com/fleetkey/fleetkey/internal/metrics"
	"github.com/fleetkey/fleetkey/internal/notify"
)

// Outcome describes the result of a manual single-device trigger.
type Outcome string

const (
	// OutcomeQueued means the device was moved to QUEUED.
	OutcomeQueued Outcome = "queued"

	// OutcomeAlreadyInProgress means the device was already QUEUED or
	// PENDING; the trigger is an idempotent no-op.
	OutcomeAlreadyInProgress Outcome = "already-in-progress"
)

// Engine drives single-device rotation transitions. The fleet-wide
// batch operations live on Scheduler; both write through the same
// store so there is exactly one transition ruleset.
type Engine struct {
	store     device.Store
	issuer    issuer.Issuer
	announcer notify.Announcer
	logger    *logging.Logger
	now       func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the engine's clock for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a rotation engine.
func NewEngine(store device.Store, iss issuer.Issuer, announcer notify.Announcer, logger *logging.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		issuer:    iss,
		announcer: announcer,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TriggerSingleDeviceRotation force-queues a device for rotation. This
// is the only transition that ignores the active flag and the current
// state: an operator can requeue a TIMEOUT device or rotate a
// deactivated one. Devices already in flight are left alone.
func (e *Engine) TriggerSingleDeviceRotation(ctx context.Context, key string) (Outcome, error) {
	queued, err := e.store.ForceQueue(ctx, key)
	if err != nil {
		return "", err
	}
	if !queued {
		e.logger.Debug("device %s already queued or pending, trigger is a no-op", key)
		return OutcomeAlreadyInProgress, nil
	}

	e.logger.Info("device %s queued for rotation", key)
	metrics.RecordTransition(string(device.StateQueued))
	e.announcer.Announce(notify.NewSignal())
	return OutcomeQueued, nil
}

// AdvanceDeviceRotation moves a device through the device-initiated
// legs of the handshake: QUEUED -> PENDING when the device begins, and
// PENDING -> OK when it confirms adoption of the new credential.
func (e *Engine) AdvanceDeviceRotation(ctx context.Context, key string, to device.State) error {
	switch to {
	case device.StatePending:
		return e.beginHandshake(ctx, key)
	case device.StateOK:
		return e.completeHandshake(ctx, key)
	default:
		return fkerrors.InvalidRequestError{
			Field:   "to",
			Message: fmt.Sprintf("devices may only advance to %s or %s, got '%s'", device.StatePending, device.StateOK, to),
		}
	}
}

func (e *Engine) beginHandshake(ctx context.Context, key string) error {
	d, err := e.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if d.State != device.StateQueued {
		return fkerrors.InvalidRequestError{
			Field:   "to",
			Message: fmt.Sprintf("cannot begin handshake: device is %s, expected %s", d.State, device.StateQueued),
		}
	}

	// Issue before flipping state: a failed issuance leaves the device
	// QUEUED so the next contact retries cleanly.
	ref, err := e.issuer.IssueCredential(ctx, key)
	if err != nil {
		return fmt.Errorf("credential issuance for device %s failed: %w", key, err)
	}

	if err := e.store.MarkPending(ctx, key, e.now()); err != nil {
		return err
	}

	e.logger.Info("device %s began rotation handshake (credential version %s)", key, ref.Version)
	metrics.RecordTransition(string(device.StatePending))
	e.announcer.Announce(notify.NewSignal())
	return nil
}

func (e *Engine) completeHandshake(ctx context.Context, key string) error {
	d, err := e.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if d.State != device.StatePending {
		return fkerrors.InvalidRequestError{
			Field:   "to",
			Message: fmt.Sprintf("cannot complete handshake: device is %s, expected %s", d.State, device.StatePending),
		}
	}

	// Activate before flipping state: a failed activation keeps the
	// device PENDING, where the timeout sweep will eventually park it
	// for operator attention.
	if err := e.issuer.ActivateCredential(ctx, key, ""); err != nil {
		return fmt.Errorf("credential activation for device %s failed: %w", key, err)
	}

	if err := e.store.MarkCompleted(ctx, key, e.now()); err != nil {
		return err
	}

	e.logger.Info("device %s completed rotation", key)
	metrics.RecordTransition(string(device.StateOK))
	e.announcer.Announce(notify.NewSignal())
	return nil
}
