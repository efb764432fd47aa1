package rotation

import (
	"context"
	"errors"
	"time"

	"github.com/fleetkey/fleetkey/internal/device"
	"github.com/fleetkey/fleetkey/internal/logging"
	"github.com/fleetkey/fleetkey/internal/metrics"
	"github.com/fleetkey/fleetkey/internal/notify"
)

// Scheduler runs the fleet-wide batch operations: queueing eligible
// devices for rotation and sweeping stuck handshakes into TIMEOUT. It
// is invoked by an external periodic trigger (cron, systemd timer) and
// by on-demand operator commands, through the same methods.
type Scheduler struct {
	store     device.Store
	announcer notify.Announcer
	logger    *logging.Logger
	window    time.Duration
	now       func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock overrides the scheduler's clock for tests.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

// NewScheduler creates a fleet scheduler with the given pending-timeout
// window.
func NewScheduler(store device.Store, announcer notify.Announcer, logger *logging.Logger, window time.Duration, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:     store,
		announcer: announcer,
		logger:    logger,
		window:    window,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TriggerFleetRotation queues every active OK device in one filtered
// write and returns the count moved. Re-running it is safe: devices
// already QUEUED no longer match the filter.
func (s *Scheduler) TriggerFleetRotation(ctx context.Context) (int64, error) {
	n, err := s.store.QueueEligible(ctx)
	if err != nil {
		return 0, err
	}

	s.logger.Info("fleet rotation queued %d device(s)", n)
	metrics.RecordFleetQueued(n)
	if n > 0 {
		s.announcer.Announce(notify.NewSignal())
	}
	return n, nil
}

// RunTimeoutSweep parks every device that has sat in PENDING past the
// timeout window and returns the count moved. TIMEOUT devices are never
// auto-requeued; they wait for an operator.
func (s *Scheduler) RunTimeoutSweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.window)
	n, err := s.store.SweepTimedOut(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		s.logger.Warn("timeout sweep parked %d device(s) pending since before %s", n, cutoff.Format(time.RFC3339))
		metrics.RecordTimeouts(n)
		s.announcer.Announce(notify.NewSignal())
	} else {
		s.logger.Debug("timeout sweep found no stuck devices")
	}
	return n, nil
}

// Run performs one periodic invocation: fleet trigger, then timeout
// sweep, then a fleet gauge refresh. A storage failure in one half does
// not stop the other; failed batches are not retried here because the
// next invocation re-evaluates the same filters.
func (s *Scheduler) Run(ctx context.Context) error {
	var errs []error

	if _, err := s.TriggerFleetRotation(ctx); err != nil {
		s.logger.Error("fleet rotation trigger failed: %v", err)
		errs = append(errs, err)
	}
	if _, err := s.RunTimeoutSweep(ctx); err != nil {
		s.logger.Error("timeout sweep failed: %v", err)
		errs = append(errs, err)
	}

	s.refreshGauges(ctx)
	return errors.Join(errs...)
}

// refreshGauges updates the per-state device gauge. Best-effort: a
// failed read only costs metric freshness.
func (s *Scheduler) refreshGauges(ctx context.Context) {
	devices, err := s.store.List(ctx)
	if err != nil {
		s.logger.Debug("skipping fleet gauge refresh: %v", err)
		return
	}
	counts := make(map[string]int, len(device.AllStates()))
	for _, st := range device.AllStates() {
		counts[string(st)] = 0
	}
	for _, d := range devices {
		counts[string(d.State)]++
	}
	metrics.SetDevicesByState(counts)
}
