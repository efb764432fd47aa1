// Package dashboard builds read-only fleet projections for operator
// UIs. It never writes: classification happens at read time from the
// device records.
package dashboard

import (
	"context"
	"time"

	"github.com/fleetkey/fleetkey/internal/device"
	"github.com/fleetkey/fleetkey/internal/metrics"
)

// HealthPolicy holds the staleness windows used to band active
// devices. WarnAfter must not exceed CriticalAfter; config validation
// enforces this before the policy is built.
type HealthPolicy struct {
	WarnAfter     time.Duration
	CriticalAfter time.Duration
}

// DashboardStatus groups the fleet into four disjoint health bands.
// Every device appears in exactly one group; Counts mirrors the group
// sizes so clients can render badges without re-counting.
type DashboardStatus struct {
	Healthy  []device.Device `json:"healthy"`
	Warning  []device.Device `json:"warning"`
	Critical []device.Device `json:"critical"`
	Inactive []device.Device `json:"inactive"`
	Counts   GroupCounts     `json:"counts"`
}

// GroupCounts are the health-band sizes.
type GroupCounts struct {
	Healthy  int `json:"healthy"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Inactive int `json:"inactive"`
}

// RotationStatus counts devices along two independent dimensions:
// CountsByState covers the whole fleet by rotation state (inactive
// devices included, since deactivation does not clear state), while
// Inactive counts the deactivated devices separately. The two
// dimensions overlap on purpose and must not be reconciled against
// each other.
type RotationStatus struct {
	CountsByState map[device.State]int `json:"counts_by_state"`
	Inactive      int                  `json:"inactive"`
	Total         int                  `json:"total"`
}

// Aggregator projects the device store into dashboard views.
type Aggregator struct {
	store  device.Store
	policy HealthPolicy
	now    func() time.Time
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithAggregatorClock overrides the aggregator's clock for tests.
func WithAggregatorClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		a.now = now
	}
}

// NewAggregator creates a dashboard aggregator with the given health
// policy.
func NewAggregator(store device.Store, policy HealthPolicy, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		store:  store,
		policy: policy,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GetDashboardStatus classifies the fleet into health bands in one
// store pass. Inactive wins over everything else: a deactivated device
// lands in the inactive group regardless of its rotation state.
func (a *Aggregator) GetDashboardStatus(ctx context.Context) (*DashboardStatus, error) {
	devices, err := a.store.List(ctx)
	if err != nil {
		return nil, err
	}

	status := &DashboardStatus{
		Healthy:  []device.Device{},
		Warning:  []device.Device{},
		Critical: []device.Device{},
		Inactive: []device.Device{},
	}
	now := a.now()
	for _, d := range devices {
		switch {
		case !d.Active:
			status.Inactive = append(status.Inactive, d)
		case a.isCritical(d, now):
			status.Critical = append(status.Critical, d)
		case a.isWarning(d, now):
			status.Warning = append(status.Warning, d)
		default:
			status.Healthy = append(status.Healthy, d)
		}
	}
	status.Counts = GroupCounts{
		Healthy:  len(status.Healthy),
		Warning:  len(status.Warning),
		Critical: len(status.Critical),
		Inactive: len(status.Inactive),
	}
	return status, nil
}

// GetRotationStatus counts the fleet by rotation state. All four
// states are always present in the map so consumers see explicit
// zeroes. Each read also refreshes the per-state fleet gauge, so the
// gauge stays current between scheduler invocations.
func (a *Aggregator) GetRotationStatus(ctx context.Context) (*RotationStatus, error) {
	devices, err := a.store.List(ctx)
	if err != nil {
		return nil, err
	}

	status := &RotationStatus{
		CountsByState: make(map[device.State]int, len(device.AllStates())),
		Total:         len(devices),
	}
	for _, st := range device.AllStates() {
		status.CountsByState[st] = 0
	}
	for _, d := range devices {
		status.CountsByState[d.State]++
		if !d.Active {
			status.Inactive++
		}
	}

	gauge := make(map[string]int, len(status.CountsByState))
	for st, n := range status.CountsByState {
		gauge[string(st)] = n
	}
	metrics.SetDevicesByState(gauge)

	return status, nil
}

// isCritical reports whether an active device needs operator
// attention: a timed-out handshake, or a credential past the critical
// staleness window.
func (a *Aggregator) isCritical(d device.Device, now time.Time) bool {
	if d.State == device.StateTimeout {
		return true
	}
	return d.LastRotationCompletedAt != nil &&
		now.Sub(*d.LastRotationCompletedAt) > a.policy.CriticalAfter
}

// isWarning reports whether an active device deserves a closer look:
// a rotation in flight, a credential past the warning window, or a
// device that has never completed a rotation at all. Never-rotated is
// a warning rather than critical because freshly provisioned devices
// are expected, not incidents.
func (a *Aggregator) isWarning(d device.Device, now time.Time) bool {
	if d.State == device.StateQueued || d.State == device.StatePending {
		return true
	}
	if d.LastRotationCompletedAt == nil {
		return true
	}
	return now.Sub(*d.LastRotationCompletedAt) > a.policy.WarnAfter
}
