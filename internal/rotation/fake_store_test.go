package rotation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetkey/fleetkey/internal/device"
	fkerrors "github.com/fleetkey/fleetkey/internal/errors"
	"github.com/fleetkey/fleetkey/internal/notify"
)

// fakeStore is an in-memory device.Store double mirroring the SQL
// store's filtered-write semantics.
type fakeStore struct {
	mu      sync.Mutex
	devices map[string]*device.Device

	// failOp makes the named operation return a storage error.
	failOp string
}

func newFakeStore(devices ...device.Device) *fakeStore {
	fs := &fakeStore{devices: make(map[string]*device.Device)}
	for i := range devices {
		d := devices[i]
		fs.devices[d.Key] = &d
	}
	return fs
}

func (fs *fakeStore) fail(op string) error {
	if fs.failOp == op {
		return fkerrors.StorageError{Op: op, Err: errConnLost}
	}
	return nil
}

var errConnLost = &connLostError{}

type connLostError struct{}

func (*connLostError) Error() string { return "connection lost" }

func (fs *fakeStore) Get(_ context.Context, key string) (*device.Device, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.fail("get"); err != nil {
		return nil, err
	}
	d, ok := fs.devices[key]
	if !ok {
		return nil, fkerrors.NotFoundError{Key: key}
	}
	copied := *d
	return &copied, nil
}

func (fs *fakeStore) List(_ context.Context) ([]device.Device, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.fail("list"); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(fs.devices))
	for k := range fs.devices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]device.Device, 0, len(keys))
	for _, k := range keys {
		out = append(out, *fs.devices[k])
	}
	return out, nil
}

func (fs *fakeStore) SetActive(_ context.Context, key string, active bool) (*device.Device, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.fail("set_active"); err != nil {
		return nil, err
	}
	d, ok := fs.devices[key]
	if !ok {
		return nil, fkerrors.NotFoundError{Key: key}
	}
	d.Active = active
	copied := *d
	return &copied, nil
}

func (fs *fakeStore) ForceQueue(_ context.Context, key string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.fail("force_queue"); err != nil {
		return false, err
	}
	d, ok := fs.devices[key]
	if !ok {
		return false, fkerrors.NotFoundError{Key: key}
	}
	if d.State == device.StateQueued || d.State == device.StatePending {
		return false, nil
	}
	d.State = device.StateQueued
	d.PendingSince = nil
	return true, nil
}

func (fs *fakeStore) MarkPending(_ context.Context, key string, now time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.fail("mark_pending"); err != nil {
		return err
	}
	d, ok := fs.devices[key]
	if !ok {
		return fkerrors.NotFoundError{Key: key}
	}
	if d.State != device.StateQueued {
		return fkerrors.InvalidRequestError{Field: "to", Message: "device is not QUEUED"}
	}
	d.State = device.StatePending
	t := now
	d.PendingSince = &t
	return nil
}

func (fs *fakeStore) MarkCompleted(_ context.Context, key string, now time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.fail("mark_completed"); err != nil {
		return err
	}
	d, ok := fs.devices[key]
	if !ok {
		return fkerrors.NotFoundError{Key: key}
	}
	if d.State != device.StatePending {
		return fkerrors.InvalidRequestError{Field: "to", Message: "device is not PENDING"}
	}
	d.State = device.StateOK
	d.PendingSince = nil
	t := now
	d.LastRotationCompletedAt = &t
	return nil
}

func (fs *fakeStore) QueueEligible(_ context.Context) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.fail("queue_eligible"); err != nil {
		return 0, err
	}
	var n int64
	for _, d := range fs.devices {
		if d.Active && d.State == device.StateOK {
			d.State = device.StateQueued
			n++
		}
	}
	return n, nil
}

func (fs *fakeStore) SweepTimedOut(_ context.Context, cutoff time.Time) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.fail("sweep"); err != nil {
		return 0, err
	}
	var n int64
	for _, d := range fs.devices {
		if d.State == device.StatePending && d.PendingSince != nil && !d.PendingSince.After(cutoff) {
			d.State = device.StateTimeout
			d.PendingSince = nil
			n++
		}
	}
	return n, nil
}

func (fs *fakeStore) mustGet(key string) device.Device {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return *fs.devices[key]
}

// recordingAnnouncer counts signals for assertions.
type recordingAnnouncer struct {
	mu      sync.Mutex
	signals []notify.Signal
}

func (r *recordingAnnouncer) Announce(sig notify.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, sig)
}

func (r *recordingAnnouncer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.signals)
}
