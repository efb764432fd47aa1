package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkey/fleetkey/internal/dashboard"
	"github.com/fleetkey/fleetkey/internal/device"
	fkerrors "github.com/fleetkey/fleetkey/internal/errors"
	"github.com/fleetkey/fleetkey/internal/issuer"
	"github.com/fleetkey/fleetkey/internal/logging"
	"github.com/fleetkey/fleetkey/internal/notify"
	"github.com/fleetkey/fleetkey/internal/rotation"
)

// memStore is an in-memory device.Store double mirroring the SQL
// store's filtered-write behavior.
type memStore struct {
	mu      sync.Mutex
	devices map[string]*device.Device
}

func newMemStore(devices ...device.Device) *memStore {
	ms := &memStore{devices: make(map[string]*device.Device)}
	for i := range devices {
		d := devices[i]
		ms.devices[d.Key] = &d
	}
	return ms
}

func (ms *memStore) Get(_ context.Context, key string) (*device.Device, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	d, ok := ms.devices[key]
	if !ok {
		return nil, fkerrors.NotFoundError{Key: key}
	}
	copied := *d
	return &copied, nil
}

func (ms *memStore) List(context.Context) ([]device.Device, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	keys := make([]string, 0, len(ms.devices))
	for k := range ms.devices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]device.Device, 0, len(keys))
	for _, k := range keys {
		out = append(out, *ms.devices[k])
	}
	return out, nil
}

func (ms *memStore) SetActive(_ context.Context, key string, active bool) (*device.Device, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	d, ok := ms.devices[key]
	if !ok {
		return nil, fkerrors.NotFoundError{Key: key}
	}
	d.Active = active
	copied := *d
	return &copied, nil
}

func (ms *memStore) ForceQueue(_ context.Context, key string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	d, ok := ms.devices[key]
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

func (ms *memStore) MarkPending(_ context.Context, key string, now time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	d, ok := ms.devices[key]
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

func (ms *memStore) MarkCompleted(_ context.Context, key string, now time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	d, ok := ms.devices[key]
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

func (ms *memStore) QueueEligible(context.Context) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var n int64
	for _, d := range ms.devices {
		if d.Active && d.State == device.StateOK {
			d.State = device.StateQueued
			n++
		}
	}
	return n, nil
}

func (ms *memStore) SweepTimedOut(_ context.Context, cutoff time.Time) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var n int64
	for _, d := range ms.devices {
		if d.State == device.StatePending && d.PendingSince != nil && !d.PendingSince.After(cutoff) {
			d.State = device.StateTimeout
			d.PendingSince = nil
			n++
		}
	}
	return n, nil
}

func newTestServer(t *testing.T, cfg Config, devices ...device.Device) (*Server, *memStore, *Hub) {
	t.Helper()
	store := newMemStore(devices...)
	hub := NewHub()
	logger := logging.New(false, true)
	engine := rotation.NewEngine(store, issuer.Noop{}, hub, logger)
	policy := dashboard.HealthPolicy{WarnAfter: 30 * 24 * time.Hour, CriticalAfter: 90 * 24 * time.Hour}
	aggregator := dashboard.NewAggregator(store, policy)
	srv := New(cfg, store, engine, aggregator, hub, logger)
	return srv, store, hub
}

func doRequest(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeDevice(t *testing.T, rec *httptest.ResponseRecorder) device.Device {
	t.Helper()
	var d device.Device
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
	return d
}

func TestTriggerRotationEndpoint(t *testing.T) {
	t.Run("queues a device", func(t *testing.T) {
		srv, store, _ := newTestServer(t, Config{}, device.Device{Key: "sensor-1", Active: true, State: device.StateOK})

		rec := doRequest(t, srv, http.MethodPost, "/api/v1/devices/sensor-1/rotate", nil)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.JSONEq(t, `{"result":"queued"}`, rec.Body.String())
		d, err := store.Get(context.Background(), "sensor-1")
		require.NoError(t, err)
		assert.Equal(t, device.StateQueued, d.State)
	})

	t.Run("reports an in-flight device", func(t *testing.T) {
		srv, _, _ := newTestServer(t, Config{}, device.Device{Key: "sensor-1", Active: true, State: device.StatePending})

		rec := doRequest(t, srv, http.MethodPost, "/api/v1/devices/sensor-1/rotate", nil)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.JSONEq(t, `{"result":"already-in-progress"}`, rec.Body.String())
	})

	t.Run("unknown device", func(t *testing.T) {
		srv, _, _ := newTestServer(t, Config{})

		rec := doRequest(t, srv, http.MethodPost, "/api/v1/devices/ghost/rotate", nil)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSetActiveEndpoint(t *testing.T) {
	t.Run("deactivates a device", func(t *testing.T) {
		srv, _, _ := newTestServer(t, Config{}, device.Device{Key: "sensor-1", Active: true, State: device.StateOK})

		rec := doRequest(t, srv, http.MethodPost, "/api/v1/devices/sensor-1/active", map[string]bool{"active": false})

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, decodeDevice(t, rec).Active)
	})

	t.Run("missing active field", func(t *testing.T) {
		srv, _, _ := newTestServer(t, Config{}, device.Device{Key: "sensor-1", Active: true, State: device.StateOK})

		rec := doRequest(t, srv, http.MethodPost, "/api/v1/devices/sensor-1/active", map[string]string{"status": "off"})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown device", func(t *testing.T) {
		srv, _, _ := newTestServer(t, Config{})

		rec := doRequest(t, srv, http.MethodPost, "/api/v1/devices/ghost/active", map[string]bool{"active": true})

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAdvanceRotationEndpoint(t *testing.T) {
	t.Run("QUEUED device advances to PENDING", func(t *testing.T) {
		srv, _, _ := newTestServer(t, Config{}, device.Device{Key: "sensor-1", Active: true, State: device.StateQueued})

		rec := doRequest(t, srv, http.MethodPost, "/api/v1/devices/sensor-1/rotation/advance", map[string]string{"to": "PENDING"})

		assert.Equal(t, http.StatusOK, rec.Code)
		got := decodeDevice(t, rec)
		assert.Equal(t, device.StatePending, got.State)
		assert.NotNil(t, got.PendingSince)
	})

	t.Run("PENDING device advances to OK", func(t *testing.T) {
		since := time.Now().Add(-time.Minute)
		srv, _, _ := newTestServer(t, Config{}, device.Device{Key: "sensor-1", Active: true, State: device.StatePending, PendingSince: &since})

		rec := doRequest(t, srv, http.MethodPost, "/api/v1/devices/sensor-1/rotation/advance", map[string]string{"to": "OK"})

		assert.Equal(t, http.StatusOK, rec.Code)
		got := decodeDevice(t, rec)
		assert.Equal(t, device.StateOK, got.State)
		assert.NotNil(t, got.LastRotationCompletedAt)
	})

	t.Run("rejects a transition from the wrong state", func(t *testing.T) {
		srv, _, _ := newTestServer(t, Config{}, device.Device{Key: "sensor-1", Active: true, State: device.StateOK})

		rec := doRequest(t, srv, http.MethodPost, "/api/v1/devices/sensor-1/rotation/advance", map[string]string{"to": "PENDING"})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects an invalid target state", func(t *testing.T) {
		srv, _, _ := newTestServer(t, Config{}, device.Device{Key: "sensor-1", Active: true, State: device.StateQueued})

		rec := doRequest(t, srv, http.MethodPost, "/api/v1/devices/sensor-1/rotation/advance", map[string]string{"to": "TIMEOUT"})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetDeviceEndpoint(t *testing.T) {
	t.Run("returns the device record", func(t *testing.T) {
		last := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
		srv, _, _ := newTestServer(t, Config{}, device.Device{Key: "sensor-1", Active: true, State: device.StateOK, LastRotationCompletedAt: &last})

		rec := doRequest(t, srv, http.MethodGet, "/api/v1/devices/sensor-1", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		got := decodeDevice(t, rec)
		assert.Equal(t, "sensor-1", got.Key)
		assert.Equal(t, device.StateOK, got.State)
		require.NotNil(t, got.LastRotationCompletedAt)
		assert.True(t, last.Equal(*got.LastRotationCompletedAt))
	})

	t.Run("unknown device", func(t *testing.T) {
		srv, _, _ := newTestServer(t, Config{})

		rec := doRequest(t, srv, http.MethodGet, "/api/v1/devices/ghost", nil)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "ghost")
	})
}

func TestStatusEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{},
		device.Device{Key: "a", Active: true, State: device.StateOK},
		device.Device{Key: "b", Active: true, State: device.StateQueued},
		device.Device{Key: "c", Active: false, State: device.StateTimeout},
	)

	t.Run("rotation status", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/rotation/status", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		var status dashboard.RotationStatus
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
		assert.Equal(t, 1, status.CountsByState[device.StateOK])
		assert.Equal(t, 1, status.CountsByState[device.StateQueued])
		assert.Equal(t, 1, status.CountsByState[device.StateTimeout])
		assert.Equal(t, 1, status.Inactive)
		assert.Equal(t, 3, status.Total)
	})

	t.Run("dashboard", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/dashboard", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		var status dashboard.DashboardStatus
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
		assert.Equal(t, 1, status.Counts.Warning, "QUEUED device")
		assert.Equal(t, 1, status.Counts.Inactive)
	})
}

func TestRotationChangedEndpoint(t *testing.T) {
	t.Run("relays the signal to subscribers", func(t *testing.T) {
		srv, _, hub := newTestServer(t, Config{})
		ch, cancel := hub.Subscribe()
		defer cancel()

		sig := notify.NewSignal()
		rec := doRequest(t, srv, http.MethodPost, "/internal/rotation-changed", sig)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		got := <-ch
		assert.Equal(t, sig.ID, got.ID)
	})

	t.Run("synthesizes a signal from an empty body", func(t *testing.T) {
		srv, _, hub := newTestServer(t, Config{})
		ch, cancel := hub.Subscribe()
		defer cancel()

		rec := doRequest(t, srv, http.MethodPost, "/internal/rotation-changed", nil)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		got := <-ch
		assert.Equal(t, notify.EventRotationUpdated, got.Event)
	})

	t.Run("rejects a missing or wrong token", func(t *testing.T) {
		srv, _, _ := newTestServer(t, Config{InternalToken: "hunter2"})

		rec := doRequest(t, srv, http.MethodPost, "/internal/rotation-changed", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		req := httptest.NewRequest(http.MethodPost, "/internal/rotation-changed", bytes.NewReader(nil))
		req.Header.Set("Authorization", "Bearer wrong")
		rec = httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("accepts the configured token", func(t *testing.T) {
		srv, _, _ := newTestServer(t, Config{InternalToken: "hunter2"})

		req := httptest.NewRequest(http.MethodPost, "/internal/rotation-changed", bytes.NewReader(nil))
		req.Header.Set("Authorization", "Bearer hunter2")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestEventStream(t *testing.T) {
	srv, _, hub := newTestServer(t, Config{}, device.Device{Key: "sensor-1", Active: true, State: device.StateOK})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 10*time.Millisecond)

	// A rotation trigger through the API must surface as a frame.
	triggerResp, err := http.Post(ts.URL+"/api/v1/devices/sensor-1/rotate", "application/json", nil)
	require.NoError(t, err)
	triggerResp.Body.Close()
	require.Equal(t, http.StatusAccepted, triggerResp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}

	assert.Equal(t, fmt.Sprintf("event: %s", notify.EventRotationUpdated), eventLine)
	var sig notify.Signal
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &sig))
	assert.Equal(t, notify.EventRotationUpdated, sig.Event)
	assert.NotEmpty(t, sig.ID)
}
