package device

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Database drivers registered for config-selected DSNs.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	fkerrors "github.com/fleetkey/fleetkey/internal/errors"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// SQLStore implements Store over database/sql. Queries are written with
// postgres-style $n placeholders and rebound for mysql.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open opens a connection pool for the given driver and DSN and wraps
// it in a SQLStore.
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverPostgres, DriverMySQL:
	default:
		return nil, fkerrors.InvalidRequestError{
			Field:   "database.driver",
			Message: fmt.Sprintf("unsupported driver '%s' (expected %s or %s)", driver, DriverPostgres, DriverMySQL),
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fkerrors.StorageError{Op: "open", Err: err}
	}
	return NewSQLStore(db, driver), nil
}

// NewSQLStore wraps an existing connection pool. Used directly by tests
// that inject a mocked *sql.DB.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping verifies store connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fkerrors.StorageError{Op: "ping", Err: err}
	}
	return nil
}

// Schema returns the devices table DDL for the given driver. Applied by
// the deployment's migration tooling, not by this process.
func Schema(driver string) string {
	if driver == DriverMySQL {
		return `CREATE TABLE IF NOT EXISTS devices (
    device_key                 VARCHAR(191) PRIMARY KEY,
    active                     BOOLEAN NOT NULL DEFAULT TRUE,
    rotation_state             VARCHAR(16) NOT NULL DEFAULT 'OK',
    pending_since              TIMESTAMP NULL,
    last_rotation_completed_at TIMESTAMP NULL
)`
	}
	return `CREATE TABLE IF NOT EXISTS devices (
    device_key                 TEXT PRIMARY KEY,
    active                     BOOLEAN NOT NULL DEFAULT TRUE,
    rotation_state             TEXT NOT NULL DEFAULT 'OK',
    pending_since              TIMESTAMPTZ,
    last_rotation_completed_at TIMESTAMPTZ
)`
}

// rebind converts $n placeholders to ? for drivers that need it.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverMySQL {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] != '$' {
			b.WriteByte(query[i])
			continue
		}
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte(query[i])
			continue
		}
		b.WriteByte('?')
		i = j - 1
	}
	return b.String()
}

const deviceColumns = "device_key, active, rotation_state, pending_since, last_rotation_completed_at"

func scanDevice(row interface{ Scan(...interface{}) error }) (*Device, error) {
	var (
		d            Device
		state        string
		pendingSince sql.NullTime
		completedAt  sql.NullTime
	)
	if err := row.Scan(&d.Key, &d.Active, &state, &pendingSince, &completedAt); err != nil {
		return nil, err
	}
	d.State = State(state)
	if pendingSince.Valid {
		t := pendingSince.Time
		d.PendingSince = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		d.LastRotationCompletedAt = &t
	}
	return &d, nil
}

// Get returns the device with the given key.
func (s *SQLStore) Get(ctx context.Context, key string) (*Device, error) {
	query := s.rebind("SELECT " + deviceColumns + " FROM devices WHERE device_key = $1")
	d, err := scanDevice(s.db.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, fkerrors.NotFoundError{Key: key}
	}
	if err != nil {
		return nil, fkerrors.StorageError{Op: "get device", Err: err}
	}
	return d, nil
}

// List returns all devices ordered by key.
func (s *SQLStore) List(ctx context.Context) ([]Device, error) {
	query := "SELECT " + deviceColumns + " FROM devices ORDER BY device_key"
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fkerrors.StorageError{Op: "list devices", Err: err}
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fkerrors.StorageError{Op: "scan device", Err: err}
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fkerrors.StorageError{Op: "list devices", Err: err}
	}
	return devices, nil
}

// SetActive updates the administrative flag and returns the updated
// record. The rotation state is untouched: deactivating a device never
// cancels an in-flight rotation.
func (s *SQLStore) SetActive(ctx context.Context, key string, active bool) (*Device, error) {
	// Placeholders stay in ascending textual order so the mysql rebind
	// to positional ? keeps the argument binding intact.
	query := s.rebind("UPDATE devices SET active = $1 WHERE device_key = $2")
	res, err := s.db.ExecContext(ctx, query, active, key)
	if err != nil {
		return nil, fkerrors.StorageError{Op: "set active", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fkerrors.StorageError{Op: "set active", Err: err}
	}
	// mysql reports zero affected rows for a no-op value write, so a
	// zero count is disambiguated with an existence probe.
	if n == 0 {
		if _, err := s.Get(ctx, key); err != nil {
			return nil, err
		}
	}
	return s.Get(ctx, key)
}

// ForceQueue moves the device to QUEUED from any state, ignoring the
// active flag. Devices already QUEUED or PENDING are left alone.
func (s *SQLStore) ForceQueue(ctx context.Context, key string) (bool, error) {
	query := s.rebind(`UPDATE devices
SET rotation_state = '` + string(StateQueued) + `', pending_since = NULL
WHERE device_key = $1 AND rotation_state NOT IN ('` + string(StateQueued) + `', '` + string(StatePending) + `')`)
	res, err := s.db.ExecContext(ctx, query, key)
	if err != nil {
		return false, fkerrors.StorageError{Op: "force queue", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fkerrors.StorageError{Op: "force queue", Err: err}
	}
	if n > 0 {
		return true, nil
	}
	// Nothing matched: either the key is unknown or the device is
	// already in flight.
	if _, err := s.Get(ctx, key); err != nil {
		return false, err
	}
	return false, nil
}

// MarkPending advances QUEUED -> PENDING, stamping pending_since with
// the handshake start time.
func (s *SQLStore) MarkPending(ctx context.Context, key string, now time.Time) error {
	query := s.rebind(`UPDATE devices
SET rotation_state = '` + string(StatePending) + `', pending_since = $1
WHERE device_key = $2 AND rotation_state = '` + string(StateQueued) + `'`)
	return s.guardedTransition(ctx, query, key, StateQueued, "begin handshake", now)
}

// MarkCompleted advances PENDING -> OK, stamping the completion time
// and clearing pending_since.
func (s *SQLStore) MarkCompleted(ctx context.Context, key string, now time.Time) error {
	query := s.rebind(`UPDATE devices
SET rotation_state = '` + string(StateOK) + `', pending_since = NULL, last_rotation_completed_at = $1
WHERE device_key = $2 AND rotation_state = '` + string(StatePending) + `'`)
	return s.guardedTransition(ctx, query, key, StatePending, "complete handshake", now)
}

// guardedTransition runs a state-guarded single-row update and turns a
// zero-row result into a not-found or invalid-transition error. The
// query must take the timestamp as $1 and the key as $2.
func (s *SQLStore) guardedTransition(ctx context.Context, query, key string, from State, op string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, query, now, key)
	if err != nil {
		return fkerrors.StorageError{Op: op, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fkerrors.StorageError{Op: op, Err: err}
	}
	if n > 0 {
		return nil
	}
	d, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return fkerrors.InvalidRequestError{
		Field:   "to",
		Message: fmt.Sprintf("cannot %s: device is %s, expected %s", op, d.State, from),
	}
}

// QueueEligible moves every active OK device to QUEUED in one filtered
// write. The active check and the transition are atomic: a device
// deactivated concurrently with the fleet trigger is either queued
// before the flag lands or skipped, never half-selected.
func (s *SQLStore) QueueEligible(ctx context.Context) (int64, error) {
	query := `UPDATE devices
SET rotation_state = '` + string(StateQueued) + `'
WHERE active = TRUE AND rotation_state = '` + string(StateOK) + `'`
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fkerrors.StorageError{Op: "queue eligible", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fkerrors.StorageError{Op: "queue eligible", Err: err}
	}
	return n, nil
}

// SweepTimedOut moves every device pending since at or before cutoff to
// TIMEOUT in one filtered write.
func (s *SQLStore) SweepTimedOut(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.rebind(`UPDATE devices
SET rotation_state = '` + string(StateTimeout) + `', pending_since = NULL
WHERE rotation_state = '` + string(StatePending) + `' AND pending_since <= $1`)
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fkerrors.StorageError{Op: "timeout sweep", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fkerrors.StorageError{Op: "timeout sweep", Err: err}
	}
	return n, nil
}
