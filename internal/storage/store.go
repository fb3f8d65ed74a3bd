package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Charger status values.
const (
	StatusAvailable = "available"
	StatusBusy      = "busy"
	StatusUnknown   = "unknown"
)

// Charger activity values.
const (
	ActivityCharging = "charging"
	ActivityIdle     = "idle"
	ActivityUnknown  = "unknown"
)

var (
	ErrChargerNotFound  = errors.New("charger not found")
	ErrConflict         = errors.New("charger state conflict")
	ErrCustomerNotFound = errors.New("customer not found")
)

// timeFormat is RFC 3339 with fixed-width nanoseconds. RFC3339Nano
// trims trailing fractional zeros, so its strings do not sort
// chronologically; this layout keeps string order equal to time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func nowUTC() string {
	return time.Now().UTC().Format(timeFormat)
}

type Charger struct {
	SerialNumber    string
	StationCode     string
	Vendor          string
	Model           string
	FirmwareVersion string
	Status          string
	Activity        string
	Connected       bool
	UpdatedAt       time.Time
}

type Customer struct {
	Username string
	FullName string
	CarPlate string
}

// ChargerState is the consistent (status, activity, connected) triple.
// Code never writes one field without the other two.
type ChargerState struct {
	Status    string
	Activity  string
	Connected bool
}

// CommandEffect describes the persisted outcome of an accepted operator
// command. ForbidActivity, when non-empty, is re-validated inside the
// write transaction so the command fails if a device report won the race.
type CommandEffect struct {
	Command        string
	Customer       string
	Payload        []byte
	ForbidActivity string
	NewState       *ChargerState
}

// ChargerStore is the persistence adapter. Every exported method is a
// single statement or a single transaction.
type ChargerStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewChargerStore(db *sql.DB, logger *zap.Logger) *ChargerStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChargerStore{db: db, logger: logger}
}

// GetOrCreateCharger returns the charger row for serial, creating it
// lazily on first contact. A known station code fills in an empty one
// but never overwrites an existing assignment.
func (s *ChargerStore) GetOrCreateCharger(ctx context.Context, serial, stationCode string) (Charger, error) {
	now := nowUTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chargers (serial_number, station_code, status, activity, connected, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(serial_number) DO UPDATE SET
			station_code = CASE
				WHEN chargers.station_code = '' THEN excluded.station_code
				ELSE chargers.station_code
			END
	`, serial, stationCode, StatusUnknown, ActivityUnknown, now, now)
	if err != nil {
		return Charger{}, fmt.Errorf("get or create charger %s: %w", serial, err)
	}

	return s.GetCharger(ctx, serial)
}

func (s *ChargerStore) GetCharger(ctx context.Context, serial string) (Charger, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT serial_number, station_code, vendor, model, firmware_version,
		       status, activity, connected, updated_at
		FROM chargers
		WHERE serial_number = ?
	`, serial)

	c, err := scanCharger(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Charger{}, ErrChargerNotFound
		}
		return Charger{}, fmt.Errorf("get charger %s: %w", serial, err)
	}
	return c, nil
}

func (s *ChargerStore) ListChargers(ctx context.Context) ([]Charger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT serial_number, station_code, vendor, model, firmware_version,
		       status, activity, connected, updated_at
		FROM chargers
		ORDER BY serial_number
	`)
	if err != nil {
		return nil, fmt.Errorf("list chargers: %w", err)
	}
	defer rows.Close()

	var out []Charger
	for rows.Next() {
		c, err := scanCharger(rows)
		if err != nil {
			return nil, fmt.Errorf("list chargers: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordBootInfo stores the identity a charger reports in its
// BootNotification and marks it connected.
func (s *ChargerStore) RecordBootInfo(ctx context.Context, serial, vendor, model, firmware string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chargers
		SET vendor = ?, model = ?, firmware_version = ?, connected = 1, updated_at = ?
		WHERE serial_number = ?
	`, vendor, model, firmware, nowUTC(), serial)
	if err != nil {
		return fmt.Errorf("record boot info %s: %w", serial, err)
	}
	return nil
}

func (s *ChargerStore) AppendStatus(ctx context.Context, serial, status string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_events (id, serial_number, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), serial, status, payloadOrEmpty(payload), nowUTC())
	if err != nil {
		return fmt.Errorf("append status for %s: %w", serial, err)
	}
	return nil
}

func (s *ChargerStore) AppendHeartbeat(ctx context.Context, serial string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeat_events (id, serial_number, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, uuid.NewString(), serial, payloadOrEmpty(payload), nowUTC())
	if err != nil {
		return fmt.Errorf("append heartbeat for %s: %w", serial, err)
	}
	return nil
}

func (s *ChargerStore) AppendMeterSample(ctx context.Context, serial string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meter_samples (id, serial_number, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, uuid.NewString(), serial, payloadOrEmpty(payload), nowUTC())
	if err != nil {
		return fmt.Errorf("append meter sample for %s: %w", serial, err)
	}
	return nil
}

// AppendTransaction records an audit row for a start/stop and returns
// the assigned transaction id.
func (s *ChargerStore) AppendTransaction(ctx context.Context, serial, command, customer string, payload []byte) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, serial_number, command, customer, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, serial, command, customer, payloadOrEmpty(payload), nowUTC())
	if err != nil {
		return "", fmt.Errorf("append transaction for %s: %w", serial, err)
	}
	return id, nil
}

// UpdateChargerState writes the full triple. Device reports are
// authoritative, so there is no precondition here.
func (s *ChargerStore) UpdateChargerState(ctx context.Context, serial string, state ChargerState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chargers
		SET status = ?, activity = ?, connected = ?, updated_at = ?
		WHERE serial_number = ?
	`, state.Status, state.Activity, boolToInt(state.Connected),
		nowUTC(), serial)
	if err != nil {
		return fmt.Errorf("update charger state %s: %w", serial, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChargerNotFound
	}
	return nil
}

// SetConnected flips only the liveness flag, leaving status and
// activity as last reported.
func (s *ChargerStore) SetConnected(ctx context.Context, serial string, connected bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chargers SET connected = ?, updated_at = ? WHERE serial_number = ?
	`, boolToInt(connected), nowUTC(), serial)
	if err != nil {
		return fmt.Errorf("set connected %s: %w", serial, err)
	}
	return nil
}

// ApplyCommand persists the effect of an accepted operator command in
// one transaction: precondition re-check, transaction row, state
// update, status event. A precondition failure rolls everything back
// and returns ErrConflict, leaving zero persisted side effects.
func (s *ChargerStore) ApplyCommand(ctx context.Context, serial string, eff CommandEffect) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("apply command %s: begin: %w", serial, err)
	}
	defer tx.Rollback()

	var activity string
	err = tx.QueryRowContext(ctx,
		`SELECT activity FROM chargers WHERE serial_number = ?`, serial,
	).Scan(&activity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrChargerNotFound
		}
		return "", fmt.Errorf("apply command %s: read activity: %w", serial, err)
	}

	if eff.ForbidActivity != "" && activity == eff.ForbidActivity {
		return "", fmt.Errorf("%w: activity is %s", ErrConflict, activity)
	}

	now := nowUTC()
	txID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, serial_number, command, customer, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, txID, serial, eff.Command, eff.Customer, payloadOrEmpty(eff.Payload), now); err != nil {
		return "", fmt.Errorf("apply command %s: transaction row: %w", serial, err)
	}

	if eff.NewState != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE chargers
			SET status = ?, activity = ?, connected = ?, updated_at = ?
			WHERE serial_number = ?
		`, eff.NewState.Status, eff.NewState.Activity, boolToInt(eff.NewState.Connected), now, serial); err != nil {
			return "", fmt.Errorf("apply command %s: state update: %w", serial, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO status_events (id, serial_number, status, payload, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, uuid.NewString(), serial, eff.NewState.Status, payloadOrEmpty(eff.Payload), now); err != nil {
			return "", fmt.Errorf("apply command %s: status event: %w", serial, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("apply command %s: commit: %w", serial, err)
	}
	return txID, nil
}

// LatestStatus returns the most recent status event for serial, or
// "Unknown" when none has been recorded yet. Ordering is by rowid:
// events are append-only, so insertion order is event order, and rowid
// stays correct even for rows written with a variable-width timestamp.
func (s *ChargerStore) LatestStatus(ctx context.Context, serial string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM status_events
		WHERE serial_number = ?
		ORDER BY rowid DESC
		LIMIT 1
	`, serial).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "Unknown", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest status %s: %w", serial, err)
	}
	return status, nil
}

func (s *ChargerStore) CustomerByUsername(ctx context.Context, username string) (Customer, error) {
	var c Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT username, full_name, car_plate FROM customers WHERE username = ?
	`, username).Scan(&c.Username, &c.FullName, &c.CarPlate)
	if errors.Is(err, sql.ErrNoRows) {
		return Customer{}, ErrCustomerNotFound
	}
	if err != nil {
		return Customer{}, fmt.Errorf("customer %s: %w", username, err)
	}
	return c, nil
}

func (s *ChargerStore) UpsertCustomer(ctx context.Context, c Customer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (username, full_name, car_plate, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			full_name = excluded.full_name,
			car_plate = excluded.car_plate
	`, c.Username, c.FullName, c.CarPlate, nowUTC())
	if err != nil {
		return fmt.Errorf("upsert customer %s: %w", c.Username, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCharger(row rowScanner) (Charger, error) {
	var (
		c         Charger
		connected int
		updatedAt string
	)
	if err := row.Scan(&c.SerialNumber, &c.StationCode, &c.Vendor, &c.Model,
		&c.FirmwareVersion, &c.Status, &c.Activity, &connected, &updatedAt); err != nil {
		return Charger{}, err
	}
	c.Connected = connected != 0
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		c.UpdatedAt = t
	}
	return c, nil
}

func payloadOrEmpty(payload []byte) string {
	if len(payload) == 0 {
		return "{}"
	}
	return string(payload)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
