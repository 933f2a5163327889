package registry

import (
	"database/sql"
	"fmt"
	"time"

	"warden/internal/tenant"
)

// ─── Device Registry ──────────────────────────────────────────────────────────

const deviceColumns = `id, org_id, location_id, fingerprint, public_key, secret,
       status, last_seen_at, COALESCE(agent_version,''),
       COALESCE(cpu_percent,0), COALESCE(mem_percent,0), COALESCE(disk_percent,0),
       COALESCE(config_hash,''), created_at, updated_at`

// GetDeviceByID retrieves a device by primary key with no tenant scope.
// Only the request-signing middleware uses this: a device proves its own
// identity with its shared secret, so no org filter applies.
func GetDeviceByID(db *sql.DB, id string) (*Device, error) {
	row := db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	return scanDeviceRow(row)
}

// GetDevice retrieves a device by ID within the given tenant scope.
// Returns nil if the device does not exist or falls outside the scope.
func GetDevice(db *sql.DB, scope tenant.Scope, id string) (*Device, error) {
	where, args := scope.Where("org_id")
	args = append([]interface{}{id}, args...)
	row := db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE id = ? AND `+where, args...)
	return scanDeviceRow(row)
}

// GetLiveDeviceByFingerprint retrieves the one non-decommissioned device
// holding a fingerprint at a location, if any.
func GetLiveDeviceByFingerprint(db *sql.DB, locationID, fingerprint string) (*Device, error) {
	row := db.QueryRow(`
		SELECT `+deviceColumns+` FROM devices
		WHERE location_id = ? AND fingerprint = ? AND status != ?
	`, locationID, fingerprint, StatusDecommissioned)
	return scanDeviceRow(row)
}

// ListDevices returns all devices visible to the scope, newest first.
func ListDevices(db *sql.DB, scope tenant.Scope) ([]Device, error) {
	where, args := scope.Where("org_id")
	rows, err := db.Query(`
		SELECT `+deviceColumns+` FROM devices
		WHERE `+where+` ORDER BY created_at DESC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()
	return collectDevices(rows)
}

// ListDevicesByLocation returns a location's devices within the scope.
func ListDevicesByLocation(db *sql.DB, scope tenant.Scope, locationID string) ([]Device, error) {
	where, args := scope.Where("org_id")
	args = append([]interface{}{locationID}, args...)
	rows, err := db.Query(`
		SELECT `+deviceColumns+` FROM devices
		WHERE location_id = ? AND `+where+` ORDER BY created_at DESC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices by location: %w", err)
	}
	defer rows.Close()
	return collectDevices(rows)
}

// UpdateHeartbeat stamps last_seen_at and the reported metrics, and
// promotes a PENDING device to ACTIVE on its first heartbeat. Any other
// status is left alone: heartbeats never un-kill a device.
func UpdateHeartbeat(db *sql.DB, deviceID string, m Metrics) error {
	now := time.Now().UTC().Format(timeFormat)
	_, err := db.Exec(`
		UPDATE devices SET
			last_seen_at  = ?,
			agent_version = ?,
			cpu_percent   = ?,
			mem_percent   = ?,
			disk_percent  = ?,
			config_hash   = ?,
			status        = CASE WHEN status = ? THEN ? ELSE status END,
			updated_at    = ?
		WHERE id = ?
	`, now, m.AgentVersion, m.CPUPercent, m.MemPercent, m.DiskPercent,
		m.ConfigHash, StatusPending, StatusActive, now, deviceID)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ─── Lifecycle transitions ────────────────────────────────────────────────────
//
// Kill, revive, and decommission run inside a caller-owned transaction so
// the status flip commits atomically with the command enqueue and audit
// entry that accompany it.

// KillDeviceTx transitions a device to KILLED. Killing an already-killed
// device is a conflict, not a no-op, so operators notice double fires.
func KillDeviceTx(tx *sql.Tx, deviceID string) error {
	status, err := deviceStatusTx(tx, deviceID)
	if err != nil {
		return err
	}
	switch status {
	case StatusDecommissioned:
		return ErrDecommissioned
	case StatusKilled:
		return ErrAlreadyKilled
	}
	return setStatusTx(tx, deviceID, StatusKilled)
}

// ReviveDeviceTx transitions a KILLED device back to ACTIVE.
func ReviveDeviceTx(tx *sql.Tx, deviceID string) error {
	status, err := deviceStatusTx(tx, deviceID)
	if err != nil {
		return err
	}
	switch status {
	case StatusDecommissioned:
		return ErrDecommissioned
	case StatusKilled:
		return setStatusTx(tx, deviceID, StatusActive)
	}
	return ErrNotKilled
}

// DecommissionDeviceTx permanently retires a device. The row is kept for
// audit history; the partial fingerprint index frees the slot for
// replacement hardware.
func DecommissionDeviceTx(tx *sql.Tx, deviceID string) error {
	status, err := deviceStatusTx(tx, deviceID)
	if err != nil {
		return err
	}
	if status == StatusDecommissioned {
		return ErrDecommissioned
	}
	return setStatusTx(tx, deviceID, StatusDecommissioned)
}

func deviceStatusTx(tx *sql.Tx, deviceID string) (DeviceStatus, error) {
	var status DeviceStatus
	err := tx.QueryRow("SELECT status FROM devices WHERE id = ?", deviceID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("device %s not found", deviceID)
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

func setStatusTx(tx *sql.Tx, deviceID string, status DeviceStatus) error {
	_, err := tx.Exec(
		"UPDATE devices SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().UTC().Format(timeFormat), deviceID,
	)
	return err
}

// ─── Scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeviceRow(row *sql.Row) (*Device, error) {
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func collectDevices(rows *sql.Rows) ([]Device, error) {
	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDevice(s rowScanner) (*Device, error) {
	var d Device
	var lastSeen sql.NullString
	var createdAt, updatedAt string

	if err := s.Scan(
		&d.ID, &d.OrgID, &d.LocationID, &d.Fingerprint, &d.PublicKey, &d.Secret,
		&d.Status, &lastSeen, &d.AgentVersion,
		&d.CPUPercent, &d.MemPercent, &d.DiskPercent,
		&d.ConfigHash, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	if lastSeen.Valid {
		t, _ := time.Parse(timeFormat, lastSeen.String)
		d.LastSeenAt = &t
	}
	d.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	d.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return &d, nil
}
