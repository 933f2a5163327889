package commands

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"warden/internal/tenant"
)

// ─── Command Queue ───────────────────────────────────────────────────────────

const commandColumns = `seq, id, org_id, device_id, type, priority,
       COALESCE(payload,''), status, COALESCE(detail,''), COALESCE(created_by,''),
       created_at, expires_at, delivered_at, acked_at`

// CreateInput describes a command to enqueue.
type CreateInput struct {
	OrgID     string
	DeviceID  string
	Type      CommandType
	Priority  Priority
	Payload   string
	CreatedBy string
	// TTL overrides the type's default lifetime when non-zero.
	TTL time.Duration
}

// Create enqueues a command in its own transaction. See CreateTx.
func Create(db *sql.DB, in CreateInput) (*Command, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	cmd, err := CreateTx(tx, in)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// CreateTx enqueues a command inside a caller-owned transaction, so kill
// and revive can flip the device status and enqueue atomically.
//
// A kill switch is always critical, lives 7 days, and supersedes: any
// outstanding KILL_SWITCH for the device is expired in the same
// transaction, keeping at most one in flight.
func CreateTx(tx *sql.Tx, in CreateInput) (*Command, error) {
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}
	ttl := in.TTL
	if in.Type == KillSwitch {
		in.Priority = PriorityCritical
		if ttl == 0 {
			ttl = KillSwitchTTL
		}
		if _, err := ExpireKillSwitchesTx(tx, in.DeviceID); err != nil {
			return nil, err
		}
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}

	now := time.Now().UTC()
	cmd := &Command{
		ID:        uuid.NewString(),
		OrgID:     in.OrgID,
		DeviceID:  in.DeviceID,
		Type:      in.Type,
		Priority:  in.Priority,
		Payload:   in.Payload,
		Status:    StatusPending,
		CreatedBy: in.CreatedBy,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	res, err := tx.Exec(`
		INSERT INTO commands (id, org_id, device_id, type, priority, payload,
		                      status, created_by, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cmd.ID, cmd.OrgID, cmd.DeviceID, cmd.Type, cmd.Priority, cmd.Payload,
		cmd.Status, cmd.CreatedBy, now.Format(timeFormat), cmd.ExpiresAt.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("enqueue command: %w", err)
	}

	cmd.Seq, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// ExpireKillSwitchesTx expires every outstanding KILL_SWITCH for a device.
// Revive calls this so a delayed delivery cannot re-kill after revival.
func ExpireKillSwitchesTx(tx *sql.Tx, deviceID string) (int64, error) {
	res, err := tx.Exec(`
		UPDATE commands SET status = ?
		WHERE device_id = ? AND type = ? AND status IN (?, ?)
	`, StatusExpired, deviceID, KillSwitch, StatusPending, StatusDelivered)
	if err != nil {
		return 0, fmt.Errorf("expire kill switches: %w", err)
	}
	return res.RowsAffected()
}

// ExpireAllTx expires every outstanding command for a device. Called when
// a device is decommissioned: nothing will ever connect to collect them.
func ExpireAllTx(tx *sql.Tx, deviceID string) (int64, error) {
	res, err := tx.Exec(`
		UPDATE commands SET status = ?
		WHERE device_id = ? AND status IN (?, ?)
	`, StatusExpired, deviceID, StatusPending, StatusDelivered)
	if err != nil {
		return 0, fmt.Errorf("expire device commands: %w", err)
	}
	return res.RowsAffected()
}

// GetByID retrieves a command with no tenant scope. The ack path uses it
// and checks device ownership itself.
func GetByID(db *sql.DB, id string) (*Command, error) {
	row := db.QueryRow(`SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	cmd, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// PendingForDevice returns undelivered, unexpired commands for one device,
// critical priority first. Heartbeat responses carry these as the
// fallback channel for devices without a live stream.
func PendingForDevice(db *sql.DB, deviceID string) ([]Command, error) {
	rows, err := db.Query(`
		SELECT `+commandColumns+` FROM commands
		WHERE device_id = ? AND status = ? AND expires_at > ?
		ORDER BY CASE priority WHEN 'critical' THEN 0 ELSE 1 END, seq
	`, deviceID, StatusPending, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("pending commands: %w", err)
	}
	defer rows.Close()
	return collectCommands(rows)
}

// DeliverableSince returns the non-terminal, unexpired commands with a
// sequence number above lastSeq, critical priority first. The stream's
// live loop uses it between wakeups.
func DeliverableSince(db *sql.DB, deviceID string, lastSeq int64) ([]Command, error) {
	rows, err := db.Query(`
		SELECT `+commandColumns+` FROM commands
		WHERE device_id = ? AND seq > ? AND status IN (?, ?) AND expires_at > ?
		ORDER BY CASE priority WHEN 'critical' THEN 0 ELSE 1 END, seq
	`, deviceID, lastSeq, StatusPending, StatusDelivered, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("deliverable commands: %w", err)
	}
	defer rows.Close()
	return collectCommands(rows)
}

// ReplayFor returns what a reconnecting stream must send: everything new
// past the client's Last-Event-ID, plus every optimistically DELIVERED
// command still waiting on its ack, whatever its sequence number.
// Delivery is at-least-once and the device deduplicates; what is never in
// this set is an acked command.
func ReplayFor(db *sql.DB, deviceID string, lastSeq int64) ([]Command, error) {
	rows, err := db.Query(`
		SELECT `+commandColumns+` FROM commands
		WHERE device_id = ? AND status IN (?, ?) AND expires_at > ?
		      AND (seq > ? OR status = ?)
		ORDER BY CASE priority WHEN 'critical' THEN 0 ELSE 1 END, seq
	`, deviceID, StatusPending, StatusDelivered, time.Now().UTC().Format(timeFormat),
		lastSeq, StatusDelivered)
	if err != nil {
		return nil, fmt.Errorf("replay commands: %w", err)
	}
	defer rows.Close()
	return collectCommands(rows)
}

// MarkDelivered stamps a command DELIVERED. A row already past PENDING is
// left alone so an ack can never regress.
func MarkDelivered(db *sql.DB, seq int64) error {
	_, err := db.Exec(`
		UPDATE commands SET status = ?, delivered_at = ?
		WHERE seq = ? AND status = ?
	`, StatusDelivered, time.Now().UTC().Format(timeFormat), seq, StatusPending)
	return err
}

// Ack records a device's execution outcome. Acking the same outcome twice
// is idempotent (applied=false so callers skip side effects); a different
// outcome (or an ack after expiry) returns ErrAckConflict and the stored
// row wins. Returns a nil command if it does not exist or belongs to
// another device.
func Ack(db *sql.DB, deviceID, commandID string, outcome Status, detail string) (cmd *Command, applied bool, err error) {
	if outcome != StatusAcked && outcome != StatusFailed {
		return nil, false, fmt.Errorf("invalid ack outcome %q", outcome)
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("begin ack: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT `+commandColumns+` FROM commands WHERE id = ? AND device_id = ?
	`, commandID, deviceID)
	cmd, err = scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if cmd.Status.Terminal() {
		if cmd.Status == outcome {
			return cmd, false, nil // duplicate of the same outcome
		}
		return cmd, false, ErrAckConflict
	}

	now := time.Now().UTC()
	_, err = tx.Exec(`
		UPDATE commands SET status = ?, detail = ?, acked_at = ?,
		       delivered_at = COALESCE(delivered_at, ?)
		WHERE id = ?
	`, outcome, detail, now.Format(timeFormat), now.Format(timeFormat), commandID)
	if err != nil {
		return nil, false, fmt.Errorf("ack command: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	cmd.Status = outcome
	cmd.Detail = detail
	cmd.AckedAt = &now
	if cmd.DeliveredAt == nil {
		cmd.DeliveredAt = &now
	}
	return cmd, true, nil
}

// ExpireOverdue batch-marks every command past its expiry and returns the
// rows it expired, so callers can publish events for them.
func ExpireOverdue(db *sql.DB) ([]Command, error) {
	now := time.Now().UTC().Format(timeFormat)

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin expiry sweep: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT `+commandColumns+` FROM commands
		WHERE status IN (?, ?) AND expires_at <= ?
	`, StatusPending, StatusDelivered, now)
	if err != nil {
		return nil, fmt.Errorf("query overdue commands: %w", err)
	}
	overdue, err := collectCommands(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(overdue) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.Exec(`
		UPDATE commands SET status = ?
		WHERE status IN (?, ?) AND expires_at <= ?
	`, StatusExpired, StatusPending, StatusDelivered, now); err != nil {
		return nil, fmt.Errorf("expire overdue commands: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for i := range overdue {
		overdue[i].Status = StatusExpired
	}
	return overdue, nil
}

// OutstandingKillSwitch returns the single in-flight KILL_SWITCH for a
// device, or nil.
func OutstandingKillSwitch(db *sql.DB, deviceID string) (*Command, error) {
	row := db.QueryRow(`
		SELECT `+commandColumns+` FROM commands
		WHERE device_id = ? AND type = ? AND status IN (?, ?)
	`, deviceID, KillSwitch, StatusPending, StatusDelivered)
	cmd, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// OutstandingConfigSync returns an in-flight config-correction command
// (UPDATE_CONFIG or UPDATE_PAYMENT_CONFIG) for a device, or nil. The
// heartbeat drift check consults it so a device reporting a stale hash on
// every beat gets one correction, not one per beat.
func OutstandingConfigSync(db *sql.DB, deviceID string) (*Command, error) {
	row := db.QueryRow(`
		SELECT `+commandColumns+` FROM commands
		WHERE device_id = ? AND type IN (?, ?) AND status IN (?, ?) AND expires_at > ?
		ORDER BY seq DESC
	`, deviceID, UpdateConfig, UpdatePaymentConfig, StatusPending, StatusDelivered,
		time.Now().UTC().Format(timeFormat))
	cmd, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// ListForDevice returns a device's recent commands within the scope,
// newest first.
func ListForDevice(db *sql.DB, scope tenant.Scope, deviceID string, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 50
	}
	where, args := scope.Where("org_id")
	args = append([]interface{}{deviceID}, args...)
	args = append(args, limit)
	rows, err := db.Query(`
		SELECT `+commandColumns+` FROM commands
		WHERE device_id = ? AND `+where+`
		ORDER BY seq DESC LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()
	return collectCommands(rows)
}

// ─── Scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func collectCommands(rows *sql.Rows) ([]Command, error) {
	var out []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanCommand(s rowScanner) (*Command, error) {
	var c Command
	var createdAt, expiresAt string
	var deliveredAt, ackedAt sql.NullString

	if err := s.Scan(
		&c.Seq, &c.ID, &c.OrgID, &c.DeviceID, &c.Type, &c.Priority,
		&c.Payload, &c.Status, &c.Detail, &c.CreatedBy,
		&createdAt, &expiresAt, &deliveredAt, &ackedAt,
	); err != nil {
		return nil, err
	}

	c.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	c.ExpiresAt, _ = time.Parse(timeFormat, expiresAt)
	if deliveredAt.Valid {
		t, _ := time.Parse(timeFormat, deliveredAt.String)
		c.DeliveredAt = &t
	}
	if ackedAt.Valid {
		t, _ := time.Parse(timeFormat, ackedAt.String)
		c.AckedAt = &t
	}
	return &c, nil
}
