// Package audit is the append-only record of who did what to which
// entity. Entries are written in the same transaction as the change they
// describe and are never updated or deleted.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"warden/internal/tenant"
)

const timeFormat = "2006-01-02 15:04:05"

// Actions recorded by the control plane.
const (
	ActionDeviceKill         = "device.kill"
	ActionDeviceRevive       = "device.revive"
	ActionDeviceDecommission = "device.decommission"
	ActionTokenMint          = "token.mint"
	ActionCommandCreate      = "command.create"
	ActionOrgCreate          = "org.create"
	ActionLocationCreate     = "location.create"
	ActionLocationToggle     = "location.toggle"
	ActionPaymentConfigSet   = "location.payment_config"
	ActionSubscriptionUpdate = "subscription.update"
	ActionAlertChannelCreate = "alert_channel.create"
	ActionAlertChannelUpdate = "alert_channel.update"
	ActionAlertChannelDelete = "alert_channel.delete"
	// ActionScopeBypass marks a super-admin reading or acting across
	// tenant boundaries. Cross-tenant power leaves a trail.
	ActionScopeBypass = "scope.bypass"
)

// Entry is one audit record.
type Entry struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id,omitempty"`
	Actor       string    `json:"actor"`
	Action      string    `json:"action"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	BeforeState string    `json:"before_state,omitempty"`
	AfterState  string    `json:"after_state,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Record appends an entry outside any transaction.
func Record(db *sql.DB, e Entry) error {
	return record(db, e)
}

// RecordTx appends an entry inside a caller-owned transaction, so the
// audit line commits or rolls back together with the change itself.
func RecordTx(tx *sql.Tx, e Entry) error {
	return record(tx, e)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func record(db execer, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var orgVal interface{}
	if e.OrgID != "" {
		orgVal = e.OrgID
	}

	_, err := db.Exec(`
		INSERT INTO audit_log (id, org_id, actor, action, entity_type, entity_id,
		                       before_state, after_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, orgVal, e.Actor, e.Action, e.EntityType, e.EntityID,
		e.BeforeState, e.AfterState, e.CreatedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// ListRecent returns the newest entries visible to the scope.
func ListRecent(db *sql.DB, scope tenant.Scope, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	where, args := scope.Where("org_id")
	args = append(args, limit)
	rows, err := db.Query(`
		SELECT id, COALESCE(org_id,''), actor, action, entity_type, entity_id,
		       COALESCE(before_state,''), COALESCE(after_state,''), created_at
		FROM audit_log WHERE `+where+`
		ORDER BY created_at DESC, id LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ListForEntity returns every entry touching one entity, oldest first,
// within the scope.
func ListForEntity(db *sql.DB, scope tenant.Scope, entityType, entityID string) ([]Entry, error) {
	where, args := scope.Where("org_id")
	args = append([]interface{}{entityType, entityID}, args...)
	rows, err := db.Query(`
		SELECT id, COALESCE(org_id,''), actor, action, entity_type, entity_id,
		       COALESCE(before_state,''), COALESCE(after_state,''), created_at
		FROM audit_log WHERE entity_type = ? AND entity_id = ? AND `+where+`
		ORDER BY created_at, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list entity audit: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(
			&e.ID, &e.OrgID, &e.Actor, &e.Action, &e.EntityType, &e.EntityID,
			&e.BeforeState, &e.AfterState, &createdAt,
		); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
