package notify

import (
	"database/sql"
	"fmt"
	"time"

	"warden/internal/tenant"
)

const timeFormat = "2006-01-02 15:04:05"

const channelColumns = `id, org_id, name, provider, url, enabled,
       on_critical, on_warning, on_info,
       COALESCE(quiet_start,''), COALESCE(quiet_end,''), created_at, updated_at`

// ─── Channels ────────────────────────────────────────────────────────────────

// CreateChannel inserts a new alert channel and returns its id.
func CreateChannel(db *sql.DB, ch *Channel) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO alert_channels
			(org_id, name, provider, url, enabled,
			 on_critical, on_warning, on_info, quiet_start, quiet_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ch.OrgID, ch.Name, ch.Provider, ch.URL, boolInt(ch.Enabled),
		boolInt(ch.OnCritical), boolInt(ch.OnWarning), boolInt(ch.OnInfo),
		ch.QuietStart, ch.QuietEnd)
	if err != nil {
		return 0, fmt.Errorf("create alert channel: %w", err)
	}
	return res.LastInsertId()
}

// GetChannel returns one channel the scope may see, or nil. Fleet-wide
// channels (empty org_id) are visible to super scopes only.
func GetChannel(db *sql.DB, scope tenant.Scope, id int64) (*Channel, error) {
	where, args := scope.Where("org_id")
	args = append([]any{id}, args...)

	row := db.QueryRow(`
		SELECT `+channelColumns+` FROM alert_channels
		WHERE id = ? AND `+where, args...)
	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert channel: %w", err)
	}
	return ch, nil
}

// ListChannels returns the channels a scope may see, newest first.
func ListChannels(db *sql.DB, scope tenant.Scope) ([]Channel, error) {
	where, args := scope.Where("org_id")
	rows, err := db.Query(`
		SELECT `+channelColumns+` FROM alert_channels
		WHERE `+where+` ORDER BY id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list alert channels: %w", err)
	}
	defer rows.Close()
	return collectChannels(rows)
}

// ChannelsForEvent returns the enabled channels an event fans out to: the
// event's own tenant plus every fleet-wide channel. An event with no
// organization reaches fleet-wide channels only.
func ChannelsForEvent(db *sql.DB, orgID string) ([]Channel, error) {
	rows, err := db.Query(`
		SELECT `+channelColumns+` FROM alert_channels
		WHERE enabled = 1 AND (org_id = '' OR org_id = ?)
		ORDER BY id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("channels for event: %w", err)
	}
	defer rows.Close()
	return collectChannels(rows)
}

// UpdateChannel rewrites a channel's configuration. The caller has
// already resolved visibility through GetChannel.
func UpdateChannel(db *sql.DB, ch *Channel) error {
	res, err := db.Exec(`
		UPDATE alert_channels SET
			name = ?, provider = ?, url = ?, enabled = ?,
			on_critical = ?, on_warning = ?, on_info = ?,
			quiet_start = ?, quiet_end = ?, updated_at = ?
		WHERE id = ?
	`, ch.Name, ch.Provider, ch.URL, boolInt(ch.Enabled),
		boolInt(ch.OnCritical), boolInt(ch.OnWarning), boolInt(ch.OnInfo),
		ch.QuietStart, ch.QuietEnd, time.Now().UTC().Format(timeFormat), ch.ID)
	if err != nil {
		return fmt.Errorf("update alert channel: %w", err)
	}
	return expectOneRow(res, "update alert channel")
}

// DeleteChannel removes a channel; its rules cascade with it.
func DeleteChannel(db *sql.DB, id int64) error {
	res, err := db.Exec(`DELETE FROM alert_channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete alert channel: %w", err)
	}
	return expectOneRow(res, "delete alert channel")
}

// ─── Rules ───────────────────────────────────────────────────────────────────

// UpsertRule creates or updates a channel's per-event-type rule.
func UpsertRule(db *sql.DB, r *Rule) error {
	_, err := db.Exec(`
		INSERT INTO alert_rules (channel_id, event_type, enabled, cooldown_secs)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel_id, event_type) DO UPDATE SET
			enabled       = excluded.enabled,
			cooldown_secs = excluded.cooldown_secs
	`, r.ChannelID, r.EventType, boolInt(r.Enabled), r.CooldownSecs)
	if err != nil {
		return fmt.Errorf("upsert alert rule: %w", err)
	}
	return nil
}

// RulesFor returns a channel's rules.
func RulesFor(db *sql.DB, channelID int64) ([]Rule, error) {
	rows, err := db.Query(`
		SELECT id, channel_id, event_type, enabled, cooldown_secs
		FROM alert_rules WHERE channel_id = ? ORDER BY event_type`, channelID)
	if err != nil {
		return nil, fmt.Errorf("alert rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		var enabled int
		if err := rows.Scan(&r.ID, &r.ChannelID, &r.EventType, &enabled, &r.CooldownSecs); err != nil {
			return nil, fmt.Errorf("scan alert rule: %w", err)
		}
		r.Enabled = enabled == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRule removes one rule.
func DeleteRule(db *sql.DB, id int64) error {
	_, err := db.Exec(`DELETE FROM alert_rules WHERE id = ?`, id)
	return err
}

// ─── History ─────────────────────────────────────────────────────────────────

// RecordDelivery appends one delivery attempt to the history.
func RecordDelivery(db *sql.DB, d *Delivery) (int64, error) {
	var sentAt interface{}
	if !d.SentAt.IsZero() {
		sentAt = d.SentAt.UTC().Format(timeFormat)
	}
	res, err := db.Exec(`
		INSERT INTO alert_history
			(channel_id, org_id, device_id, event_type, message, status, error, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ChannelID, d.OrgID, d.DeviceID, d.EventType, d.Message, d.Status, d.Error, sentAt)
	if err != nil {
		return 0, fmt.Errorf("record delivery: %w", err)
	}
	return res.LastInsertId()
}

// RecentDeliveries returns the latest delivery attempts a scope may see.
func RecentDeliveries(db *sql.DB, scope tenant.Scope, limit int) ([]Delivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	where, args := scope.Where("org_id")
	args = append(args, limit)

	rows, err := db.Query(`
		SELECT id, channel_id, COALESCE(org_id,''), COALESCE(device_id,''),
		       event_type, message, status, COALESCE(error,''),
		       COALESCE(sent_at,''), created_at
		FROM alert_history WHERE `+where+`
		ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("recent deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var sentAt, createdAt string
		if err := rows.Scan(&d.ID, &d.ChannelID, &d.OrgID, &d.DeviceID,
			&d.EventType, &d.Message, &d.Status, &d.Error, &sentAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.SentAt = parseTime(sentAt)
		d.CreatedAt = parseTime(createdAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChannel(s rowScanner) (*Channel, error) {
	var ch Channel
	var enabled, critical, warning, info int
	var createdAt, updatedAt string

	err := s.Scan(&ch.ID, &ch.OrgID, &ch.Name, &ch.Provider, &ch.URL, &enabled,
		&critical, &warning, &info, &ch.QuietStart, &ch.QuietEnd, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	ch.Enabled = enabled == 1
	ch.OnCritical = critical == 1
	ch.OnWarning = warning == 1
	ch.OnInfo = info == 1
	ch.CreatedAt = parseTime(createdAt)
	ch.UpdatedAt = parseTime(updatedAt)
	return &ch, nil
}

func collectChannels(rows *sql.Rows) ([]Channel, error) {
	var out []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert channel: %w", err)
		}
		out = append(out, *ch)
	}
	return out, rows.Err()
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func expectOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: not found", op)
	}
	return nil
}
