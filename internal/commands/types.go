// Package commands is the per-device command queue: one instruction,
// one device, delivered at least once and executed exactly once.
package commands

import (
	"errors"
	"time"
)

// CommandType enumerates the instructions the control plane can push.
type CommandType string

const (
	// ForceSync triggers the hosted application's own sync path.
	ForceSync CommandType = "FORCE_SYNC"
	// KillSwitch remotely disables a device until revived.
	KillSwitch CommandType = "KILL_SWITCH"
	// UpdateConfig merges a partial configuration, including the revive
	// sub-action that clears a kill flag.
	UpdateConfig CommandType = "UPDATE_CONFIG"
	// UpdatePaymentConfig replaces sensitive configuration; its payload is
	// sealed to the device's RSA public key.
	UpdatePaymentConfig CommandType = "UPDATE_PAYMENT_CONFIG"
	// ForceUpdate triggers the device's software-update mechanism.
	ForceUpdate CommandType = "FORCE_UPDATE"
)

// Priority orders delivery. Critical commands always go out ahead of
// normal ones regardless of creation order.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityNormal   Priority = "normal"
)

// Status is the delivery lifecycle. ACKED, FAILED, and EXPIRED are
// terminal.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusAcked     Status = "ACKED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether a status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusAcked || s == StatusFailed || s == StatusExpired
}

// Default lifetimes. A kill switch outlives normal commands so a device
// that stays dark for days still receives it on reconnect.
const (
	DefaultTTL    = 24 * time.Hour
	KillSwitchTTL = 7 * 24 * time.Hour
)

// Command is one instruction destined for exactly one device. Seq is the
// queue's monotonic sequence number; the stream uses it as the SSE event
// ID so clients can resume with Last-Event-ID.
type Command struct {
	Seq         int64       `json:"seq"`
	ID          string      `json:"id"`
	OrgID       string      `json:"org_id"`
	DeviceID    string      `json:"device_id"`
	Type        CommandType `json:"type"`
	Priority    Priority    `json:"priority"`
	Payload     string      `json:"payload,omitempty"`
	Status      Status      `json:"status"`
	Detail      string      `json:"detail,omitempty"`
	CreatedBy   string      `json:"created_by,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	DeliveredAt *time.Time  `json:"delivered_at,omitempty"`
	AckedAt     *time.Time  `json:"acked_at,omitempty"`
}

// ErrAckConflict means a command was acked twice with different outcomes,
// or acked after it already expired. The first recorded outcome stands.
var ErrAckConflict = errors.New("command already resolved with a different outcome")

const timeFormat = "2006-01-02 15:04:05"
