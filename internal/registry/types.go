// Package registry is the server-side record of organizations, locations,
// devices, and the one-time tokens that enroll them.
package registry

import "time"

// DeviceStatus is the lifecycle state of a device. Devices are never
// hard-deleted; retirement is a transition to DECOMMISSIONED.
type DeviceStatus string

const (
	// StatusPending is a registered device that has not yet completed a
	// heartbeat.
	StatusPending DeviceStatus = "PENDING"
	// StatusActive is a device in normal operation.
	StatusActive DeviceStatus = "ACTIVE"
	// StatusKilled is a device remotely disabled by an operator.
	StatusKilled DeviceStatus = "KILLED"
	// StatusDecommissioned is a permanently retired device.
	StatusDecommissioned DeviceStatus = "DECOMMISSIONED"
)

// Device is one on-premise server enrolled in the fleet.
type Device struct {
	ID           string       `json:"id"`
	OrgID        string       `json:"org_id"`
	LocationID   string       `json:"location_id"`
	Fingerprint  string       `json:"fingerprint"`
	PublicKey    string       `json:"-"`
	Secret       string       `json:"-"`
	Status       DeviceStatus `json:"status"`
	LastSeenAt   *time.Time   `json:"last_seen_at,omitempty"`
	AgentVersion string       `json:"agent_version,omitempty"`
	CPUPercent   float64      `json:"cpu_percent"`
	MemPercent   float64      `json:"mem_percent"`
	DiskPercent  float64      `json:"disk_percent"`
	ConfigHash   string       `json:"config_hash,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Metrics is the resource snapshot a device reports with each heartbeat.
type Metrics struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemPercent   float64 `json:"mem_percent"`
	DiskPercent  float64 `json:"disk_percent"`
	AgentVersion string  `json:"agent_version"`
	ConfigHash   string  `json:"config_hash"`
}

// RegistrationToken is a single-use, 24-hour credential that an operator
// embeds in the provisioning script for one location.
type RegistrationToken struct {
	Token             string     `json:"token"`
	OrgID             string     `json:"org_id"`
	LocationID        string     `json:"location_id"`
	ExpiresAt         time.Time  `json:"expires_at"`
	ConsumedAt        *time.Time `json:"consumed_at,omitempty"`
	ConsumedByDevice  string     `json:"consumed_by_device,omitempty"`
	CreatedBy         string     `json:"created_by,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// TokenTTL is how long a freshly minted registration token stays valid.
const TokenTTL = 24 * time.Hour

// SubscriptionStatus is an organization's billing standing.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Organization is one tenant.
type Organization struct {
	ID                    string             `json:"id"`
	Name                  string             `json:"name"`
	Tier                  string             `json:"tier"`
	SubscriptionStatus    SubscriptionStatus `json:"subscription_status"`
	SubscriptionExpiresAt *time.Time         `json:"subscription_expires_at,omitempty"`
	GracePeriodDays       int                `json:"grace_period_days"`
	CreatedAt             time.Time          `json:"created_at"`
}

// Location is one physical site belonging to an organization. Devices
// hang off locations, not organizations directly.
//
// PaymentConfig is the canonical sensitive configuration for the site's
// devices. The cloud copy is authoritative: a device reporting a
// different hash gets a sealed correction pushed to it.
type Location struct {
	ID                string    `json:"id"`
	OrgID             string    `json:"org_id"`
	Name              string    `json:"name"`
	Active            bool      `json:"active"`
	PaymentConfig     string    `json:"-"`
	PaymentConfigHash string    `json:"payment_config_hash,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

const timeFormat = "2006-01-02 15:04:05"
