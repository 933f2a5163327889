package events

import "time"

// EventType identifies the kind of event being published.
type EventType string

const (
	// Device lifecycle
	DeviceRegistered   EventType = "device_registered"
	DeviceKilled       EventType = "device_killed"
	DeviceRevived      EventType = "device_revived"
	DeviceOffline      EventType = "device_offline"
	DeviceOnline       EventType = "device_online"
	DeviceDecommission EventType = "device_decommissioned"

	// Trust
	FingerprintAnomaly EventType = "fingerprint_anomaly"
	SignatureRejected  EventType = "signature_rejected"

	// Configuration
	ConfigDrift EventType = "config_drift"

	// Command queue
	CommandCreated EventType = "command_created"
	CommandAcked   EventType = "command_acked"
	CommandFailed  EventType = "command_failed"
	CommandExpired EventType = "command_expired"
)

// Severity indicates the urgency of an event.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is the payload published through the bus.
type Event struct {
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	OrgID     string            `json:"org_id,omitempty"`
	DeviceID  string            `json:"device_id,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
