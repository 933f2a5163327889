// Package notify pushes fleet events to operator-configured alert
// channels (Slack, Telegram, email, and anything else Shoutrrr speaks).
package notify

import "time"

// Channel is one configured alert destination. A channel with an empty
// OrgID is fleet-wide: it receives every tenant's events, and only super
// admins manage it. Tenant channels receive their own events only.
type Channel struct {
	ID       int64  `json:"id"`
	OrgID    string `json:"org_id,omitempty"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	// URL is the assembled Shoutrrr URL. It embeds tokens and passwords,
	// so it never serializes out of the API.
	URL        string    `json:"-"`
	Enabled    bool      `json:"enabled"`
	OnCritical bool      `json:"on_critical"`
	OnWarning  bool      `json:"on_warning"`
	OnInfo     bool      `json:"on_info"`
	QuietStart string    `json:"quiet_start,omitempty"` // "HH:MM" UTC, empty disables
	QuietEnd   string    `json:"quiet_end,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Rule narrows a channel to specific event types and rate-limits
// repeats. A channel with no rules receives every event type its
// severity flags allow.
type Rule struct {
	ID           int64  `json:"id"`
	ChannelID    int64  `json:"channel_id"`
	EventType    string `json:"event_type"`
	Enabled      bool   `json:"enabled"`
	CooldownSecs int    `json:"cooldown_secs"`
}

// Delivery is one attempt to push an event out a channel.
type Delivery struct {
	ID        int64     `json:"id"`
	ChannelID int64     `json:"channel_id"`
	OrgID     string    `json:"org_id,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	SentAt    time.Time `json:"sent_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Delivery statuses.
const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)
