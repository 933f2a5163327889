// Package license computes a device's entitlement on every heartbeat.
// The verdict is derived state: device status, location flag, and the
// organization's subscription decide it, and it is always recomputable;
// no client is ever the source of truth for its own license.
package license

import (
	"encoding/base64"
	"fmt"
	"time"

	"warden/internal/crypto"
	"warden/internal/registry"
)

// Status is the license verdict for one device.
type Status string

const (
	// StatusActive is full normal operation.
	StatusActive Status = "ACTIVE"
	// StatusGrace is degraded standing: the subscription lapsed but the
	// grace window is still open. The device keeps working.
	StatusGrace Status = "GRACE"
	// StatusSuspended refuses business operation on the device.
	StatusSuspended Status = "SUSPENDED"
)

// Suspension and grace reasons carried alongside the verdict so the
// device can show the operator why.
const (
	ReasonDeviceKilled         = "device_killed"
	ReasonDeviceDecommissioned = "device_decommissioned"
	ReasonLocationInactive     = "location_inactive"
	ReasonCancelled            = "subscription_cancelled"
	ReasonGraceExpired         = "grace_period_expired"
	ReasonExpired              = "subscription_expired"
	ReasonPastDue              = "subscription_past_due"
)

// Evaluate walks the verdict chain, highest priority first: an explicit
// kill always wins, then the location flag, then billing standing. Only
// a fully clean chain yields ACTIVE.
func Evaluate(dev *registry.Device, loc *registry.Location, org *registry.Organization, now time.Time) (Status, string) {
	switch dev.Status {
	case registry.StatusKilled:
		return StatusSuspended, ReasonDeviceKilled
	case registry.StatusDecommissioned:
		return StatusSuspended, ReasonDeviceDecommissioned
	}

	if loc == nil || !loc.Active {
		return StatusSuspended, ReasonLocationInactive
	}

	if org == nil || org.SubscriptionStatus == registry.SubscriptionCancelled {
		return StatusSuspended, ReasonCancelled
	}

	if org.SubscriptionExpiresAt != nil {
		expiry := *org.SubscriptionExpiresAt
		graceEnd := expiry.Add(time.Duration(org.GracePeriodDays) * 24 * time.Hour)
		switch {
		case now.After(graceEnd):
			return StatusSuspended, ReasonGraceExpired
		case now.After(expiry):
			return StatusGrace, ReasonExpired
		}
	}

	// Billing flagged the org past due but the anchor date has not hit
	// yet (or was never set): degraded standing, not a cutoff.
	if org.SubscriptionStatus == registry.SubscriptionPastDue {
		return StatusGrace, ReasonPastDue
	}

	return StatusActive, ""
}

// ─── Tier features ────────────────────────────────────────────────────────────

var tierFeatures = map[string][]string{
	"standard":   {"sync"},
	"pro":        {"sync", "reports", "multi_location"},
	"enterprise": {"sync", "reports", "multi_location", "priority_support", "api_access"},
}

// FeaturesForTier returns the feature flags a tier unlocks. Unknown
// tiers fall back to the standard set.
func FeaturesForTier(tier string) []string {
	features, ok := tierFeatures[tier]
	if !ok {
		features = tierFeatures["standard"]
	}
	out := make([]string, len(features))
	copy(out, features)
	return out
}

// ─── Signed verdicts ─────────────────────────────────────────────────────────

// Verdict is the signed license result a heartbeat returns. The agent
// caches it verbatim so short cloud outages do not flap entitlement.
type Verdict struct {
	DeviceID  string   `json:"device_id"`
	Status    Status   `json:"status"`
	Reason    string   `json:"reason,omitempty"`
	Features  []string `json:"features"`
	IssuedAt  int64    `json:"issued_at"`
	Signature string   `json:"signature"`
}

// Canonical builds the exact byte string the signature covers. Features
// and reason ride along unsigned; tampering with the status or the issue
// time is what must be detectable offline.
func Canonical(deviceID string, status Status, issuedAt int64) []byte {
	return []byte(fmt.Sprintf("v1|%s|%s|%d", deviceID, status, issuedAt))
}

// Issue signs a verdict with the server key.
func Issue(keys *crypto.ServerKeys, deviceID string, status Status, reason, tier string, now time.Time) Verdict {
	issuedAt := now.UTC().Unix()
	sig := keys.Sign(Canonical(deviceID, status, issuedAt))
	return Verdict{
		DeviceID:  deviceID,
		Status:    status,
		Reason:    reason,
		Features:  FeaturesForTier(tier),
		IssuedAt:  issuedAt,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
}

// Verify checks a verdict's signature against the server public key the
// agent received at registration.
func Verify(serverPublicKeyBase64 string, v Verdict) bool {
	sig, err := base64.StdEncoding.DecodeString(v.Signature)
	if err != nil {
		return false
	}
	return crypto.VerifyServerSignature(serverPublicKeyBase64, Canonical(v.DeviceID, v.Status, v.IssuedAt), sig)
}
