package registry

import "errors"

// Sentinel errors for registration and lifecycle conflicts. Handlers map
// these to distinct HTTP error codes so an agent can tell a retryable
// failure from a permanent one.
var (
	// ErrTokenInvalid means the registration token does not exist.
	ErrTokenInvalid = errors.New("registration token not found")

	// ErrTokenExpired means the token exists but its 24-hour window passed.
	ErrTokenExpired = errors.New("registration token expired")

	// ErrTokenUsed means the token was already consumed by another device.
	ErrTokenUsed = errors.New("registration token already used")

	// ErrFingerprintClaimed means a live device at the same location
	// already holds this hardware fingerprint under a different key.
	ErrFingerprintClaimed = errors.New("fingerprint already claimed by a live device")

	// ErrAlreadyKilled means a kill was requested for a device that is
	// already KILLED.
	ErrAlreadyKilled = errors.New("device already killed")

	// ErrNotKilled means a revive was requested for a device that is not
	// KILLED.
	ErrNotKilled = errors.New("device is not killed")

	// ErrDecommissioned means the device was permanently retired and no
	// lifecycle transition applies.
	ErrDecommissioned = errors.New("device is decommissioned")
)
