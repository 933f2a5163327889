package registry

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RegisterInput is everything a provisioning agent presents to enroll.
type RegisterInput struct {
	Token        string
	Fingerprint  string
	PublicKeyPEM string
	AgentVersion string
	// Secret is the fresh shared secret chosen by the caller. It is stored
	// on the device row and returned to the agent sealed under its RSA key.
	Secret string
}

// RegisterDevice enrolls a device in a single transaction: the token is
// re-validated inside the transaction, the device row is written, and the
// token is consumed. Either all three commit or none do, so a crash can
// never leave a consumed token without a device.
//
// Retries are safe: if the same device (same location, fingerprint, and
// public key) presents a token it already consumed, it gets its device ID
// back with a rotated secret instead of ErrTokenUsed. Losing the first
// response therefore costs the agent nothing.
func RegisterDevice(db *sql.DB, in RegisterInput) (*Device, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}
	defer tx.Rollback()

	tok, err := tokenForUpdate(tx, in.Token)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, ErrTokenInvalid
	}

	now := time.Now().UTC()

	if tok.ConsumedAt != nil {
		// Already consumed. Allow only the exact device that consumed it
		// to replay the call (lost-response retry).
		d, err := deviceByIDTx(tx, tok.ConsumedByDevice)
		if err != nil {
			return nil, err
		}
		if d == nil || d.Fingerprint != in.Fingerprint ||
			d.PublicKey != in.PublicKeyPEM || d.LocationID != tok.LocationID {
			return nil, ErrTokenUsed
		}
		if err := rotateSecretTx(tx, d.ID, in.Secret, in.AgentVersion, now); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		d.Secret = in.Secret
		d.AgentVersion = in.AgentVersion
		return d, nil
	}

	if !tok.ExpiresAt.After(now) {
		return nil, ErrTokenExpired
	}

	// One live device per fingerprint per location. A wiped-and-reinstalled
	// box re-registers with the same key and adopts its old identity; a
	// different key on a known fingerprint is an impersonation attempt.
	existing, err := liveByFingerprintTx(tx, tok.LocationID, in.Fingerprint)
	if err != nil {
		return nil, err
	}

	var dev *Device
	switch {
	case existing == nil:
		dev = &Device{
			ID:           uuid.NewString(),
			OrgID:        tok.OrgID,
			LocationID:   tok.LocationID,
			Fingerprint:  in.Fingerprint,
			PublicKey:    in.PublicKeyPEM,
			Secret:       in.Secret,
			Status:       StatusPending,
			AgentVersion: in.AgentVersion,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if _, err := tx.Exec(`
			INSERT INTO devices (id, org_id, location_id, fingerprint, public_key,
			                     secret, status, agent_version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, dev.ID, dev.OrgID, dev.LocationID, dev.Fingerprint, dev.PublicKey,
			dev.Secret, dev.Status, dev.AgentVersion,
			now.Format(timeFormat), now.Format(timeFormat)); err != nil {
			return nil, fmt.Errorf("insert device: %w", err)
		}

	case existing.PublicKey == in.PublicKeyPEM:
		if err := rotateSecretTx(tx, existing.ID, in.Secret, in.AgentVersion, now); err != nil {
			return nil, err
		}
		dev = existing
		dev.Secret = in.Secret
		dev.AgentVersion = in.AgentVersion

	default:
		return nil, ErrFingerprintClaimed
	}

	if _, err := tx.Exec(`
		UPDATE registration_tokens SET consumed_at = ?, consumed_by_device = ?
		WHERE token = ?
	`, now.Format(timeFormat), dev.ID, in.Token); err != nil {
		return nil, fmt.Errorf("consume token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit registration: %w", err)
	}
	return dev, nil
}

// ─── Transaction-scoped reads ────────────────────────────────────────────────

func tokenForUpdate(tx *sql.Tx, token string) (*RegistrationToken, error) {
	row := tx.QueryRow(`
		SELECT token, org_id, location_id, expires_at, consumed_at,
		       COALESCE(consumed_by_device,''), COALESCE(created_by,''), created_at
		FROM registration_tokens WHERE token = ?
	`, token)
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func deviceByIDTx(tx *sql.Tx, id string) (*Device, error) {
	row := tx.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	return scanDeviceRow(row)
}

func liveByFingerprintTx(tx *sql.Tx, locationID, fingerprint string) (*Device, error) {
	row := tx.QueryRow(`
		SELECT `+deviceColumns+` FROM devices
		WHERE location_id = ? AND fingerprint = ? AND status != ?
	`, locationID, fingerprint, StatusDecommissioned)
	return scanDeviceRow(row)
}

func rotateSecretTx(tx *sql.Tx, deviceID, secret, agentVersion string, now time.Time) error {
	_, err := tx.Exec(`
		UPDATE devices SET secret = ?, agent_version = ?, updated_at = ?
		WHERE id = ?
	`, secret, agentVersion, now.Format(timeFormat), deviceID)
	if err != nil {
		return fmt.Errorf("rotate device secret: %w", err)
	}
	return nil
}
