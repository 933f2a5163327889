package registry

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"warden/internal/tenant"
)

// ─── Registration Tokens ─────────────────────────────────────────────────────

// MintToken generates and stores a single-use registration token bound to
// one location. The token expires after TokenTTL (24 hours).
func MintToken(db *sql.DB, orgID, locationID, createdBy string) (*RegistrationToken, error) {
	raw := make([]byte, 32)
	rand.Read(raw)
	token := hex.EncodeToString(raw)

	now := time.Now().UTC()
	expiresAt := now.Add(TokenTTL)

	_, err := db.Exec(`
		INSERT INTO registration_tokens (token, org_id, location_id, expires_at, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, token, orgID, locationID, expiresAt.Format(timeFormat), createdBy, now.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("mint registration token: %w", err)
	}

	return &RegistrationToken{
		Token:      token,
		OrgID:      orgID,
		LocationID: locationID,
		ExpiresAt:  expiresAt,
		CreatedBy:  createdBy,
		CreatedAt:  now,
	}, nil
}

// GetToken retrieves a token row regardless of its state. Returns nil if
// the token does not exist; callers distinguish expired from consumed.
func GetToken(db *sql.DB, token string) (*RegistrationToken, error) {
	row := db.QueryRow(`
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

// ListTokens returns all tokens visible to the scope, newest first.
// Consumed and expired tokens are included so operators can audit them.
func ListTokens(db *sql.DB, scope tenant.Scope) ([]RegistrationToken, error) {
	where, args := scope.Where("org_id")
	rows, err := db.Query(`
		SELECT token, org_id, location_id, expires_at, consumed_at,
		       COALESCE(consumed_by_device,''), COALESCE(created_by,''), created_at
		FROM registration_tokens WHERE `+where+` ORDER BY created_at DESC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list registration tokens: %w", err)
	}
	defer rows.Close()

	var out []RegistrationToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// PruneExpiredTokens deletes unconsumed tokens past their expiry plus a
// retention window. Consumed tokens are kept as registration history.
func PruneExpiredTokens(db *sql.DB, retain time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retain).Format(timeFormat)
	res, err := db.Exec(`
		DELETE FROM registration_tokens
		WHERE consumed_at IS NULL AND expires_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanToken(s rowScanner) (*RegistrationToken, error) {
	var t RegistrationToken
	var expiresAt, createdAt string
	var consumedAt sql.NullString

	if err := s.Scan(
		&t.Token, &t.OrgID, &t.LocationID, &expiresAt, &consumedAt,
		&t.ConsumedByDevice, &t.CreatedBy, &createdAt,
	); err != nil {
		return nil, err
	}

	t.ExpiresAt, _ = time.Parse(timeFormat, expiresAt)
	t.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	if consumedAt.Valid {
		ts, _ := time.Parse(timeFormat, consumedAt.String)
		t.ConsumedAt = &ts
	}
	return &t, nil
}
