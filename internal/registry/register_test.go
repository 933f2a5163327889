package registry

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"warden/internal/db"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func seedOrg(t *testing.T, conn *sql.DB) *Organization {
	t.Helper()
	org, err := CreateOrganization(conn, "Acme Fitness", "pro")
	if err != nil {
		t.Fatal(err)
	}
	return org
}

func seedLocation(t *testing.T, conn *sql.DB, orgID string) *Location {
	t.Helper()
	loc, err := CreateLocation(conn, orgID, "Downtown")
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

const testPublicKey = "-----BEGIN WARDEN DEVICE PUBLIC KEY-----\nMIIC...\n-----END WARDEN DEVICE PUBLIC KEY-----\n"

func registerInput(token string) RegisterInput {
	return RegisterInput{
		Token:        token,
		Fingerprint:  "v1:aabbccdd",
		PublicKeyPEM: testPublicKey,
		AgentVersion: "1.4.0",
		Secret:       "secret-one",
	}
}

func TestMintAndGetToken(t *testing.T) {
	conn := setupTestDB(t)
	org := seedOrg(t, conn)
	loc := seedLocation(t, conn, org.ID)

	tok, err := MintToken(conn, org.ID, loc.ID, "admin@acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(tok.Token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(tok.Token))
	}
	if got := tok.ExpiresAt.Sub(tok.CreatedAt); got != TokenTTL {
		t.Errorf("ttl = %s, want %s", got, TokenTTL)
	}

	loaded, err := GetToken(conn, tok.Token)
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil {
		t.Fatal("expected token, got nil")
	}
	if loaded.LocationID != loc.ID {
		t.Errorf("location = %q, want %q", loaded.LocationID, loc.ID)
	}
	if loaded.ConsumedAt != nil {
		t.Error("fresh token should not be consumed")
	}

	missing, err := GetToken(conn, "no-such-token")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for unknown token")
	}
}

func TestRegisterDevice(t *testing.T) {
	conn := setupTestDB(t)
	org := seedOrg(t, conn)
	loc := seedLocation(t, conn, org.ID)
	tok, _ := MintToken(conn, org.ID, loc.ID, "admin@acme")

	dev, err := RegisterDevice(conn, registerInput(tok.Token))
	if err != nil {
		t.Fatal(err)
	}
	if dev.ID == "" {
		t.Fatal("expected device id")
	}
	if dev.Status != StatusPending {
		t.Errorf("status = %q, want %q", dev.Status, StatusPending)
	}
	if dev.OrgID != org.ID || dev.LocationID != loc.ID {
		t.Errorf("device bound to %s/%s, want %s/%s", dev.OrgID, dev.LocationID, org.ID, loc.ID)
	}
	if dev.Secret != "secret-one" {
		t.Errorf("secret = %q, want %q", dev.Secret, "secret-one")
	}

	// Token must be consumed in the same transaction.
	used, _ := GetToken(conn, tok.Token)
	if used.ConsumedAt == nil {
		t.Fatal("token not consumed")
	}
	if used.ConsumedByDevice != dev.ID {
		t.Errorf("consumed_by = %q, want %q", used.ConsumedByDevice, dev.ID)
	}
}

func TestRegisterTokenErrors(t *testing.T) {
	conn := setupTestDB(t)
	org := seedOrg(t, conn)
	loc := seedLocation(t, conn, org.ID)

	// Unknown token.
	_, err := RegisterDevice(conn, registerInput("deadbeef"))
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("unknown token: got %v, want ErrTokenInvalid", err)
	}

	// Expired token.
	expired, _ := MintToken(conn, org.ID, loc.ID, "admin@acme")
	conn.Exec("UPDATE registration_tokens SET expires_at = ? WHERE token = ?",
		time.Now().UTC().Add(-time.Hour).Format(timeFormat), expired.Token)
	_, err = RegisterDevice(conn, registerInput(expired.Token))
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expired token: got %v, want ErrTokenExpired", err)
	}

	// Token consumed by a different device.
	used, _ := MintToken(conn, org.ID, loc.ID, "admin@acme")
	if _, err := RegisterDevice(conn, registerInput(used.Token)); err != nil {
		t.Fatal(err)
	}
	other := registerInput(used.Token)
	other.Fingerprint = "v1:other-box"
	_, err = RegisterDevice(conn, other)
	if !errors.Is(err, ErrTokenUsed) {
		t.Errorf("used token: got %v, want ErrTokenUsed", err)
	}
}

func TestRegisterRetryAfterLostResponse(t *testing.T) {
	conn := setupTestDB(t)
	org := seedOrg(t, conn)
	loc := seedLocation(t, conn, org.ID)
	tok, _ := MintToken(conn, org.ID, loc.ID, "admin@acme")

	first, err := RegisterDevice(conn, registerInput(tok.Token))
	if err != nil {
		t.Fatal(err)
	}

	// Same device retries the consumed token with a fresh secret, as if the
	// first response never arrived.
	retry := registerInput(tok.Token)
	retry.Secret = "secret-two"
	second, err := RegisterDevice(conn, retry)
	if err != nil {
		t.Fatalf("retry should succeed, got %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("retry created new device %q, want %q", second.ID, first.ID)
	}
	if second.Secret != "secret-two" {
		t.Errorf("secret not rotated: %q", second.Secret)
	}

	stored, _ := GetDeviceByID(conn, first.ID)
	if stored.Secret != "secret-two" {
		t.Errorf("stored secret = %q, want rotated", stored.Secret)
	}
}

func TestRegisterFingerprintClaimed(t *testing.T) {
	conn := setupTestDB(t)
	org := seedOrg(t, conn)
	loc := seedLocation(t, conn, org.ID)

	tok1, _ := MintToken(conn, org.ID, loc.ID, "admin@acme")
	if _, err := RegisterDevice(conn, registerInput(tok1.Token)); err != nil {
		t.Fatal(err)
	}

	// Same fingerprint, different key pair, fresh token: impersonation.
	tok2, _ := MintToken(conn, org.ID, loc.ID, "admin@acme")
	intruder := registerInput(tok2.Token)
	intruder.PublicKeyPEM = "-----BEGIN WARDEN DEVICE PUBLIC KEY-----\nMIIX...\n-----END WARDEN DEVICE PUBLIC KEY-----\n"
	_, err := RegisterDevice(conn, intruder)
	if !errors.Is(err, ErrFingerprintClaimed) {
		t.Errorf("got %v, want ErrFingerprintClaimed", err)
	}

	// The rejected attempt must not consume the token.
	tok, _ := GetToken(conn, tok2.Token)
	if tok.ConsumedAt != nil {
		t.Error("failed registration consumed the token")
	}
}

func TestRegisterReinstallAdoptsIdentity(t *testing.T) {
	conn := setupTestDB(t)
	org := seedOrg(t, conn)
	loc := seedLocation(t, conn, org.ID)

	tok1, _ := MintToken(conn, org.ID, loc.ID, "admin@acme")
	original, _ := RegisterDevice(conn, registerInput(tok1.Token))

	// Wiped and reinstalled: new token, same hardware, same key backup.
	tok2, _ := MintToken(conn, org.ID, loc.ID, "admin@acme")
	reinstall := registerInput(tok2.Token)
	reinstall.Secret = "secret-after-reinstall"
	reinstall.AgentVersion = "1.5.0"

	adopted, err := RegisterDevice(conn, reinstall)
	if err != nil {
		t.Fatal(err)
	}
	if adopted.ID != original.ID {
		t.Errorf("reinstall created new device %q, want adopted %q", adopted.ID, original.ID)
	}
	if adopted.Secret != "secret-after-reinstall" {
		t.Error("secret not rotated on reinstall")
	}

	tok, _ := GetToken(conn, tok2.Token)
	if tok.ConsumedAt == nil || tok.ConsumedByDevice != original.ID {
		t.Error("second token not consumed by adopted device")
	}
}

func TestRegisterAfterDecommission(t *testing.T) {
	conn := setupTestDB(t)
	org := seedOrg(t, conn)
	loc := seedLocation(t, conn, org.ID)

	tok1, _ := MintToken(conn, org.ID, loc.ID, "admin@acme")
	old, _ := RegisterDevice(conn, registerInput(tok1.Token))

	tx, _ := conn.Begin()
	if err := DecommissionDeviceTx(tx, old.ID); err != nil {
		t.Fatal(err)
	}
	tx.Commit()

	// Replacement hardware reusing the fingerprint slot with a new key.
	tok2, _ := MintToken(conn, org.ID, loc.ID, "admin@acme")
	replacement := registerInput(tok2.Token)
	replacement.PublicKeyPEM = "-----BEGIN WARDEN DEVICE PUBLIC KEY-----\nMIIY...\n-----END WARDEN DEVICE PUBLIC KEY-----\n"

	fresh, err := RegisterDevice(conn, replacement)
	if err != nil {
		t.Fatalf("replacement registration failed: %v", err)
	}
	if fresh.ID == old.ID {
		t.Error("replacement must get a new device identity")
	}
}

func TestPruneExpiredTokens(t *testing.T) {
	conn := setupTestDB(t)
	org := seedOrg(t, conn)
	loc := seedLocation(t, conn, org.ID)

	stale, _ := MintToken(conn, org.ID, loc.ID, "admin@acme")
	conn.Exec("UPDATE registration_tokens SET expires_at = ? WHERE token = ?",
		time.Now().UTC().Add(-48*time.Hour).Format(timeFormat), stale.Token)

	kept, _ := MintToken(conn, org.ID, loc.ID, "admin@acme")

	n, err := PruneExpiredTokens(conn, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d tokens, want 1", n)
	}

	if tok, _ := GetToken(conn, stale.Token); tok != nil {
		t.Error("stale token survived prune")
	}
	if tok, _ := GetToken(conn, kept.Token); tok == nil {
		t.Error("fresh token was pruned")
	}
}
