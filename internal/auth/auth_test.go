package auth

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

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

func TestCreateAndAuthenticate(t *testing.T) {
	conn := setupTestDB(t)

	u, err := CreateAdmin(conn, "ops@acme", "correct horse battery", RoleOrgAdmin, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if u.PasswordHash == "correct horse battery" {
		t.Fatal("password stored in the clear")
	}

	got, err := Authenticate(conn, "ops@acme", "correct horse battery")
	if err != nil {
		t.Fatal(err)
	}
	if got.Role != RoleOrgAdmin || got.OrgID != "org-1" {
		t.Errorf("user = %+v", got)
	}

	if _, err := Authenticate(conn, "ops@acme", "wrong password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v, want ErrInvalidCredentials", err)
	}
	if _, err := Authenticate(conn, "nobody@acme", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: got %v, want ErrInvalidCredentials", err)
	}
}

func TestCreateAdminValidation(t *testing.T) {
	conn := setupTestDB(t)

	if _, err := CreateAdmin(conn, "x@acme", "short", RoleSuper, ""); err == nil {
		t.Error("expected error for short password")
	}
	if _, err := CreateAdmin(conn, "x@acme", "long enough pass", RoleOrgAdmin, ""); err == nil {
		t.Error("expected error for org admin without org")
	}
}

func TestEnsureDefaultAdmin(t *testing.T) {
	conn := setupTestDB(t)

	if err := EnsureDefaultAdmin(conn, "root@warden", "initial password"); err != nil {
		t.Fatal(err)
	}
	u, _ := GetAdminByUsername(conn, "root@warden")
	if u == nil || u.Role != RoleSuper {
		t.Fatal("default super admin not seeded")
	}

	// Second call is a no-op even with different credentials.
	if err := EnsureDefaultAdmin(conn, "other@warden", "another password"); err != nil {
		t.Fatal(err)
	}
	if other, _ := GetAdminByUsername(conn, "other@warden"); other != nil {
		t.Error("seeding ran twice")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	svc := NewTokenService("test-secret-key-32-characters!!", time.Hour)
	user := &AdminUser{Username: "ops@acme", Role: RoleOrgAdmin, OrgID: "org-1"}

	token, err := svc.Issue(user)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := svc.Validate(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "ops@acme" || claims.Role != RoleOrgAdmin || claims.OrgID != "org-1" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestTokenRejections(t *testing.T) {
	svc := NewTokenService("test-secret-key-32-characters!!", time.Hour)
	user := &AdminUser{Username: "ops@acme", Role: RoleSuper}

	token, _ := svc.Issue(user)

	// Wrong secret.
	other := NewTokenService("a-completely-different-secret!!!", time.Hour)
	if _, err := other.Validate(token); err == nil {
		t.Error("token validated under the wrong secret")
	}

	// Expired.
	stale := NewTokenService("test-secret-key-32-characters!!", -time.Minute)
	expired, _ := stale.Issue(user)
	if _, err := svc.Validate(expired); err == nil {
		t.Error("expired token validated")
	}

	// Mangled.
	if _, err := svc.Validate(token + "x"); err == nil {
		t.Error("tampered token validated")
	}
}

func TestScopeFor(t *testing.T) {
	superScope := ScopeFor(&Claims{
		Role:             RoleSuper,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "root@warden"},
	})
	if !superScope.IsSuper() || superScope.Actor() != "root@warden" {
		t.Errorf("super scope = %+v", superScope)
	}

	orgScope := ScopeFor(&Claims{
		Role:             RoleOrgAdmin,
		OrgID:            "org-1",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops@acme"},
	})
	if orgScope.IsSuper() || orgScope.OrgID() != "org-1" {
		t.Errorf("org scope = %+v", orgScope)
	}

	// Malformed claims collapse to the zero scope, which matches nothing.
	where, _ := ScopeFor(&Claims{Role: RoleOrgAdmin}).Where("org_id")
	if where != "1=0" {
		t.Errorf("org admin without org renders %q, want 1=0", where)
	}
	where, _ = ScopeFor(nil).Where("org_id")
	if where != "1=0" {
		t.Errorf("nil claims render %q, want 1=0", where)
	}
}
