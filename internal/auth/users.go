// Package auth manages the admin surface's identities: bcrypt-hashed
// users in sqlite and the JWTs they hold between requests. Device
// authentication is a different mechanism entirely (HMAC request
// signatures) and lives with the HTTP middleware.
package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const timeFormat = "2006-01-02 15:04:05"

const bcryptCost = 12

// Roles. A super admin crosses tenant boundaries (audited); an org admin
// is pinned to one organization.
const (
	RoleSuper    = "super"
	RoleOrgAdmin = "org_admin"
)

// ErrInvalidCredentials covers unknown usernames and wrong passwords
// alike, so responses do not reveal which half failed.
var ErrInvalidCredentials = errors.New("invalid username or password")

// AdminUser is one operator account.
type AdminUser struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	OrgID        string    `json:"org_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateAdmin inserts an operator account. orgID is empty for super
// admins and required for org admins.
func CreateAdmin(db *sql.DB, username, password, role, orgID string) (*AdminUser, error) {
	if len(password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters")
	}
	if role == RoleOrgAdmin && orgID == "" {
		return nil, fmt.Errorf("org admin requires an organization")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	var orgVal interface{}
	if orgID != "" {
		orgVal = orgID
	}
	res, err := db.Exec(`
		INSERT INTO admin_users (username, password_hash, role, org_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, username, string(hashed), role, orgVal, now.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("create admin user: %w", err)
	}

	id, _ := res.LastInsertId()
	return &AdminUser{
		ID: id, Username: username, PasswordHash: string(hashed),
		Role: role, OrgID: orgID, CreatedAt: now,
	}, nil
}

// GetAdminByUsername retrieves an account. Returns nil if unknown.
func GetAdminByUsername(db *sql.DB, username string) (*AdminUser, error) {
	var u AdminUser
	var orgID sql.NullString
	var createdAt string

	err := db.QueryRow(`
		SELECT id, username, password_hash, role, org_id, created_at
		FROM admin_users WHERE username = ?
	`, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &orgID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if orgID.Valid {
		u.OrgID = orgID.String
	}
	u.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return &u, nil
}

// Authenticate checks a username/password pair.
func Authenticate(db *sql.DB, username, password string) (*AdminUser, error) {
	u, err := GetAdminByUsername(db, username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// EnsureDefaultAdmin seeds the initial super admin when the table is
// empty, so a fresh deployment is reachable. No-op once any user exists.
func EnsureDefaultAdmin(db *sql.DB, username, password string) error {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM admin_users").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if _, err := CreateAdmin(db, username, password, RoleSuper, ""); err != nil {
		return fmt.Errorf("seed default admin: %w", err)
	}
	log.Printf("[Auth] Seeded default super admin %q; change its password", username)
	return nil
}
