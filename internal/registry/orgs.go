package registry

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"warden/internal/crypto"
	"warden/internal/tenant"
)

// ─── Organizations ───────────────────────────────────────────────────────────

// CreateOrganization inserts a tenant with an active subscription and the
// default 14-day grace period.
func CreateOrganization(db *sql.DB, name, tier string) (*Organization, error) {
	org := &Organization{
		ID:                 uuid.NewString(),
		Name:               name,
		Tier:               tier,
		SubscriptionStatus: SubscriptionActive,
		GracePeriodDays:    14,
		CreatedAt:          time.Now().UTC(),
	}
	_, err := db.Exec(`
		INSERT INTO organizations (id, name, tier, created_at)
		VALUES (?, ?, ?, ?)
	`, org.ID, org.Name, org.Tier, org.CreatedAt.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("create organization: %w", err)
	}
	return org, nil
}

// GetOrganization retrieves an organization by ID. License evaluation
// calls this on every heartbeat, so it stays unscoped; admin reads go
// through ListOrganizations with a scope instead.
func GetOrganization(db *sql.DB, id string) (*Organization, error) {
	row := db.QueryRow(`
		SELECT id, name, tier, subscription_status, subscription_expires_at,
		       grace_period_days, created_at
		FROM organizations WHERE id = ?
	`, id)
	org, err := scanOrganization(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return org, nil
}

// ListOrganizations returns the organizations visible to the scope. An
// org-bound scope sees exactly its own row.
func ListOrganizations(db *sql.DB, scope tenant.Scope) ([]Organization, error) {
	where, args := scope.Where("id")
	rows, err := db.Query(`
		SELECT id, name, tier, subscription_status, subscription_expires_at,
		       grace_period_days, created_at
		FROM organizations WHERE `+where+` ORDER BY name
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var out []Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *org)
	}
	return out, rows.Err()
}

// UpdateSubscription records a billing change pushed by the upstream
// billing system. expiresAt is nil for subscriptions without a fixed end.
func UpdateSubscription(db *sql.DB, orgID string, status SubscriptionStatus, expiresAt *time.Time, graceDays int) error {
	var expiresVal interface{}
	if expiresAt != nil {
		expiresVal = expiresAt.UTC().Format(timeFormat)
	}
	_, err := db.Exec(`
		UPDATE organizations
		SET subscription_status = ?, subscription_expires_at = ?, grace_period_days = ?
		WHERE id = ?
	`, status, expiresVal, graceDays, orgID)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

// ─── Locations ───────────────────────────────────────────────────────────────

// CreateLocation inserts an active location under an organization.
func CreateLocation(db *sql.DB, orgID, name string) (*Location, error) {
	loc := &Location{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Name:      name,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	_, err := db.Exec(`
		INSERT INTO locations (id, org_id, name, active, created_at)
		VALUES (?, ?, ?, 1, ?)
	`, loc.ID, loc.OrgID, loc.Name, loc.CreatedAt.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("create location: %w", err)
	}
	return loc, nil
}

const locationColumns = `id, org_id, name, active,
       COALESCE(payment_config,''), COALESCE(payment_config_hash,''), created_at`

// GetLocationByID retrieves a location with no tenant scope, for license
// evaluation on the heartbeat path.
func GetLocationByID(db *sql.DB, id string) (*Location, error) {
	row := db.QueryRow(`
		SELECT `+locationColumns+` FROM locations WHERE id = ?
	`, id)
	loc, err := scanLocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return loc, nil
}

// GetLocation retrieves a location by ID within the given tenant scope.
func GetLocation(db *sql.DB, scope tenant.Scope, id string) (*Location, error) {
	where, args := scope.Where("org_id")
	args = append([]interface{}{id}, args...)
	row := db.QueryRow(`
		SELECT `+locationColumns+`
		FROM locations WHERE id = ? AND `+where,
		args...)
	loc, err := scanLocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return loc, nil
}

// ListLocations returns the locations visible to the scope.
func ListLocations(db *sql.DB, scope tenant.Scope) ([]Location, error) {
	where, args := scope.Where("org_id")
	rows, err := db.Query(`
		SELECT `+locationColumns+`
		FROM locations WHERE `+where+` ORDER BY name
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *loc)
	}
	return out, rows.Err()
}

// SetLocationActive toggles a location. Inactive locations suspend every
// device registered under them at their next heartbeat.
func SetLocationActive(db *sql.DB, id string, active bool) error {
	val := 0
	if active {
		val = 1
	}
	_, err := db.Exec("UPDATE locations SET active = ? WHERE id = ?", val, id)
	return err
}

// SetLocationPaymentConfig stores the canonical payment configuration for
// a location and returns its hash. Devices reporting any other hash on
// heartbeat get a sealed correction enqueued.
func SetLocationPaymentConfig(db *sql.DB, id, config string) (string, error) {
	hash := crypto.SHA256Hex([]byte(config))
	_, err := db.Exec(`
		UPDATE locations SET payment_config = ?, payment_config_hash = ?
		WHERE id = ?
	`, config, hash, id)
	if err != nil {
		return "", fmt.Errorf("set payment config: %w", err)
	}
	return hash, nil
}

// ─── Scan helpers ─────────────────────────────────────────────────────────────

func scanOrganization(s rowScanner) (*Organization, error) {
	var org Organization
	var expiresAt sql.NullString
	var createdAt string

	if err := s.Scan(
		&org.ID, &org.Name, &org.Tier, &org.SubscriptionStatus,
		&expiresAt, &org.GracePeriodDays, &createdAt,
	); err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		t, _ := time.Parse(timeFormat, expiresAt.String)
		org.SubscriptionExpiresAt = &t
	}
	org.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return &org, nil
}

func scanLocation(s rowScanner) (*Location, error) {
	var loc Location
	var active int
	var createdAt string

	if err := s.Scan(&loc.ID, &loc.OrgID, &loc.Name, &active,
		&loc.PaymentConfig, &loc.PaymentConfigHash, &createdAt); err != nil {
		return nil, err
	}
	loc.Active = active == 1
	loc.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return &loc, nil
}
