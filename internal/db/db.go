// Package db opens the control plane's SQLite store and maintains its
// schema.
package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// TimeFormat is the canonical timestamp layout stored in every table.
// All values are UTC so they compare correctly against datetime('now').
const TimeFormat = "2006-01-02 15:04:05"

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(path string) (*sql.DB, error) {
	if err := ensureDirectory(path); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	enableWAL(conn)
	if err := Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// OpenMemory opens a fresh in-memory database with the full schema.
// Used by tests. An in-memory database lives and dies with its
// connection, so the pool is pinned to a single one.
func OpenMemory() (*sql.DB, error) {
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	if err := Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func ensureDirectory(path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}
	return nil
}

func enableWAL(conn *sql.DB) {
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Printf("[DB] Could not enable WAL mode: %v", err)
	}
}

// Migrate creates the fleet schema.
func Migrate(conn *sql.DB) error {
	statements := []struct {
		label string
		sql   string
	}{
		{"organizations", `
			CREATE TABLE IF NOT EXISTS organizations (
				id                      TEXT PRIMARY KEY,
				name                    TEXT NOT NULL,
				tier                    TEXT NOT NULL DEFAULT 'standard',
				subscription_status     TEXT NOT NULL DEFAULT 'active',
				subscription_expires_at DATETIME,
				grace_period_days       INTEGER NOT NULL DEFAULT 14,
				created_at              DATETIME DEFAULT CURRENT_TIMESTAMP
			);`},

		{"locations", `
			CREATE TABLE IF NOT EXISTS locations (
				id                  TEXT PRIMARY KEY,
				org_id              TEXT NOT NULL REFERENCES organizations(id),
				name                TEXT NOT NULL,
				active              INTEGER NOT NULL DEFAULT 1,
				payment_config      TEXT,
				payment_config_hash TEXT,
				created_at          DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_locations_org ON locations(org_id);`},

		{"devices", `
			CREATE TABLE IF NOT EXISTS devices (
				id            TEXT PRIMARY KEY,
				org_id        TEXT NOT NULL,
				location_id   TEXT NOT NULL REFERENCES locations(id),
				fingerprint   TEXT NOT NULL,
				public_key    TEXT NOT NULL,
				secret        TEXT NOT NULL,
				status        TEXT NOT NULL DEFAULT 'PENDING',
				last_seen_at  DATETIME,
				agent_version TEXT,
				cpu_percent   REAL,
				mem_percent   REAL,
				disk_percent  REAL,
				config_hash   TEXT,
				created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_devices_org      ON devices(org_id);
			CREATE INDEX IF NOT EXISTS idx_devices_location ON devices(location_id);
			-- Only one live device may hold a fingerprint per location;
			-- decommissioned rows stay behind for audit without blocking
			-- replacement hardware.
			CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_live_fingerprint
				ON devices(location_id, fingerprint)
				WHERE status != 'DECOMMISSIONED';`},

		{"registration_tokens", `
			CREATE TABLE IF NOT EXISTS registration_tokens (
				token              TEXT PRIMARY KEY,
				org_id             TEXT NOT NULL,
				location_id        TEXT NOT NULL REFERENCES locations(id),
				expires_at         DATETIME NOT NULL,
				consumed_at        DATETIME,
				consumed_by_device TEXT,
				created_by         TEXT,
				created_at         DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_reg_tokens_location ON registration_tokens(location_id);
			CREATE INDEX IF NOT EXISTS idx_reg_tokens_expires  ON registration_tokens(expires_at);`},

		{"commands", `
			CREATE TABLE IF NOT EXISTS commands (
				seq          INTEGER PRIMARY KEY AUTOINCREMENT,
				id           TEXT NOT NULL UNIQUE,
				org_id       TEXT NOT NULL,
				device_id    TEXT NOT NULL REFERENCES devices(id),
				type         TEXT NOT NULL,
				priority     TEXT NOT NULL DEFAULT 'normal',
				payload      TEXT,
				status       TEXT NOT NULL DEFAULT 'PENDING',
				detail       TEXT,
				created_by   TEXT,
				created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
				expires_at   DATETIME NOT NULL,
				delivered_at DATETIME,
				acked_at     DATETIME
			);
			CREATE INDEX IF NOT EXISTS idx_commands_device_status ON commands(device_id, status);
			CREATE INDEX IF NOT EXISTS idx_commands_expires       ON commands(expires_at);`},

		{"audit_log", `
			CREATE TABLE IF NOT EXISTS audit_log (
				id           TEXT PRIMARY KEY,
				org_id       TEXT,
				actor        TEXT NOT NULL,
				action       TEXT NOT NULL,
				entity_type  TEXT NOT NULL,
				entity_id    TEXT NOT NULL,
				before_state TEXT,
				after_state  TEXT,
				created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_audit_org    ON audit_log(org_id);
			CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id);`},

		{"admin_users", `
			CREATE TABLE IF NOT EXISTS admin_users (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				username      TEXT UNIQUE NOT NULL,
				password_hash TEXT NOT NULL,
				role          TEXT NOT NULL DEFAULT 'admin',
				org_id        TEXT,
				created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
			);`},

		{"alert_channels", `
			CREATE TABLE IF NOT EXISTS alert_channels (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				org_id      TEXT NOT NULL DEFAULT '',
				name        TEXT NOT NULL,
				provider    TEXT NOT NULL,
				url         TEXT NOT NULL,
				enabled     INTEGER NOT NULL DEFAULT 1,
				on_critical INTEGER NOT NULL DEFAULT 1,
				on_warning  INTEGER NOT NULL DEFAULT 1,
				on_info     INTEGER NOT NULL DEFAULT 0,
				quiet_start TEXT,
				quiet_end   TEXT,
				created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_alert_channels_org ON alert_channels(org_id);`},

		{"alert_rules", `
			CREATE TABLE IF NOT EXISTS alert_rules (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				channel_id    INTEGER NOT NULL REFERENCES alert_channels(id) ON DELETE CASCADE,
				event_type    TEXT NOT NULL,
				enabled       INTEGER NOT NULL DEFAULT 1,
				cooldown_secs INTEGER NOT NULL DEFAULT 0,
				UNIQUE(channel_id, event_type)
			);`},

		{"alert_history", `
			CREATE TABLE IF NOT EXISTS alert_history (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				channel_id INTEGER NOT NULL,
				org_id     TEXT,
				device_id  TEXT,
				event_type TEXT NOT NULL,
				message    TEXT NOT NULL,
				status     TEXT NOT NULL,
				error      TEXT,
				sent_at    DATETIME,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_alert_history_org ON alert_history(org_id);`},
	}

	for _, s := range statements {
		if _, err := conn.Exec(s.sql); err != nil {
			return fmt.Errorf("migration failed at [%s]: %w", s.label, err)
		}
	}
	return nil
}
