package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "9080" {
		t.Errorf("port = %q, want 9080", cfg.Port)
	}
	if cfg.DBPath != filepath.Join("data", "warden.db") {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.HeartbeatInterval != 60*time.Second {
		t.Errorf("heartbeat interval = %s", cfg.HeartbeatInterval)
	}
	if cfg.MissedBeats != 3 {
		t.Errorf("missed beats = %d", cfg.MissedBeats)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("DB_PATH", "/tmp/warden-test.db")
	t.Setenv("HEARTBEAT_INTERVAL", "5s")
	t.Setenv("MISSED_BEATS", "5")
	t.Setenv("SESSION_TTL", "1h")

	cfg := Load()
	if cfg.Port != "9999" {
		t.Errorf("port = %q", cfg.Port)
	}
	if cfg.DBPath != "/tmp/warden-test.db" {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("heartbeat interval = %s", cfg.HeartbeatInterval)
	}
	if cfg.MissedBeats != 5 {
		t.Errorf("missed beats = %d", cfg.MissedBeats)
	}
	if cfg.SessionTTL != time.Hour {
		t.Errorf("session ttl = %s", cfg.SessionTTL)
	}
}

func TestBadValuesFallBack(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL", "soon")
	t.Setenv("MISSED_BEATS", "several")

	cfg := Load()
	if cfg.HeartbeatInterval != 60*time.Second {
		t.Errorf("heartbeat interval = %s, want default", cfg.HeartbeatInterval)
	}
	if cfg.MissedBeats != 3 {
		t.Errorf("missed beats = %d, want default", cfg.MissedBeats)
	}
}
