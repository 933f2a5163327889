// Package config reads the server configuration from the environment,
// with an optional .env file for development.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the server configuration.
type Config struct {
	Port    string
	DataDir string // server keys and, by default, the database
	DBPath  string

	JWTSecret  string // empty means an ephemeral secret is generated at boot
	SessionTTL time.Duration

	// Seed credentials for the first super admin. Applied only when the
	// admin table is empty; an empty password skips seeding.
	AdminUser string
	AdminPass string

	HeartbeatInterval time.Duration // drives the offline monitor's expectations
	MissedBeats       int           // heartbeats missed before a device reads offline
	SweepInterval     time.Duration // command TTL sweep cadence
	TokenRetention    time.Duration // how long expired registration tokens stay visible
}

// Load returns the configuration from environment variables. A .env
// file in the working directory is folded in first, real environment
// winning.
func Load() Config {
	godotenv.Load()

	cfg := Config{
		Port:              getEnv("PORT", "9080"),
		DataDir:           getEnv("DATA_DIR", "data"),
		DBPath:            getEnv("DB_PATH", ""),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		SessionTTL:        getEnvAsDuration("SESSION_TTL", 12*time.Hour),
		AdminUser:         getEnv("ADMIN_USER", "admin"),
		AdminPass:         getEnv("ADMIN_PASS", ""),
		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 60*time.Second),
		MissedBeats:       getEnvAsInt("MISSED_BEATS", 3),
		SweepInterval:     getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
		TokenRetention:    getEnvAsDuration("TOKEN_RETENTION", 7*24*time.Hour),
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "warden.db")
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil && v > 0 {
		return v
	}
	return fallback
}
