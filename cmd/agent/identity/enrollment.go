package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"warden/cmd/agent/state"
)

const enrollmentFile = "agent.json"

// Enrollment is what registration hands back, persisted to
// dataDir/agent.json. Its presence is how the agent knows it has
// already registered; the secret in it signs every later request.
type Enrollment struct {
	DeviceID         string    `json:"device_id"`
	Secret           string    `json:"secret"`
	ServerURL        string    `json:"server_url"`
	ServerPublicKey  string    `json:"server_public_key"`
	HeartbeatSeconds int       `json:"heartbeat_seconds"`
	EnrolledAt       time.Time `json:"enrolled_at"`
}

// Load reads the persisted enrollment. Returns nil when the device has
// never registered or the file cannot be parsed; either way the caller
// registers afresh.
func Load(dataDir string) *Enrollment {
	data, err := os.ReadFile(filepath.Join(dataDir, enrollmentFile))
	if err != nil {
		return nil
	}
	var e Enrollment
	if err := json.Unmarshal(data, &e); err != nil {
		return nil
	}
	if e.DeviceID == "" || e.Secret == "" {
		return nil
	}
	return &e
}

// Save persists the enrollment atomically. The file holds the signing
// secret, so it is owner-readable only.
func Save(dataDir string, e *Enrollment) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("encode enrollment: %w", err)
	}
	if err := state.WriteFileAtomic(filepath.Join(dataDir, enrollmentFile), data, 0o600); err != nil {
		return fmt.Errorf("persist enrollment: %w", err)
	}
	return nil
}
