package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"warden/internal/crypto"
	"warden/internal/license"
)

const (
	licenseFile = "license.json"
	killFile    = "killswitch.json"
	paymentFile = "payment.json"
	configFile  = "config.json"
)

// CacheValidity bounds how long a cached verdict keeps the device
// operating while the cloud is unreachable. Past it the agent fails
// closed even though the cache verifies.
const CacheValidity = 72 * time.Hour

// Boot-time and outage reasons reported by the local status API when no
// fresh verdict is available.
const (
	ReasonNoCache      = "no_license_cache"
	ReasonCacheCorrupt = "license_cache_corrupt"
	ReasonCacheInvalid = "license_cache_signature_invalid"
	ReasonCacheExpired = "license_cache_expired"
)

// cachedVerdict is the on-disk shape of license.json. The signature
// covers device id, status, and issue time; reason rides along for the
// operator notice only.
type cachedVerdict struct {
	Status    license.Status `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	IssuedAt  int64          `json:"issued_at"`
	Signature string         `json:"signature"`
}

// killFlag is the on-disk shape of killswitch.json. Presence of the
// file is what disables the device; the fields are for display.
type killFlag struct {
	KilledAt time.Time `json:"killed_at"`
	Note     string    `json:"note,omitempty"`
}

// Snapshot is the point-in-time trust state the local status API serves.
type Snapshot struct {
	Status   license.Status
	Reason   string
	IssuedAt time.Time
	Killed   bool
	KillNote string
}

// Manager mediates all access to the agent's local trust state. The
// in-memory copy is authoritative while the process runs; every
// mutation lands on disk atomically before it is reflected in memory.
type Manager struct {
	dataDir      string
	deviceID     string
	serverPubKey string

	mu       sync.Mutex
	status   license.Status
	reason   string
	issuedAt time.Time
	killed   bool
	killNote string
}

// NewManager creates a manager for dataDir. serverPubKey is the base64
// Ed25519 key received at registration; cached verdicts that do not
// verify against it are treated as absent.
func NewManager(dataDir, deviceID, serverPubKey string) *Manager {
	return &Manager{
		dataDir:      dataDir,
		deviceID:     deviceID,
		serverPubKey: serverPubKey,
		status:       license.StatusSuspended,
		reason:       ReasonNoCache,
	}
}

// Boot loads the persisted license cache and kill flag. A device with
// no cache, a corrupt cache, a cache that fails verification, or a
// cache past its validity window starts SUSPENDED: trust must have been
// established online at least once, recently enough.
func (m *Manager) Boot(now time.Time) license.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loadKillFlag()

	data, err := os.ReadFile(filepath.Join(m.dataDir, licenseFile))
	if err != nil {
		m.status, m.reason = license.StatusSuspended, ReasonNoCache
		return m.status
	}

	var cached cachedVerdict
	if err := json.Unmarshal(data, &cached); err != nil {
		m.status, m.reason = license.StatusSuspended, ReasonCacheCorrupt
		return m.status
	}

	ok := license.Verify(m.serverPubKey, license.Verdict{
		DeviceID:  m.deviceID,
		Status:    cached.Status,
		IssuedAt:  cached.IssuedAt,
		Signature: cached.Signature,
	})
	if !ok {
		m.status, m.reason = license.StatusSuspended, ReasonCacheInvalid
		return m.status
	}

	issued := time.Unix(cached.IssuedAt, 0)
	if now.After(issued.Add(CacheValidity)) {
		m.status, m.reason = license.StatusSuspended, ReasonCacheExpired
		return m.status
	}

	m.status, m.reason, m.issuedAt = cached.Status, cached.Reason, issued
	return m.status
}

// ApplyVerdict verifies and persists a fresh heartbeat verdict. A
// verdict that fails verification or names another device is rejected
// without touching the cache.
func (m *Manager) ApplyVerdict(v license.Verdict) error {
	if v.DeviceID != m.deviceID {
		return fmt.Errorf("verdict is for device %s, not %s", v.DeviceID, m.deviceID)
	}
	if !license.Verify(m.serverPubKey, v) {
		return errors.New("verdict signature did not verify")
	}

	data, err := json.MarshalIndent(cachedVerdict{
		Status:    v.Status,
		Reason:    v.Reason,
		IssuedAt:  v.IssuedAt,
		Signature: v.Signature,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode license cache: %w", err)
	}
	if err := WriteFileAtomic(filepath.Join(m.dataDir, licenseFile), data, 0o600); err != nil {
		return fmt.Errorf("persist license cache: %w", err)
	}

	m.mu.Lock()
	m.status, m.reason, m.issuedAt = v.Status, v.Reason, time.Unix(v.IssuedAt, 0)
	m.mu.Unlock()
	return nil
}

// HeartbeatFailed re-evaluates standing after a transient cloud
// failure. Within the validity window the cached status holds (fail
// open); past it the device degrades to SUSPENDED (fail closed).
func (m *Manager) HeartbeatFailed(now time.Time) license.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.issuedAt.IsZero() {
		return m.status
	}
	if now.After(m.issuedAt.Add(CacheValidity)) {
		m.status, m.reason = license.StatusSuspended, ReasonCacheExpired
	}
	return m.status
}

// Current returns the trust state as of now.
func (m *Manager) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Status:   m.status,
		Reason:   m.reason,
		IssuedAt: m.issuedAt,
		Killed:   m.killed,
		KillNote: m.killNote,
	}
}

// ─── Kill flag ───────────────────────────────────────────────────────────────

// SetKilled persists the local disabled flag. The device refuses normal
// operation until a revive clears it, across restarts.
func (m *Manager) SetKilled(note string, now time.Time) error {
	data, err := json.MarshalIndent(killFlag{KilledAt: now.UTC(), Note: note}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode kill flag: %w", err)
	}
	if err := WriteFileAtomic(filepath.Join(m.dataDir, killFile), data, 0o600); err != nil {
		return fmt.Errorf("persist kill flag: %w", err)
	}

	m.mu.Lock()
	m.killed, m.killNote = true, note
	m.mu.Unlock()
	return nil
}

// ClearKilled removes the disabled flag.
func (m *Manager) ClearKilled() error {
	if err := os.Remove(filepath.Join(m.dataDir, killFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove kill flag: %w", err)
	}

	m.mu.Lock()
	m.killed, m.killNote = false, ""
	m.mu.Unlock()
	return nil
}

// Killed reports whether the local disabled flag is set.
func (m *Manager) Killed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killed
}

func (m *Manager) loadKillFlag() {
	data, err := os.ReadFile(filepath.Join(m.dataDir, killFile))
	if err != nil {
		return
	}
	var flag killFlag
	if err := json.Unmarshal(data, &flag); err != nil {
		// An unreadable kill flag still disables: its presence is the flag.
		m.killed = true
		return
	}
	m.killed, m.killNote = true, flag.Note
}

// ─── Sensitive configuration ─────────────────────────────────────────────────

// WritePaymentConfig atomically replaces the locally held sensitive
// configuration with the plaintext recovered from a sealed payload.
func (m *Manager) WritePaymentConfig(plain []byte) error {
	if err := WriteFileAtomic(filepath.Join(m.dataDir, paymentFile), plain, 0o600); err != nil {
		return fmt.Errorf("persist payment config: %w", err)
	}
	return nil
}

// PaymentConfigHash returns the hex SHA-256 of the local sensitive
// configuration, or the empty string when none is held. Heartbeats
// report it so the cloud can detect drift.
func (m *Manager) PaymentConfigHash() string {
	data, err := os.ReadFile(filepath.Join(m.dataDir, paymentFile))
	if err != nil {
		return ""
	}
	return crypto.SHA256Hex(data)
}

// MergeConfig folds a partial configuration into the local config file.
// Keys present in partial overwrite; everything else is kept.
func (m *Manager) MergeConfig(partial map[string]interface{}) error {
	path := filepath.Join(m.dataDir, configFile)

	current := map[string]interface{}{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("parse local config: %w", err)
		}
	}
	for k, v := range partial {
		current[k] = v
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return fmt.Errorf("encode local config: %w", err)
	}
	if err := WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("persist local config: %w", err)
	}
	return nil
}
