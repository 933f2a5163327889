package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"warden/internal/crypto"
	"warden/internal/license"
)

func setupManager(t *testing.T) (*Manager, *crypto.ServerKeys, string) {
	t.Helper()
	keys, err := crypto.LoadOrGenerate(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	return NewManager(dir, "dev-1", keys.PublicKeyBase64()), keys, dir
}

func TestBootWithoutCacheFailsClosed(t *testing.T) {
	m, _, _ := setupManager(t)

	if got := m.Boot(time.Now()); got != license.StatusSuspended {
		t.Errorf("status = %s, want SUSPENDED", got)
	}
	if snap := m.Current(); snap.Reason != ReasonNoCache {
		t.Errorf("reason = %s, want %s", snap.Reason, ReasonNoCache)
	}
}

func TestVerdictRoundTripSurvivesRestart(t *testing.T) {
	m, keys, dir := setupManager(t)
	now := time.Now()

	v := license.Issue(keys, "dev-1", license.StatusActive, "", "pro", now)
	if err := m.ApplyVerdict(v); err != nil {
		t.Fatal(err)
	}
	if snap := m.Current(); snap.Status != license.StatusActive {
		t.Errorf("status = %s after apply", snap.Status)
	}

	// Fresh manager over the same dir models a process restart.
	reborn := NewManager(dir, "dev-1", keys.PublicKeyBase64())
	if got := reborn.Boot(now.Add(time.Hour)); got != license.StatusActive {
		t.Errorf("status after restart = %s, want ACTIVE", got)
	}
}

func TestBootRejectsExpiredCache(t *testing.T) {
	m, keys, dir := setupManager(t)
	issued := time.Now().Add(-CacheValidity - time.Hour)

	v := license.Issue(keys, "dev-1", license.StatusActive, "", "pro", issued)
	if err := m.ApplyVerdict(v); err != nil {
		t.Fatal(err)
	}

	reborn := NewManager(dir, "dev-1", keys.PublicKeyBase64())
	if got := reborn.Boot(time.Now()); got != license.StatusSuspended {
		t.Errorf("status = %s, want SUSPENDED past validity window", got)
	}
	if snap := reborn.Current(); snap.Reason != ReasonCacheExpired {
		t.Errorf("reason = %s, want %s", snap.Reason, ReasonCacheExpired)
	}
}

func TestBootRejectsTamperedCache(t *testing.T) {
	m, keys, dir := setupManager(t)
	now := time.Now()

	v := license.Issue(keys, "dev-1", license.StatusSuspended, license.ReasonDeviceKilled, "standard", now)
	if err := m.ApplyVerdict(v); err != nil {
		t.Fatal(err)
	}

	// Flip the cached status on disk; the signature no longer covers it.
	path := filepath.Join(dir, "license.json")
	data, _ := os.ReadFile(path)
	var cached map[string]interface{}
	json.Unmarshal(data, &cached)
	cached["status"] = "ACTIVE"
	data, _ = json.Marshal(cached)
	os.WriteFile(path, data, 0o600)

	reborn := NewManager(dir, "dev-1", keys.PublicKeyBase64())
	if got := reborn.Boot(now); got != license.StatusSuspended {
		t.Errorf("tampered cache booted %s, want SUSPENDED", got)
	}
	if snap := reborn.Current(); snap.Reason != ReasonCacheInvalid {
		t.Errorf("reason = %s, want %s", snap.Reason, ReasonCacheInvalid)
	}
}

func TestBootRejectsCorruptCache(t *testing.T) {
	m, keys, dir := setupManager(t)
	_ = keys

	os.WriteFile(filepath.Join(dir, "license.json"), []byte("not json{"), 0o600)

	if got := m.Boot(time.Now()); got != license.StatusSuspended {
		t.Errorf("corrupt cache booted %s, want SUSPENDED", got)
	}
	if snap := m.Current(); snap.Reason != ReasonCacheCorrupt {
		t.Errorf("reason = %s, want %s", snap.Reason, ReasonCacheCorrupt)
	}
}

func TestApplyVerdictRejectsBadSignature(t *testing.T) {
	m, keys, _ := setupManager(t)

	v := license.Issue(keys, "dev-1", license.StatusActive, "", "pro", time.Now())
	v.Status = license.StatusSuspended // breaks the signature
	if err := m.ApplyVerdict(v); err == nil {
		t.Fatal("tampered verdict accepted")
	}

	// State must be untouched.
	if snap := m.Current(); snap.Reason != ReasonNoCache {
		t.Errorf("reason = %s, rejected verdict must not change state", snap.Reason)
	}
}

func TestApplyVerdictRejectsForeignDevice(t *testing.T) {
	m, keys, _ := setupManager(t)

	v := license.Issue(keys, "dev-other", license.StatusActive, "", "pro", time.Now())
	if err := m.ApplyVerdict(v); err == nil {
		t.Fatal("verdict for another device accepted")
	}
}

func TestHeartbeatFailureFailsOpenThenClosed(t *testing.T) {
	m, keys, _ := setupManager(t)
	issued := time.Now()

	v := license.Issue(keys, "dev-1", license.StatusGrace, license.ReasonExpired, "standard", issued)
	if err := m.ApplyVerdict(v); err != nil {
		t.Fatal(err)
	}

	// Inside the window the cached status holds.
	if got := m.HeartbeatFailed(issued.Add(24 * time.Hour)); got != license.StatusGrace {
		t.Errorf("status = %s inside window, want GRACE", got)
	}

	// Past the window the device fails closed.
	if got := m.HeartbeatFailed(issued.Add(CacheValidity + time.Minute)); got != license.StatusSuspended {
		t.Errorf("status = %s past window, want SUSPENDED", got)
	}
}

func TestHeartbeatFailureWithoutCacheStaysSuspended(t *testing.T) {
	m, _, _ := setupManager(t)
	m.Boot(time.Now())

	if got := m.HeartbeatFailed(time.Now()); got != license.StatusSuspended {
		t.Errorf("status = %s, want SUSPENDED", got)
	}
}

func TestKillFlagSurvivesRestart(t *testing.T) {
	m, keys, dir := setupManager(t)

	if m.Killed() {
		t.Fatal("fresh manager reports killed")
	}
	if err := m.SetKilled("kill switch issued", time.Now()); err != nil {
		t.Fatal(err)
	}
	if !m.Killed() {
		t.Fatal("SetKilled did not take")
	}

	reborn := NewManager(dir, "dev-1", keys.PublicKeyBase64())
	reborn.Boot(time.Now())
	if !reborn.Killed() {
		t.Fatal("kill flag lost across restart")
	}
	if snap := reborn.Current(); snap.KillNote != "kill switch issued" {
		t.Errorf("kill note = %q", snap.KillNote)
	}

	if err := reborn.ClearKilled(); err != nil {
		t.Fatal(err)
	}
	if reborn.Killed() {
		t.Fatal("ClearKilled did not take")
	}

	// Cleared flag stays cleared after another restart.
	again := NewManager(dir, "dev-1", keys.PublicKeyBase64())
	again.Boot(time.Now())
	if again.Killed() {
		t.Fatal("kill flag resurrected after clear")
	}
}

func TestClearKilledWithoutFlagIsNoop(t *testing.T) {
	m, _, _ := setupManager(t)
	if err := m.ClearKilled(); err != nil {
		t.Fatalf("clearing an absent flag: %v", err)
	}
}

func TestPaymentConfigHash(t *testing.T) {
	m, _, _ := setupManager(t)

	if got := m.PaymentConfigHash(); got != "" {
		t.Errorf("hash = %q with no config, want empty", got)
	}

	plain := []byte(`{"merchant_id":"m-1","api_key":"k-1"}`)
	if err := m.WritePaymentConfig(plain); err != nil {
		t.Fatal(err)
	}

	want := crypto.SHA256Hex(plain)
	if got := m.PaymentConfigHash(); got != want {
		t.Errorf("hash = %s, want %s", got, want)
	}

	// Replacing the config changes the hash.
	if err := m.WritePaymentConfig([]byte(`{"merchant_id":"m-2"}`)); err != nil {
		t.Fatal(err)
	}
	if got := m.PaymentConfigHash(); got == want {
		t.Error("hash unchanged after config replacement")
	}
}

func TestMergeConfig(t *testing.T) {
	m, _, dir := setupManager(t)

	if err := m.MergeConfig(map[string]interface{}{"sync_interval": 30, "theme": "dark"}); err != nil {
		t.Fatal(err)
	}
	if err := m.MergeConfig(map[string]interface{}{"theme": "light"}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg["theme"] != "light" {
		t.Errorf("theme = %v, want light", cfg["theme"])
	}
	if cfg["sync_interval"] != float64(30) {
		t.Errorf("sync_interval = %v, merge dropped untouched key", cfg["sync_interval"])
	}
}
