package identity

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEnrollmentRoundTrip(t *testing.T) {
	dir := t.TempDir()

	if got := Load(dir); got != nil {
		t.Fatalf("Load on empty dir = %+v, want nil", got)
	}

	e := &Enrollment{
		DeviceID:         "dev-1",
		Secret:           "aabbccdd",
		ServerURL:        "https://fleet.example.com",
		ServerPublicKey:  "c2VydmVyLWtleQ==",
		HeartbeatSeconds: 60,
		EnrolledAt:       time.Now().UTC().Truncate(time.Second),
	}
	if err := Save(dir, e); err != nil {
		t.Fatal(err)
	}

	got := Load(dir)
	if got == nil {
		t.Fatal("Load returned nil after Save")
	}
	if got.DeviceID != e.DeviceID || got.Secret != e.Secret {
		t.Errorf("loaded = %+v", got)
	}
	if got.HeartbeatSeconds != 60 {
		t.Errorf("heartbeat seconds = %d", got.HeartbeatSeconds)
	}
	if !got.EnrolledAt.Equal(e.EnrolledAt) {
		t.Errorf("enrolled at = %v, want %v", got.EnrolledAt, e.EnrolledAt)
	}
}

func TestEnrollmentFileIsPrivate(t *testing.T) {
	dir := t.TempDir()
	if err := Save(dir, &Enrollment{DeviceID: "dev-1", Secret: "s"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(dir, "agent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, enrollment holds the signing secret and must be 600", info.Mode().Perm())
	}
}

func TestLoadRejectsCorruptOrPartialState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.json")

	os.WriteFile(path, []byte("{broken"), 0o600)
	if got := Load(dir); got != nil {
		t.Errorf("Load(corrupt) = %+v, want nil", got)
	}

	// A record without a secret cannot sign anything; treat as unenrolled.
	os.WriteFile(path, []byte(`{"device_id":"dev-1"}`), 0o600)
	if got := Load(dir); got != nil {
		t.Errorf("Load(partial) = %+v, want nil", got)
	}
}
