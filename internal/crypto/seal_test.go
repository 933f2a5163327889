package crypto

import (
	"strings"
	"sync"
	"testing"
)

// Device key generation at 4096 bits is slow, so all seal tests share one
// key pair.
var (
	testKeysOnce sync.Once
	testKeys     *DeviceKeys
	testKeysErr  error
)

func deviceKeysForTest(t *testing.T) *DeviceKeys {
	t.Helper()
	testKeysOnce.Do(func() {
		testKeys, testKeysErr = LoadOrGenerateDeviceKeys(t.TempDir())
	})
	if testKeysErr != nil {
		t.Fatal(testKeysErr)
	}
	return testKeys
}

func TestSealOpenRoundTrip(t *testing.T) {
	keys := deviceKeysForTest(t)

	secret := []byte("a-shared-signing-secret")
	sealed, err := SealForDevice(keys.PublicKeyPEM(), secret)
	if err != nil {
		t.Fatal(err)
	}
	if sealed == string(secret) {
		t.Fatal("sealed payload should not equal plaintext")
	}

	opened, err := keys.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if string(opened) != string(secret) {
		t.Errorf("opened = %q, want %q", opened, secret)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	keys := deviceKeysForTest(t)

	if _, err := keys.Open("not-base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := keys.Open("aGVsbG8="); err == nil {
		t.Error("expected error for undersized ciphertext")
	}
}

func TestParseDevicePublicKeyRejectsBadInput(t *testing.T) {
	if _, err := ParseDevicePublicKey("not a pem block"); err == nil {
		t.Error("expected error for non-PEM input")
	}

	_, err := ParseDevicePublicKey("-----BEGIN WARDEN DEVICE PUBLIC KEY-----\naGVsbG8=\n-----END WARDEN DEVICE PUBLIC KEY-----\n")
	if err == nil || !strings.Contains(err.Error(), "parse device public key") {
		t.Errorf("expected parse error, got: %v", err)
	}
}

func TestDeviceKeysPersistAcrossLoads(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerateDeviceKeys(dir)
	if err != nil {
		t.Fatal(err)
	}

	second, err := LoadOrGenerateDeviceKeys(dir)
	if err != nil {
		t.Fatal(err)
	}

	if first.PublicKeyPEM() != second.PublicKeyPEM() {
		t.Error("reloading from the same dir should return the same key pair")
	}
}
