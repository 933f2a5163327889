package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DeviceKeyBits is the size of the per-device RSA key pair. The private
// key never leaves the device; the server only ever sees the public half.
const DeviceKeyBits = 4096

const (
	deviceKeyFile    = "device.key"
	deviceKeyPEMType = "WARDEN DEVICE PRIVATE KEY"
	devicePubPEMType = "WARDEN DEVICE PUBLIC KEY"
)

// DeviceKeys holds a device's RSA-4096 key pair.
type DeviceKeys struct {
	PrivateKey *rsa.PrivateKey
}

// LoadOrGenerateDeviceKeys loads the device key pair from dataDir, or
// generates and saves a new one if none exists. Generation takes a few
// seconds at 4096 bits; it happens once per device lifetime.
func LoadOrGenerateDeviceKeys(dataDir string) (*DeviceKeys, error) {
	privPath := filepath.Join(dataDir, deviceKeyFile)

	if _, err := os.Stat(privPath); err == nil {
		return loadDeviceKeys(privPath)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create device data dir: %w", err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, DeviceKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate device key pair: %w", err)
	}

	block := &pem.Block{Type: deviceKeyPEMType, Bytes: x509.MarshalPKCS1PrivateKey(priv)}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("write device key: %w", err)
	}

	return &DeviceKeys{PrivateKey: priv}, nil
}

// PublicKeyPEM returns the PEM-encoded public key for registration.
func (k *DeviceKeys) PublicKeyPEM() string {
	der, err := x509.MarshalPKIXPublicKey(&k.PrivateKey.PublicKey)
	if err != nil {
		return ""
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: devicePubPEMType, Bytes: der}))
}

// Open decrypts a base64 RSA-OAEP sealed payload with the device private key.
func (k *DeviceKeys) Open(sealedBase64 string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(sealedBase64)
	if err != nil {
		return nil, fmt.Errorf("decode sealed payload: %w", err)
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.PrivateKey, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed payload: %w", err)
	}
	return plain, nil
}

// SealForDevice encrypts plain with RSA-OAEP(SHA-256) to the given
// PEM-encoded device public key and returns base64. The server uses this
// for the registration secret handoff and for payment configuration
// payloads, both of which only the device's private key can recover.
func SealForDevice(publicKeyPEM string, plain []byte) (string, error) {
	pub, err := ParseDevicePublicKey(publicKeyPEM)
	if err != nil {
		return "", err
	}

	// OAEP caps the plaintext at k - 2*hLen - 2 bytes (446 for RSA-4096
	// with SHA-256). Everything sealed here is small: secrets and
	// payment configs.
	sealed, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plain, nil)
	if err != nil {
		return "", fmt.Errorf("seal for device: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// ParseDevicePublicKey parses a PEM-encoded RSA public key and checks the
// key size matches the 4096-bit requirement.
func ParseDevicePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("invalid device public key PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse device public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("device public key is not RSA")
	}
	if pub.Size()*8 != DeviceKeyBits {
		return nil, fmt.Errorf("device public key is %d bits, want %d", pub.Size()*8, DeviceKeyBits)
	}
	return pub, nil
}

func loadDeviceKeys(privPath string) (*DeviceKeys, error) {
	data, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("read device key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != deviceKeyPEMType {
		return nil, errors.New("invalid device key PEM format")
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse device key: %w", err)
	}

	return &DeviceKeys{PrivateKey: priv}, nil
}
