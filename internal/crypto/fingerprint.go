package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// FingerprintVersion prefixes every fingerprint so the identifier set can
// evolve without colliding with values minted by older agents.
const FingerprintVersion = "v1"

// Fingerprint hashes a set of stable hardware identifiers into the
// versioned device fingerprint. Identifier order matters; empty
// identifiers are kept as empty fields so positions stay aligned across
// agents that could not read a particular value.
func Fingerprint(identifiers ...string) string {
	joined := strings.Join(identifiers, "|")
	sum := sha256.Sum256([]byte(joined))
	return FingerprintVersion + ":" + hex.EncodeToString(sum[:])
}

// SHA256Hex returns the hex SHA-256 of b. Config-drift detection compares
// these: the server hashes its canonical copy, the agent hashes the local
// file, byte for byte.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// randomHex returns n random bytes hex-encoded.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
