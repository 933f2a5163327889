package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Request signature headers. Every authenticated agent call carries all
// three; registration is the single endpoint that goes without them.
const (
	HeaderDeviceID  = "X-Warden-Device"
	HeaderTimestamp = "X-Warden-Timestamp"
	HeaderSignature = "X-Warden-Signature"
)

// SignatureWindow bounds how stale a signed request's timestamp may be,
// in either direction, before it is rejected as a possible replay.
const SignatureWindow = 5 * time.Minute

// canonicalRequest builds the string that is MACed. The body is folded in
// as its SHA-256 so the canonical form stays fixed-size, while still
// binding the signature to every body byte.
func canonicalRequest(method, path string, unixTS int64, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("v1|%s|%s|%d|%s", method, path, unixTS, hex.EncodeToString(sum[:]))
}

// SignRequest computes the hex HMAC-SHA256 of the canonical request using
// the device's shared secret.
func SignRequest(secret []byte, method, path string, unixTS int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonicalRequest(method, path, unixTS, body)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyRequest recomputes the request MAC from the stored secret and the
// request as received, and compares in constant time. The caller is
// responsible for having buffered the body so the bytes compared are
// exactly the bytes the handler will read.
func VerifyRequest(secret []byte, method, path string, unixTS int64, body []byte, signature string) bool {
	want := SignRequest(secret, method, path, unixTS, body)
	return hmac.Equal([]byte(want), []byte(signature))
}

// TimestampFresh reports whether a signed request's timestamp falls inside
// the replay window around now.
func TimestampFresh(unixTS int64, now time.Time) bool {
	delta := now.Sub(time.Unix(unixTS, 0))
	return delta >= -SignatureWindow && delta <= SignatureWindow
}

// NewSharedSecret returns a fresh 32-byte hex-encoded device signing
// secret.
func NewSharedSecret() (string, error) {
	return randomHex(32)
}
