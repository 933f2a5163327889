// Package server is the control plane's HTTP surface: the device API
// (register, heartbeat, stream, ack) and the admin API behind JWTs.
package server

import (
	"encoding/json"
	"log"
	"net/http"
)

// Error codes agents and operator tooling branch on. The HTTP status
// alone cannot distinguish, say, a spent token from an expired one.
const (
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeTokenUsed          = "TOKEN_ALREADY_USED"
	CodeTokenInvalid       = "TOKEN_INVALID"
	CodeFingerprintClaimed = "FINGERPRINT_CLAIMED"
	CodeSignatureInvalid   = "SIGNATURE_INVALID"
	CodeAlreadyKilled      = "ALREADY_KILLED"
	CodeNotKilled          = "NOT_KILLED"
	CodeAckConflict        = "ACK_CONFLICT"
	CodeDecommissioned     = "DECOMMISSIONED"
)

// JSONResponse sends a JSON response.
func JSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[HTTP] Failed to encode JSON response: %v", err)
	}
}

// JSONError sends a JSON error response.
func JSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// JSONErrorCode sends a JSON error carrying a machine-readable code.
func JSONErrorCode(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
