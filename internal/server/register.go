package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"warden/internal/crypto"
	"warden/internal/events"
	"warden/internal/registry"
)

// DefaultHeartbeatSeconds is the interval handed to an agent at
// registration. Agents treat it as the floor between heartbeats.
const DefaultHeartbeatSeconds = 60

type registerRequest struct {
	Token        string `json:"token" validate:"required"`
	Fingerprint  string `json:"fingerprint" validate:"required"`
	PublicKey    string `json:"publicKey" validate:"required"`
	AgentVersion string `json:"agentVersion"`
}

type registerResponse struct {
	DeviceID         string `json:"deviceId"`
	EncryptedSecret  string `json:"encryptedSecret"`
	ServerPublicKey  string `json:"serverPublicKey"`
	HeartbeatSeconds int    `json:"heartbeatSeconds"`
}

// handleRegister is the one unauthenticated-by-signature endpoint. The
// shared secret is minted here and leaves only sealed under the device's
// RSA key, so eavesdropping on the response yields nothing usable.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		JSONError(w, "token, fingerprint, and publicKey are required", http.StatusBadRequest)
		return
	}
	if _, err := crypto.ParseDevicePublicKey(req.PublicKey); err != nil {
		JSONError(w, "publicKey is not a valid RSA public key", http.StatusBadRequest)
		return
	}

	secret, err := crypto.NewSharedSecret()
	if err != nil {
		log.Printf("[Register] secret generation failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	// Seal before touching the database: an unencryptable public key must
	// not consume the token.
	sealed, err := crypto.SealForDevice(req.PublicKey, []byte(secret))
	if err != nil {
		JSONError(w, "publicKey is not a valid RSA public key", http.StatusBadRequest)
		return
	}

	dev, err := registry.RegisterDevice(s.db, registry.RegisterInput{
		Token:        req.Token,
		Fingerprint:  req.Fingerprint,
		PublicKeyPEM: req.PublicKey,
		AgentVersion: req.AgentVersion,
		Secret:       secret,
	})
	if err != nil {
		s.registerError(w, r, err, req.Fingerprint)
		return
	}

	s.bus.Publish(events.Event{
		Type:     events.DeviceRegistered,
		Severity: events.SeverityInfo,
		OrgID:    dev.OrgID,
		DeviceID: dev.ID,
		Message:  "device registered",
		Metadata: map[string]string{"location_id": dev.LocationID, "ip": extractIP(r)},
	})

	JSONResponse(w, registerResponse{
		DeviceID:         dev.ID,
		EncryptedSecret:  sealed,
		ServerPublicKey:  s.keys.PublicKeyBase64(),
		HeartbeatSeconds: DefaultHeartbeatSeconds,
	})
}

func (s *Server) registerError(w http.ResponseWriter, r *http.Request, err error, fingerprint string) {
	switch {
	case errors.Is(err, registry.ErrTokenInvalid):
		JSONErrorCode(w, "registration token not recognized", CodeTokenInvalid, http.StatusUnauthorized)
	case errors.Is(err, registry.ErrTokenExpired):
		JSONErrorCode(w, "registration token expired", CodeTokenExpired, http.StatusUnauthorized)
	case errors.Is(err, registry.ErrTokenUsed):
		JSONErrorCode(w, "registration token already used", CodeTokenUsed, http.StatusConflict)
	case errors.Is(err, registry.ErrFingerprintClaimed):
		s.bus.Publish(events.Event{
			Type:     events.FingerprintAnomaly,
			Severity: events.SeverityCritical,
			Message:  "registration attempt against a claimed fingerprint",
			Metadata: map[string]string{"fingerprint": fingerprint, "ip": extractIP(r)},
		})
		JSONErrorCode(w, "fingerprint already claimed by another device", CodeFingerprintClaimed, http.StatusConflict)
	default:
		log.Printf("[Register] registration failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
	}
}
