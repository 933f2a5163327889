package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"warden/internal/crypto"
)

// RegisterResult is the outcome of enrollment: the identity and secret
// everything else runs on. Secret arrives sealed to the device key and
// leaves this function already opened.
type RegisterResult struct {
	DeviceID         string
	Secret           string
	ServerPublicKey  string
	HeartbeatSeconds int
}

// Register performs the one-time enrollment handshake. token is the
// admin-issued single-use registration token; keys is the device's RSA
// pair, whose public half the server seals the shared secret to.
func Register(serverURL, token, fingerprint, agentVersion string, keys *crypto.DeviceKeys) (*RegisterResult, error) {
	body, err := json.Marshal(map[string]string{
		"token":        token,
		"fingerprint":  fingerprint,
		"publicKey":    keys.PublicKeyPEM(),
		"agentVersion": agentVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("encode registration: %w", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Post(serverURL+registerPath, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("registration request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var payload struct {
		DeviceID         string `json:"deviceId"`
		EncryptedSecret  string `json:"encryptedSecret"`
		ServerPublicKey  string `json:"serverPublicKey"`
		HeartbeatSeconds int    `json:"heartbeatSeconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode registration response: %w", err)
	}
	if payload.DeviceID == "" || payload.EncryptedSecret == "" {
		return nil, errors.New("registration response missing device id or secret")
	}

	secret, err := keys.Open(payload.EncryptedSecret)
	if err != nil {
		return nil, fmt.Errorf("open sealed secret: %w", err)
	}
	if len(secret) == 0 {
		return nil, errors.New("sealed secret opened empty")
	}

	return &RegisterResult{
		DeviceID:         payload.DeviceID,
		Secret:           string(secret),
		ServerPublicKey:  payload.ServerPublicKey,
		HeartbeatSeconds: payload.HeartbeatSeconds,
	}, nil
}
