// Package client is the agent's HTTP face toward the control plane:
// the one-time registration call and the HMAC-signed calls that follow.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"warden/internal/commands"
	"warden/internal/crypto"
	"warden/internal/license"
)

// Paths the agent calls. The signature covers the path verbatim, so
// these must match the server's routes exactly.
const (
	registerPath  = "/api/register"
	heartbeatPath = "/api/heartbeat"
	streamPath    = "/api/commands/stream"
	ackPathFmt    = "/api/commands/%s/ack"
)

// APIError is a non-2xx answer from the control plane, carrying the
// machine-readable code agents branch on.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Trust reports whether the rejection is a trust failure. Retrying
// cannot fix those; the operator has to act (new token, revive,
// re-registration).
func (e *APIError) Trust() bool {
	switch e.Code {
	case "TOKEN_EXPIRED", "TOKEN_ALREADY_USED", "TOKEN_INVALID",
		"FINGERPRINT_CLAIMED", "SIGNATURE_INVALID", "DECOMMISSIONED":
		return true
	}
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsTrust reports whether err is a trust rejection from the server.
func IsTrust(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Trust()
}

// Client signs and sends the enrolled agent's calls. The zero value is
// not usable; construct with New.
type Client struct {
	BaseURL   string
	DeviceID  string
	UserAgent string

	secret []byte
	http   *http.Client
	// stream connections outlive any sane request timeout; the server
	// bounds them instead.
	streamHTTP *http.Client
}

// New creates a signed client for an enrolled device.
func New(serverURL, deviceID, secret string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(serverURL, "/"),
		DeviceID:   deviceID,
		UserAgent:  "warden-agent",
		secret:     []byte(secret),
		http:       &http.Client{Timeout: 15 * time.Second},
		streamHTTP: &http.Client{},
	}
}

// Stats is what a heartbeat reports about the device.
type Stats struct {
	CPUPercent   float64
	MemPercent   float64
	DiskPercent  float64
	AgentVersion string
	ConfigHash   string
}

// HeartbeatResult is the server's answer: the signed verdict plus any
// commands still pending for this device.
type HeartbeatResult struct {
	Verdict license.Verdict
	Pending []commands.Command
}

// Heartbeat reports presence and metrics and returns the signed license
// verdict. The caller verifies the signature before acting on it.
func (c *Client) Heartbeat(ctx context.Context, stats Stats) (*HeartbeatResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"cpu_percent":   stats.CPUPercent,
		"mem_percent":   stats.MemPercent,
		"disk_percent":  stats.DiskPercent,
		"agent_version": stats.AgentVersion,
		"config_hash":   stats.ConfigHash,
	})
	if err != nil {
		return nil, fmt.Errorf("encode heartbeat: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, heartbeatPath, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var payload struct {
		LicenseStatus   license.Status     `json:"licenseStatus"`
		Reason          string             `json:"reason"`
		Features        []string           `json:"features"`
		IssuedAt        int64              `json:"issuedAt"`
		Signature       string             `json:"signature"`
		PendingCommands []commands.Command `json:"pendingCommands"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode heartbeat response: %w", err)
	}

	return &HeartbeatResult{
		Verdict: license.Verdict{
			DeviceID:  c.DeviceID,
			Status:    payload.LicenseStatus,
			Reason:    payload.Reason,
			Features:  payload.Features,
			IssuedAt:  payload.IssuedAt,
			Signature: payload.Signature,
		},
		Pending: payload.PendingCommands,
	}, nil
}

// Ack reports a command's execution outcome. A conflict (the command
// was already resolved differently) comes back as a trust-free
// *APIError with code ACK_CONFLICT; the server's recorded outcome
// stands.
func (c *Client) Ack(ctx context.Context, commandID string, success bool, detail string) error {
	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}
	body, err := json.Marshal(map[string]string{"status": status, "detail": detail})
	if err != nil {
		return fmt.Errorf("encode ack: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf(ackPathFmt, commandID), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// OpenStream opens the live command stream. lastEventID resumes after
// the given sequence number; zero starts from the full replay. The
// caller owns the response body.
func (c *Client) OpenStream(ctx context.Context, lastEventID int64) (*http.Response, error) {
	req, err := c.newSignedRequest(ctx, http.MethodGet, streamPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

// ─── private helpers ─────────────────────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := c.newSignedRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) newSignedRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	ts := time.Now().Unix()
	req.Header.Set(crypto.HeaderDeviceID, c.DeviceID)
	req.Header.Set(crypto.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(crypto.HeaderSignature, crypto.SignRequest(c.secret, method, path, ts, body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.UserAgent)
	return req, nil
}

func decodeError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	json.NewDecoder(resp.Body).Decode(&payload)
	if payload.Error == "" {
		payload.Error = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Code: payload.Code, Message: payload.Error}
}
