package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"warden/internal/commands"
	"warden/internal/crypto"
	"warden/internal/events"
	"warden/internal/license"
	"warden/internal/registry"
)

type heartbeatRequest struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemPercent   float64 `json:"mem_percent"`
	DiskPercent  float64 `json:"disk_percent"`
	AgentVersion string  `json:"agent_version"`
	ConfigHash   string  `json:"config_hash"`
}

type heartbeatResponse struct {
	LicenseStatus   license.Status     `json:"licenseStatus"`
	Reason          string             `json:"reason,omitempty"`
	Features        []string           `json:"features"`
	IssuedAt        int64              `json:"issuedAt"`
	Signature       string             `json:"signature"`
	PendingCommands []commands.Command `json:"pendingCommands"`
}

// handleHeartbeat updates presence and metrics, evaluates the license
// chain, and hands back pending commands as the fallback channel for
// devices without a live stream. Drift in the reported config hash is
// corrected here too, before the pending list is read, so the correction
// rides back in the same response.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	dev := deviceFrom(r)

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := registry.UpdateHeartbeat(s.db, dev.ID, registry.Metrics{
		CPUPercent:   req.CPUPercent,
		MemPercent:   req.MemPercent,
		DiskPercent:  req.DiskPercent,
		AgentVersion: req.AgentVersion,
		ConfigHash:   req.ConfigHash,
	}); err != nil {
		log.Printf("[Heartbeat] update failed for %s: %v", dev.ID, err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	loc, err := registry.GetLocationByID(s.db, dev.LocationID)
	if err != nil {
		log.Printf("[Heartbeat] location lookup failed for %s: %v", dev.ID, err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	org, err := registry.GetOrganization(s.db, dev.OrgID)
	if err != nil {
		log.Printf("[Heartbeat] organization lookup failed for %s: %v", dev.ID, err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	status, reason := license.Evaluate(dev, loc, org, now)
	tier := ""
	if org != nil {
		tier = org.Tier
	}
	verdict := license.Issue(s.keys, dev.ID, status, reason, tier, now)

	s.checkConfigDrift(dev, loc, req.ConfigHash)

	pending, err := commands.PendingForDevice(s.db, dev.ID)
	if err != nil {
		log.Printf("[Heartbeat] pending commands lookup failed for %s: %v", dev.ID, err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if pending == nil {
		pending = []commands.Command{}
	}

	JSONResponse(w, heartbeatResponse{
		LicenseStatus:   verdict.Status,
		Reason:          verdict.Reason,
		Features:        verdict.Features,
		IssuedAt:        verdict.IssuedAt,
		Signature:       verdict.Signature,
		PendingCommands: pending,
	})
}

// checkConfigDrift enqueues a sealed payment-config correction when the
// reported hash does not match the location's canonical copy. One
// outstanding correction suppresses further enqueues, so a device that
// keeps reporting the stale hash while the fix is in flight gets exactly
// one command.
func (s *Server) checkConfigDrift(dev *registry.Device, loc *registry.Location, reported string) {
	if loc == nil || loc.PaymentConfigHash == "" || reported == loc.PaymentConfigHash {
		return
	}
	// A killed device gets no fresh payment credentials.
	if dev.Status == registry.StatusKilled {
		return
	}

	outstanding, err := commands.OutstandingConfigSync(s.db, dev.ID)
	if err != nil {
		log.Printf("[Heartbeat] drift check failed for %s: %v", dev.ID, err)
		return
	}
	if outstanding != nil {
		return
	}

	sealed, err := crypto.SealForDevice(dev.PublicKey, []byte(loc.PaymentConfig))
	if err != nil {
		log.Printf("[Heartbeat] sealing payment config for %s failed: %v", dev.ID, err)
		return
	}
	payload, _ := json.Marshal(map[string]string{"sealed": sealed})

	cmd, err := commands.Create(s.db, commands.CreateInput{
		OrgID:     dev.OrgID,
		DeviceID:  dev.ID,
		Type:      commands.UpdatePaymentConfig,
		Payload:   string(payload),
		CreatedBy: "system",
	})
	if err != nil {
		log.Printf("[Heartbeat] drift correction enqueue failed for %s: %v", dev.ID, err)
		return
	}

	log.Printf("[Heartbeat] config drift on device %s, correction %s enqueued", dev.ID, cmd.ID)
	s.bus.Publish(events.Event{
		Type:     events.ConfigDrift,
		Severity: events.SeverityWarning,
		OrgID:    dev.OrgID,
		DeviceID: dev.ID,
		Message:  "device reported a stale config hash",
		Metadata: map[string]string{"reported": reported, "expected": loc.PaymentConfigHash},
	})
	s.publishCommandCreated(cmd)
}

// publishCommandCreated announces a fresh command on the bus. The stream
// broker listens for these to wake the device's live connection.
func (s *Server) publishCommandCreated(cmd *commands.Command) {
	s.bus.Publish(events.Event{
		Type:     events.CommandCreated,
		Severity: events.SeverityInfo,
		OrgID:    cmd.OrgID,
		DeviceID: cmd.DeviceID,
		Message:  "command enqueued",
		Metadata: map[string]string{"command_id": cmd.ID, "type": string(cmd.Type)},
	})
}
