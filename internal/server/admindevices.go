package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"warden/internal/audit"
	"warden/internal/commands"
	"warden/internal/events"
	"warden/internal/registry"
)

// ─── Device reads ────────────────────────────────────────────────────────────

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r)

	var (
		devices []registry.Device
		err     error
	)
	if loc := r.URL.Query().Get("location"); loc != "" {
		devices, err = registry.ListDevicesByLocation(s.db, scope, loc)
	} else {
		devices, err = registry.ListDevices(s.db, scope)
	}
	if err != nil {
		log.Printf("[Admin] list devices failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if devices == nil {
		devices = []registry.Device{}
	}
	JSONResponse(w, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := registry.GetDevice(s.db, scopeFrom(r), mux.Vars(r)["id"])
	if err != nil {
		log.Printf("[Admin] device lookup failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if dev == nil {
		JSONError(w, "device not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, dev)
}

// ─── Lifecycle transitions ────────────────────────────────────────────────────

// handleKillDevice flips the device to KILLED, enqueues the critical
// KILL_SWITCH, and writes the audit entry, all in one transaction.
func (s *Server) handleKillDevice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	dev, err := registry.GetDevice(s.db, scopeFrom(r), mux.Vars(r)["id"])
	if err != nil {
		log.Printf("[Admin] device lookup failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if dev == nil {
		JSONError(w, "device not found", http.StatusNotFound)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback()

	if err := registry.KillDeviceTx(tx, dev.ID); err != nil {
		s.transitionError(w, err)
		return
	}
	cmd, err := commands.CreateTx(tx, commands.CreateInput{
		OrgID:     dev.OrgID,
		DeviceID:  dev.ID,
		Type:      commands.KillSwitch,
		CreatedBy: claims.Subject,
	})
	if err != nil {
		log.Printf("[Admin] kill switch enqueue failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.auditTx(tx, claims, audit.Entry{
		OrgID:       dev.OrgID,
		Action:      audit.ActionDeviceKill,
		EntityType:  "device",
		EntityID:    dev.ID,
		BeforeState: stateJSON(map[string]string{"status": string(dev.Status)}),
		AfterState:  stateJSON(map[string]string{"status": string(registry.StatusKilled)}),
	}); err != nil {
		log.Printf("[Admin] kill audit failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(); err != nil {
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	log.Printf("[Admin] device %s killed by %s", dev.ID, claims.Subject)
	s.bus.Publish(events.Event{
		Type:     events.DeviceKilled,
		Severity: events.SeverityCritical,
		OrgID:    dev.OrgID,
		DeviceID: dev.ID,
		Message:  "device killed by operator",
		Metadata: map[string]string{"actor": claims.Subject},
	})
	s.publishCommandCreated(cmd)

	JSONResponse(w, map[string]string{"status": string(registry.StatusKilled), "commandId": cmd.ID})
}

// handleReviveDevice restores a killed device: status back to ACTIVE, any
// outstanding KILL_SWITCH expired so a delayed delivery cannot re-kill,
// and a revive UPDATE_CONFIG enqueued, atomically.
func (s *Server) handleReviveDevice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	dev, err := registry.GetDevice(s.db, scopeFrom(r), mux.Vars(r)["id"])
	if err != nil {
		log.Printf("[Admin] device lookup failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if dev == nil {
		JSONError(w, "device not found", http.StatusNotFound)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback()

	if err := registry.ReviveDeviceTx(tx, dev.ID); err != nil {
		s.transitionError(w, err)
		return
	}
	if _, err := commands.ExpireKillSwitchesTx(tx, dev.ID); err != nil {
		log.Printf("[Admin] kill switch expiry failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	cmd, err := commands.CreateTx(tx, commands.CreateInput{
		OrgID:     dev.OrgID,
		DeviceID:  dev.ID,
		Type:      commands.UpdateConfig,
		Priority:  commands.PriorityCritical,
		Payload:   `{"action":"revive"}`,
		CreatedBy: claims.Subject,
	})
	if err != nil {
		log.Printf("[Admin] revive enqueue failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.auditTx(tx, claims, audit.Entry{
		OrgID:       dev.OrgID,
		Action:      audit.ActionDeviceRevive,
		EntityType:  "device",
		EntityID:    dev.ID,
		BeforeState: stateJSON(map[string]string{"status": string(dev.Status)}),
		AfterState:  stateJSON(map[string]string{"status": string(registry.StatusActive)}),
	}); err != nil {
		log.Printf("[Admin] revive audit failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(); err != nil {
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	log.Printf("[Admin] device %s revived by %s", dev.ID, claims.Subject)
	s.bus.Publish(events.Event{
		Type:     events.DeviceRevived,
		Severity: events.SeverityInfo,
		OrgID:    dev.OrgID,
		DeviceID: dev.ID,
		Message:  "device revived by operator",
		Metadata: map[string]string{"actor": claims.Subject},
	})
	s.publishCommandCreated(cmd)

	JSONResponse(w, map[string]string{"status": string(registry.StatusActive), "commandId": cmd.ID})
}

// handleDecommissionDevice retires a device for good. Its outstanding
// commands are expired with it: nothing will ever connect to collect them.
func (s *Server) handleDecommissionDevice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	dev, err := registry.GetDevice(s.db, scopeFrom(r), mux.Vars(r)["id"])
	if err != nil {
		log.Printf("[Admin] device lookup failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if dev == nil {
		JSONError(w, "device not found", http.StatusNotFound)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback()

	if err := registry.DecommissionDeviceTx(tx, dev.ID); err != nil {
		s.transitionError(w, err)
		return
	}
	if _, err := commands.ExpireAllTx(tx, dev.ID); err != nil {
		log.Printf("[Admin] command expiry failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.auditTx(tx, claims, audit.Entry{
		OrgID:       dev.OrgID,
		Action:      audit.ActionDeviceDecommission,
		EntityType:  "device",
		EntityID:    dev.ID,
		BeforeState: stateJSON(map[string]string{"status": string(dev.Status)}),
		AfterState:  stateJSON(map[string]string{"status": string(registry.StatusDecommissioned)}),
	}); err != nil {
		log.Printf("[Admin] decommission audit failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(); err != nil {
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	log.Printf("[Admin] device %s decommissioned by %s", dev.ID, claims.Subject)
	s.bus.Publish(events.Event{
		Type:     events.DeviceDecommission,
		Severity: events.SeverityWarning,
		OrgID:    dev.OrgID,
		DeviceID: dev.ID,
		Message:  "device decommissioned",
		Metadata: map[string]string{"actor": claims.Subject},
	})

	JSONResponse(w, map[string]string{"status": string(registry.StatusDecommissioned)})
}

func (s *Server) transitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrAlreadyKilled):
		JSONErrorCode(w, "device is already killed", CodeAlreadyKilled, http.StatusConflict)
	case errors.Is(err, registry.ErrNotKilled):
		JSONErrorCode(w, "device is not killed", CodeNotKilled, http.StatusConflict)
	case errors.Is(err, registry.ErrDecommissioned):
		JSONErrorCode(w, "device is decommissioned", CodeDecommissioned, http.StatusConflict)
	default:
		log.Printf("[Admin] device transition failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
	}
}

// ─── Commands ────────────────────────────────────────────────────────────────

type createCommandRequest struct {
	// KILL_SWITCH and UPDATE_PAYMENT_CONFIG have dedicated flows (the kill
	// endpoint, the payment-config endpoint) and are rejected here.
	Type       string `json:"type" validate:"required,oneof=FORCE_SYNC UPDATE_CONFIG FORCE_UPDATE"`
	Payload    string `json:"payload"`
	Priority   string `json:"priority" validate:"omitempty,oneof=normal critical"`
	TTLSeconds int    `json:"ttlSeconds" validate:"gte=0,lte=604800"`
}

func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req createCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		JSONError(w, "type must be FORCE_SYNC, UPDATE_CONFIG, or FORCE_UPDATE", http.StatusBadRequest)
		return
	}
	if req.Payload != "" && !json.Valid([]byte(req.Payload)) {
		JSONError(w, "payload must be a JSON document", http.StatusBadRequest)
		return
	}

	dev, err := registry.GetDevice(s.db, scopeFrom(r), mux.Vars(r)["id"])
	if err != nil {
		log.Printf("[Admin] device lookup failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if dev == nil {
		JSONError(w, "device not found", http.StatusNotFound)
		return
	}
	if dev.Status == registry.StatusDecommissioned {
		JSONErrorCode(w, "device is decommissioned", CodeDecommissioned, http.StatusConflict)
		return
	}

	cmd, err := commands.Create(s.db, commands.CreateInput{
		OrgID:     dev.OrgID,
		DeviceID:  dev.ID,
		Type:      commands.CommandType(req.Type),
		Priority:  commands.Priority(req.Priority),
		Payload:   req.Payload,
		CreatedBy: claims.Subject,
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		log.Printf("[Admin] command enqueue failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.recordAudit(r, audit.Entry{
		OrgID:      dev.OrgID,
		Action:     audit.ActionCommandCreate,
		EntityType: "command",
		EntityID:   cmd.ID,
		AfterState: stateJSON(map[string]string{"type": req.Type, "device_id": dev.ID}),
	})
	s.publishCommandCreated(cmd)

	JSONResponse(w, cmd)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := commands.ListForDevice(s.db, scopeFrom(r), mux.Vars(r)["id"], limit)
	if err != nil {
		log.Printf("[Admin] list commands failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []commands.Command{}
	}
	JSONResponse(w, list)
}

// ─── Audit reads ─────────────────────────────────────────────────────────────

func (s *Server) handleDeviceAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := audit.ListForEntity(s.db, scopeFrom(r), "device", mux.Vars(r)["id"])
	if err != nil {
		log.Printf("[Admin] device audit read failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	JSONResponse(w, entries)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := audit.ListRecent(s.db, scopeFrom(r), limit)
	if err != nil {
		log.Printf("[Admin] audit read failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	JSONResponse(w, entries)
}
