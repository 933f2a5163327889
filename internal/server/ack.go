package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"warden/internal/commands"
	"warden/internal/events"
)

type ackRequest struct {
	Status string `json:"status" validate:"required,oneof=SUCCESS FAILED"`
	Detail string `json:"detail"`
}

type ackResponse struct {
	CommandID string          `json:"commandId"`
	Status    commands.Status `json:"status"`
	Detail    string          `json:"detail,omitempty"`
}

// handleAck records a device's execution outcome. A duplicate ack of the
// same outcome is accepted quietly; a conflicting one is rejected so
// operator tooling can spot disagreement instead of silently coercing it.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	dev := deviceFrom(r)
	commandID := mux.Vars(r)["id"]

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		JSONError(w, "status must be SUCCESS or FAILED", http.StatusBadRequest)
		return
	}

	outcome := commands.StatusAcked
	if req.Status == "FAILED" {
		outcome = commands.StatusFailed
	}

	cmd, applied, err := commands.Ack(s.db, dev.ID, commandID, outcome, req.Detail)
	switch {
	case errors.Is(err, commands.ErrAckConflict):
		JSONErrorCode(w, fmt.Sprintf("command already resolved as %s", cmd.Status),
			CodeAckConflict, http.StatusConflict)
		return
	case err != nil:
		log.Printf("[Ack] ack failed for %s: %v", commandID, err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	case cmd == nil:
		// Unknown id and another device's command look the same on purpose.
		JSONError(w, "command not found", http.StatusNotFound)
		return
	}

	if applied {
		s.publishAck(cmd)
	}

	JSONResponse(w, ackResponse{CommandID: cmd.ID, Status: cmd.Status, Detail: cmd.Detail})
}

func (s *Server) publishAck(cmd *commands.Command) {
	e := events.Event{
		Type:     events.CommandAcked,
		Severity: events.SeverityInfo,
		OrgID:    cmd.OrgID,
		DeviceID: cmd.DeviceID,
		Message:  "command acknowledged",
		Metadata: map[string]string{"command_id": cmd.ID, "type": string(cmd.Type)},
	}
	if cmd.Status == commands.StatusFailed {
		e.Type = events.CommandFailed
		e.Severity = events.SeverityWarning
		e.Message = "command failed on device"
		e.Metadata["detail"] = cmd.Detail
	}
	s.bus.Publish(e)
}
