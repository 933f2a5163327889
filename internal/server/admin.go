package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"warden/internal/audit"
	"warden/internal/auth"
	"warden/internal/registry"
)

// ─── Login ───────────────────────────────────────────────────────────────────

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		JSONError(w, "username and password are required", http.StatusBadRequest)
		return
	}

	user, err := auth.Authenticate(s.db, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			JSONError(w, "invalid username or password", http.StatusUnauthorized)
			return
		}
		log.Printf("[Admin] login failed for %s: %v", req.Username, err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		log.Printf("[Admin] token issue failed for %s: %v", req.Username, err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	JSONResponse(w, map[string]string{
		"token": token,
		"role":  user.Role,
		"orgId": user.OrgID,
	})
}

// ─── Organizations ───────────────────────────────────────────────────────────

type createOrgRequest struct {
	Name string `json:"name" validate:"required"`
	Tier string `json:"tier" validate:"omitempty,oneof=standard pro enterprise"`
}

func (s *Server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if claims.Role != auth.RoleSuper {
		JSONError(w, "only super admins manage organizations", http.StatusForbidden)
		return
	}

	var req createOrgRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		JSONError(w, "name is required; tier must be standard, pro, or enterprise", http.StatusBadRequest)
		return
	}
	if req.Tier == "" {
		req.Tier = "standard"
	}

	org, err := registry.CreateOrganization(s.db, req.Name, req.Tier)
	if err != nil {
		log.Printf("[Admin] create organization failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.recordAudit(r, audit.Entry{
		OrgID:      org.ID,
		Action:     audit.ActionOrgCreate,
		EntityType: "organization",
		EntityID:   org.ID,
		AfterState: stateJSON(map[string]string{"name": org.Name, "tier": org.Tier}),
	})
	JSONResponse(w, org)
}

func (s *Server) handleListOrgs(w http.ResponseWriter, r *http.Request) {
	orgs, err := registry.ListOrganizations(s.db, scopeFrom(r))
	if err != nil {
		log.Printf("[Admin] list organizations failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if orgs == nil {
		orgs = []registry.Organization{}
	}
	JSONResponse(w, orgs)
}

type subscriptionRequest struct {
	Status          string `json:"status" validate:"required,oneof=active past_due cancelled"`
	ExpiresAt       string `json:"expiresAt"` // RFC 3339, empty clears the anchor
	GracePeriodDays int    `json:"gracePeriodDays" validate:"gte=0,lte=90"`
}

// handleUpdateSubscription applies a billing change pushed by the
// upstream billing system. Super only: tenants do not edit their own
// standing.
func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if claims.Role != auth.RoleSuper {
		JSONError(w, "only super admins manage subscriptions", http.StatusForbidden)
		return
	}
	orgID := mux.Vars(r)["id"]

	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		JSONError(w, "status must be active, past_due, or cancelled", http.StatusBadRequest)
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			JSONError(w, "expiresAt must be RFC 3339", http.StatusBadRequest)
			return
		}
		expiresAt = &t
	}

	org, err := registry.GetOrganization(s.db, orgID)
	if err != nil {
		log.Printf("[Admin] organization lookup failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if org == nil {
		JSONError(w, "organization not found", http.StatusNotFound)
		return
	}

	if err := registry.UpdateSubscription(s.db, orgID,
		registry.SubscriptionStatus(req.Status), expiresAt, req.GracePeriodDays); err != nil {
		log.Printf("[Admin] subscription update failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.recordAudit(r, audit.Entry{
		OrgID:       orgID,
		Action:      audit.ActionSubscriptionUpdate,
		EntityType:  "organization",
		EntityID:    orgID,
		BeforeState: stateJSON(map[string]string{"status": string(org.SubscriptionStatus)}),
		AfterState:  stateJSON(map[string]string{"status": req.Status}),
	})
	JSONResponse(w, map[string]string{"status": "updated"})
}

// ─── Locations ───────────────────────────────────────────────────────────────

type createLocationRequest struct {
	OrgID string `json:"orgId"`
	Name  string `json:"name" validate:"required"`
}

func (s *Server) handleCreateLocation(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req createLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		JSONError(w, "name is required", http.StatusBadRequest)
		return
	}

	// Org admins create under their own organization; supers name one.
	orgID := req.OrgID
	if claims.Role != auth.RoleSuper {
		if orgID != "" && orgID != claims.OrgID {
			JSONError(w, "cannot create locations outside your organization", http.StatusForbidden)
			return
		}
		orgID = claims.OrgID
	}
	if orgID == "" {
		JSONError(w, "orgId is required", http.StatusBadRequest)
		return
	}

	loc, err := registry.CreateLocation(s.db, orgID, req.Name)
	if err != nil {
		log.Printf("[Admin] create location failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.recordAudit(r, audit.Entry{
		OrgID:      orgID,
		Action:     audit.ActionLocationCreate,
		EntityType: "location",
		EntityID:   loc.ID,
		AfterState: stateJSON(map[string]string{"name": loc.Name}),
	})
	JSONResponse(w, loc)
}

func (s *Server) handleListLocations(w http.ResponseWriter, r *http.Request) {
	locs, err := registry.ListLocations(s.db, scopeFrom(r))
	if err != nil {
		log.Printf("[Admin] list locations failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if locs == nil {
		locs = []registry.Location{}
	}
	JSONResponse(w, locs)
}

type locationActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

func (s *Server) handleSetLocationActive(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req locationActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		JSONError(w, "active is required", http.StatusBadRequest)
		return
	}

	loc, err := registry.GetLocation(s.db, scopeFrom(r), id)
	if err != nil {
		log.Printf("[Admin] location lookup failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if loc == nil {
		JSONError(w, "location not found", http.StatusNotFound)
		return
	}

	if err := registry.SetLocationActive(s.db, id, *req.Active); err != nil {
		log.Printf("[Admin] location toggle failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.recordAudit(r, audit.Entry{
		OrgID:       loc.OrgID,
		Action:      audit.ActionLocationToggle,
		EntityType:  "location",
		EntityID:    loc.ID,
		BeforeState: stateJSON(map[string]bool{"active": loc.Active}),
		AfterState:  stateJSON(map[string]bool{"active": *req.Active}),
	})
	JSONResponse(w, map[string]string{"status": "updated"})
}

type paymentConfigRequest struct {
	Config string `json:"config" validate:"required"`
}

// handleSetPaymentConfig stores the canonical payment configuration for a
// location. Devices converge on it through the heartbeat drift check; the
// plaintext never appears in responses or the audit log, only its hash.
func (s *Server) handleSetPaymentConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req paymentConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		JSONError(w, "config is required", http.StatusBadRequest)
		return
	}
	if !json.Valid([]byte(req.Config)) {
		JSONError(w, "config must be a JSON document", http.StatusBadRequest)
		return
	}

	loc, err := registry.GetLocation(s.db, scopeFrom(r), id)
	if err != nil {
		log.Printf("[Admin] location lookup failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if loc == nil {
		JSONError(w, "location not found", http.StatusNotFound)
		return
	}

	hash, err := registry.SetLocationPaymentConfig(s.db, id, req.Config)
	if err != nil {
		log.Printf("[Admin] payment config update failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.recordAudit(r, audit.Entry{
		OrgID:       loc.OrgID,
		Action:      audit.ActionPaymentConfigSet,
		EntityType:  "location",
		EntityID:    loc.ID,
		BeforeState: stateJSON(map[string]string{"hash": loc.PaymentConfigHash}),
		AfterState:  stateJSON(map[string]string{"hash": hash}),
	})
	JSONResponse(w, map[string]string{"hash": hash})
}

// ─── Registration tokens ─────────────────────────────────────────────────────

type mintTokenRequest struct {
	LocationID string `json:"locationId" validate:"required"`
}

func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req mintTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		JSONError(w, "locationId is required", http.StatusBadRequest)
		return
	}

	// The scope check rides on the location lookup: an org admin cannot
	// mint tokens for a location it cannot see.
	loc, err := registry.GetLocation(s.db, scopeFrom(r), req.LocationID)
	if err != nil {
		log.Printf("[Admin] location lookup failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if loc == nil {
		JSONError(w, "location not found", http.StatusNotFound)
		return
	}

	tok, err := registry.MintToken(s.db, loc.OrgID, loc.ID, claims.Subject)
	if err != nil {
		log.Printf("[Admin] token mint failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.recordAudit(r, audit.Entry{
		OrgID:      loc.OrgID,
		Action:     audit.ActionTokenMint,
		EntityType: "registration_token",
		EntityID:   tok.Token,
		AfterState: stateJSON(map[string]string{"location_id": loc.ID}),
	})
	JSONResponse(w, tok)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	toks, err := registry.ListTokens(s.db, scopeFrom(r))
	if err != nil {
		log.Printf("[Admin] list tokens failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if toks == nil {
		toks = []registry.RegistrationToken{}
	}
	JSONResponse(w, toks)
}

// ─── Audit helpers ───────────────────────────────────────────────────────────

// recordAudit writes an entry for an admin mutation, stamping the actor
// from the session. When a super admin touches tenant-owned state, a
// second scope.bypass entry marks the cross-tenant act explicitly.
func (s *Server) recordAudit(r *http.Request, e audit.Entry) {
	claims := claimsFrom(r)
	e.Actor = claims.Subject
	if err := audit.Record(s.db, e); err != nil {
		log.Printf("[Audit] record failed: %v", err)
	}
	if needsBypassEntry(claims, e) {
		if err := audit.Record(s.db, bypassEntry(claims, e)); err != nil {
			log.Printf("[Audit] bypass record failed: %v", err)
		}
	}
}

// auditTx is recordAudit for handlers that own a transaction: the entries
// commit or roll back with the change itself.
func (s *Server) auditTx(tx *sql.Tx, claims *auth.Claims, e audit.Entry) error {
	e.Actor = claims.Subject
	if err := audit.RecordTx(tx, e); err != nil {
		return err
	}
	if needsBypassEntry(claims, e) {
		return audit.RecordTx(tx, bypassEntry(claims, e))
	}
	return nil
}

func needsBypassEntry(c *auth.Claims, e audit.Entry) bool {
	return c.Role == auth.RoleSuper && e.OrgID != ""
}

func bypassEntry(c *auth.Claims, e audit.Entry) audit.Entry {
	return audit.Entry{
		Actor:      c.Subject,
		Action:     audit.ActionScopeBypass,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		AfterState: stateJSON(map[string]string{"org_id": e.OrgID, "action": e.Action}),
	}
}

func stateJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
