package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"warden/internal/audit"
	"warden/internal/auth"
	"warden/internal/notify"
)

// ─── Alert channels ──────────────────────────────────────────────────────────

func (s *Server) handleNotifyProviders(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, notify.Providers())
}

type createChannelRequest struct {
	OrgID      string            `json:"orgId"`
	Name       string            `json:"name" validate:"required"`
	Provider   string            `json:"provider" validate:"required"`
	Fields     map[string]string `json:"fields" validate:"required"`
	Enabled    *bool             `json:"enabled"`
	OnCritical *bool             `json:"onCritical"`
	OnWarning  *bool             `json:"onWarning"`
	OnInfo     *bool             `json:"onInfo"`
	QuietStart string            `json:"quietStart"`
	QuietEnd   string            `json:"quietEnd"`
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req createChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		JSONError(w, "name, provider, and fields are required", http.StatusBadRequest)
		return
	}

	// Org admins configure channels for their own organization. A channel
	// with no organization receives events from the whole fleet, so only
	// supers create those.
	orgID := req.OrgID
	if claims.Role != auth.RoleSuper {
		if orgID != "" && orgID != claims.OrgID {
			JSONError(w, "cannot create channels outside your organization", http.StatusForbidden)
			return
		}
		orgID = claims.OrgID
		if orgID == "" {
			JSONError(w, "fleet-wide channels are managed by super admins", http.StatusForbidden)
			return
		}
	}

	if err := validQuietHours(req.QuietStart, req.QuietEnd); err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The raw provider fields are assembled into the delivery URL here
	// and never stored or echoed back.
	url, err := notify.BuildURL(req.Provider, req.Fields)
	if err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ch := &notify.Channel{
		OrgID:      orgID,
		Name:       req.Name,
		Provider:   req.Provider,
		URL:        url,
		Enabled:    boolOr(req.Enabled, true),
		OnCritical: boolOr(req.OnCritical, true),
		OnWarning:  boolOr(req.OnWarning, true),
		OnInfo:     boolOr(req.OnInfo, false),
		QuietStart: req.QuietStart,
		QuietEnd:   req.QuietEnd,
	}
	id, err := notify.CreateChannel(s.db, ch)
	if err != nil {
		log.Printf("[Admin] create alert channel failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.recordAudit(r, audit.Entry{
		OrgID:      orgID,
		Action:     audit.ActionAlertChannelCreate,
		EntityType: "alert_channel",
		EntityID:   strconv.FormatInt(id, 10),
		AfterState: stateJSON(map[string]string{"name": ch.Name, "provider": ch.Provider}),
	})

	created, err := notify.GetChannel(s.db, scopeFrom(r), id)
	if err != nil || created == nil {
		log.Printf("[Admin] reload alert channel failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, created)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	chans, err := notify.ListChannels(s.db, scopeFrom(r))
	if err != nil {
		log.Printf("[Admin] list alert channels failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if chans == nil {
		chans = []notify.Channel{}
	}
	JSONResponse(w, chans)
}

type updateChannelRequest struct {
	Name       string            `json:"name"`
	Provider   string            `json:"provider"`
	Fields     map[string]string `json:"fields"`
	Enabled    *bool             `json:"enabled"`
	OnCritical *bool             `json:"onCritical"`
	OnWarning  *bool             `json:"onWarning"`
	OnInfo     *bool             `json:"onInfo"`
	QuietStart *string           `json:"quietStart"`
	QuietEnd   *string           `json:"quietEnd"`
}

// handleUpdateChannel applies a partial update. Submitting provider
// fields re-assembles the delivery URL; omitting them keeps the stored
// one, so a rename never requires re-entering secrets.
func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	ch, done := s.loadChannel(w, r)
	if done {
		return
	}

	var req updateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Name != "" {
		ch.Name = req.Name
	}
	if len(req.Fields) > 0 {
		provider := req.Provider
		if provider == "" {
			provider = ch.Provider
		}
		url, err := notify.BuildURL(provider, req.Fields)
		if err != nil {
			JSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		ch.Provider = provider
		ch.URL = url
	} else if req.Provider != "" && req.Provider != ch.Provider {
		JSONError(w, "changing the provider requires its fields", http.StatusBadRequest)
		return
	}
	ch.Enabled = boolOr(req.Enabled, ch.Enabled)
	ch.OnCritical = boolOr(req.OnCritical, ch.OnCritical)
	ch.OnWarning = boolOr(req.OnWarning, ch.OnWarning)
	ch.OnInfo = boolOr(req.OnInfo, ch.OnInfo)
	if req.QuietStart != nil {
		ch.QuietStart = *req.QuietStart
	}
	if req.QuietEnd != nil {
		ch.QuietEnd = *req.QuietEnd
	}
	if err := validQuietHours(ch.QuietStart, ch.QuietEnd); err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := notify.UpdateChannel(s.db, ch); err != nil {
		log.Printf("[Admin] update alert channel failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.recordAudit(r, audit.Entry{
		OrgID:      ch.OrgID,
		Action:     audit.ActionAlertChannelUpdate,
		EntityType: "alert_channel",
		EntityID:   strconv.FormatInt(ch.ID, 10),
		AfterState: stateJSON(map[string]string{"name": ch.Name, "provider": ch.Provider}),
	})
	JSONResponse(w, ch)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	ch, done := s.loadChannel(w, r)
	if done {
		return
	}

	if err := notify.DeleteChannel(s.db, ch.ID); err != nil {
		log.Printf("[Admin] delete alert channel failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.recordAudit(r, audit.Entry{
		OrgID:       ch.OrgID,
		Action:      audit.ActionAlertChannelDelete,
		EntityType:  "alert_channel",
		EntityID:    strconv.FormatInt(ch.ID, 10),
		BeforeState: stateJSON(map[string]string{"name": ch.Name, "provider": ch.Provider}),
	})
	JSONResponse(w, map[string]string{"status": "deleted"})
}

// ─── Rules ───────────────────────────────────────────────────────────────────

type channelRulesRequest struct {
	Rules []struct {
		EventType    string `json:"eventType" validate:"required"`
		Enabled      bool   `json:"enabled"`
		CooldownSecs int    `json:"cooldownSecs" validate:"gte=0"`
	} `json:"rules" validate:"dive"`
}

// handleChannelRules replaces the channel's per-event-type rule set.
func (s *Server) handleChannelRules(w http.ResponseWriter, r *http.Request) {
	ch, done := s.loadChannel(w, r)
	if done {
		return
	}

	var req channelRulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		JSONError(w, "each rule needs an eventType and a non-negative cooldown", http.StatusBadRequest)
		return
	}

	existing, err := notify.RulesFor(s.db, ch.ID)
	if err != nil {
		log.Printf("[Admin] load alert rules failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	submitted := make(map[string]bool, len(req.Rules))
	for _, in := range req.Rules {
		submitted[in.EventType] = true
		err := notify.UpsertRule(s.db, &notify.Rule{
			ChannelID:    ch.ID,
			EventType:    in.EventType,
			Enabled:      in.Enabled,
			CooldownSecs: in.CooldownSecs,
		})
		if err != nil {
			log.Printf("[Admin] upsert alert rule failed: %v", err)
			JSONError(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	for _, old := range existing {
		if !submitted[old.EventType] {
			if err := notify.DeleteRule(s.db, old.ID); err != nil {
				log.Printf("[Admin] delete alert rule failed: %v", err)
				JSONError(w, "internal error", http.StatusInternalServerError)
				return
			}
		}
	}

	rules, err := notify.RulesFor(s.db, ch.ID)
	if err != nil {
		log.Printf("[Admin] reload alert rules failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rules == nil {
		rules = []notify.Rule{}
	}
	JSONResponse(w, rules)
}

func (s *Server) handleListChannelRules(w http.ResponseWriter, r *http.Request) {
	ch, done := s.loadChannel(w, r)
	if done {
		return
	}
	rules, err := notify.RulesFor(s.db, ch.ID)
	if err != nil {
		log.Printf("[Admin] list alert rules failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rules == nil {
		rules = []notify.Rule{}
	}
	JSONResponse(w, rules)
}

// ─── Test delivery and history ───────────────────────────────────────────────

func (s *Server) handleTestChannel(w http.ResponseWriter, r *http.Request) {
	ch, done := s.loadChannel(w, r)
	if done {
		return
	}

	msg := fmt.Sprintf("[info] test alert from warden (channel %s)", ch.Name)
	sendErr := s.Sender.Send(ch.URL, msg)

	rec := &notify.Delivery{
		ChannelID: ch.ID,
		OrgID:     ch.OrgID,
		EventType: "test_alert",
		Message:   msg,
	}
	if sendErr != nil {
		rec.Status = notify.DeliveryFailed
		rec.Error = sendErr.Error()
	} else {
		rec.Status = notify.DeliverySent
		rec.SentAt = time.Now().UTC()
	}
	if _, err := notify.RecordDelivery(s.db, rec); err != nil {
		log.Printf("[Admin] record test delivery failed: %v", err)
	}

	if sendErr != nil {
		JSONError(w, "test delivery failed", http.StatusBadGateway)
		return
	}
	JSONResponse(w, map[string]string{"status": "sent"})
}

func (s *Server) handleNotifyHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := notify.RecentDeliveries(s.db, scopeFrom(r), limit)
	if err != nil {
		log.Printf("[Admin] delivery history failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []notify.Delivery{}
	}
	JSONResponse(w, history)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// loadChannel resolves the {id} route variable within the caller's
// scope. A channel outside the scope reads as absent.
func (s *Server) loadChannel(w http.ResponseWriter, r *http.Request) (*notify.Channel, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		JSONError(w, "invalid channel id", http.StatusBadRequest)
		return nil, true
	}

	ch, err := notify.GetChannel(s.db, scopeFrom(r), id)
	if err != nil {
		log.Printf("[Admin] alert channel lookup failed: %v", err)
		JSONError(w, "internal error", http.StatusInternalServerError)
		return nil, true
	}
	if ch == nil {
		JSONError(w, "channel not found", http.StatusNotFound)
		return nil, true
	}
	return ch, false
}

func validQuietHours(start, end string) error {
	if (start == "") != (end == "") {
		return fmt.Errorf("quietStart and quietEnd must be set together")
	}
	for _, v := range []string{start, end} {
		if v == "" {
			continue
		}
		if _, err := time.Parse("15:04", v); err != nil {
			return fmt.Errorf("quiet hours must be HH:MM")
		}
	}
	return nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
