// Package localapi is the device-local surface the hosted business
// application polls instead of ever talking to the control plane
// itself. It binds to loopback and answers two read-only endpoints.
package localapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Status is the agent's self-reported state. License and kill state
// come from the signed cache; the rest is operational color for
// debugging a device in the field.
type Status struct {
	License       string     `json:"license"`
	Reason        string     `json:"reason,omitempty"`
	Killed        bool       `json:"killed"`
	KillNote      string     `json:"kill_note,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	QueueDepth    int        `json:"queue_depth"`
	Stream        string     `json:"stream"`
	AgentVersion  string     `json:"agent_version"`
}

// Server answers GET /status and GET /health. The status callback runs
// per request so the answer is never stale.
type Server struct {
	status func() Status
	srv    *http.Server
}

func New(addr string, status func() Status) *Server {
	s := &Server{status: status}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed separately so tests can drive the
// handlers without binding a port.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Start serves until Shutdown; a clean stop returns nil.
func (s *Server) Start() error {
	log.Printf("[LocalAPI] listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status())
}

// handleHealth reports process liveness only. A suspended or killed
// device is still alive in this sense; callers wanting license state
// read /status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[LocalAPI] write response: %v", err)
	}
}
