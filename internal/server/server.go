package server

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"warden/internal/auth"
	"warden/internal/crypto"
	"warden/internal/events"
	"warden/internal/notify"
	"warden/internal/stream"
)

// Server wires the HTTP surface to storage, keys, and the event bus.
type Server struct {
	db       *sql.DB
	keys     *crypto.ServerKeys
	bus      *events.Bus
	tokens   *auth.TokenService
	broker   *stream.Broker
	stream   *stream.Stream
	validate *validator.Validate
	limiter  *RateLimiter
	sockets  *eventHub

	// Sender delivers the alert-channel test message. Swappable so tests
	// do not push to real services.
	Sender notify.Sender
}

// New builds the server and connects the command queue to the push
// stream: every command_created event wakes the target device's stream.
func New(db *sql.DB, keys *crypto.ServerKeys, bus *events.Bus, tokens *auth.TokenService) *Server {
	broker := stream.NewBroker()
	s := &Server{
		db:       db,
		keys:     keys,
		bus:      bus,
		tokens:   tokens,
		broker:   broker,
		stream:   stream.NewStream(db, bus, broker),
		validate: validator.New(),
		limiter:  NewRateLimiter(10, time.Minute),
		sockets:  newEventHub(bus),
		Sender:   notify.ShoutrrrSender{},
	}

	bus.Subscribe(func(e events.Event) {
		if e.DeviceID != "" {
			broker.Wake(e.DeviceID)
		}
	}, events.CommandCreated)

	return s
}

// Routes builds the full router.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	// Device surface. Registration is the single unauthenticated entry
	// point, gated by its one-time token and rate limited per IP.
	api.HandleFunc("/register", s.limiter.Limit(s.handleRegister)).Methods(http.MethodPost)
	api.HandleFunc("/heartbeat", s.deviceAuth(s.handleHeartbeat)).Methods(http.MethodPost)
	api.HandleFunc("/commands/stream", s.deviceAuth(s.handleStream)).Methods(http.MethodGet)
	api.HandleFunc("/commands/{id}/ack", s.deviceAuth(s.handleAck)).Methods(http.MethodPost)

	// Admin surface.
	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	admin.HandleFunc("/events", s.adminAuth(s.handleEventSocket)).Methods(http.MethodGet)

	admin.HandleFunc("/orgs", s.adminAuth(s.handleCreateOrg)).Methods(http.MethodPost)
	admin.HandleFunc("/orgs", s.adminAuth(s.handleListOrgs)).Methods(http.MethodGet)
	admin.HandleFunc("/orgs/{id}/subscription", s.adminAuth(s.handleUpdateSubscription)).Methods(http.MethodPut)

	admin.HandleFunc("/locations", s.adminAuth(s.handleCreateLocation)).Methods(http.MethodPost)
	admin.HandleFunc("/locations", s.adminAuth(s.handleListLocations)).Methods(http.MethodGet)
	admin.HandleFunc("/locations/{id}/active", s.adminAuth(s.handleSetLocationActive)).Methods(http.MethodPut)
	admin.HandleFunc("/locations/{id}/payment-config", s.adminAuth(s.handleSetPaymentConfig)).Methods(http.MethodPut)

	admin.HandleFunc("/tokens", s.adminAuth(s.handleMintToken)).Methods(http.MethodPost)
	admin.HandleFunc("/tokens", s.adminAuth(s.handleListTokens)).Methods(http.MethodGet)

	admin.HandleFunc("/devices", s.adminAuth(s.handleListDevices)).Methods(http.MethodGet)
	admin.HandleFunc("/devices/{id}", s.adminAuth(s.handleGetDevice)).Methods(http.MethodGet)
	admin.HandleFunc("/devices/{id}/kill", s.adminAuth(s.handleKillDevice)).Methods(http.MethodPost)
	admin.HandleFunc("/devices/{id}/revive", s.adminAuth(s.handleReviveDevice)).Methods(http.MethodPost)
	admin.HandleFunc("/devices/{id}/decommission", s.adminAuth(s.handleDecommissionDevice)).Methods(http.MethodPost)
	admin.HandleFunc("/devices/{id}/commands", s.adminAuth(s.handleCreateCommand)).Methods(http.MethodPost)
	admin.HandleFunc("/devices/{id}/commands", s.adminAuth(s.handleListCommands)).Methods(http.MethodGet)
	admin.HandleFunc("/devices/{id}/audit", s.adminAuth(s.handleDeviceAudit)).Methods(http.MethodGet)

	admin.HandleFunc("/notifications/providers", s.adminAuth(s.handleNotifyProviders)).Methods(http.MethodGet)
	admin.HandleFunc("/notifications/history", s.adminAuth(s.handleNotifyHistory)).Methods(http.MethodGet)
	admin.HandleFunc("/notifications", s.adminAuth(s.handleCreateChannel)).Methods(http.MethodPost)
	admin.HandleFunc("/notifications", s.adminAuth(s.handleListChannels)).Methods(http.MethodGet)
	admin.HandleFunc("/notifications/{id}", s.adminAuth(s.handleUpdateChannel)).Methods(http.MethodPut)
	admin.HandleFunc("/notifications/{id}", s.adminAuth(s.handleDeleteChannel)).Methods(http.MethodDelete)
	admin.HandleFunc("/notifications/{id}/rules", s.adminAuth(s.handleChannelRules)).Methods(http.MethodPut)
	admin.HandleFunc("/notifications/{id}/rules", s.adminAuth(s.handleListChannelRules)).Methods(http.MethodGet)
	admin.HandleFunc("/notifications/{id}/test", s.adminAuth(s.handleTestChannel)).Methods(http.MethodPost)

	admin.HandleFunc("/audit", s.adminAuth(s.handleAudit)).Methods(http.MethodGet)

	r.Use(Logging)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		JSONError(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	JSONResponse(w, map[string]string{"status": "ok"})
}

// Shutdown tears down the live connections. In-flight request handlers
// are the HTTP server's business; this only closes what outlives a
// request: the dashboard sockets.
func (s *Server) Shutdown() {
	s.sockets.CloseAll()
}
