package server

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"warden/internal/auth"
	"warden/internal/events"
)

// ─── Admin Event Feed ─────────────────────────────────────────────────────────

// eventHub fans bus events out to connected admin dashboards over
// WebSocket. Broadcast only: clients never send anything meaningful,
// their read side exists to process pongs and closes.
type eventHub struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*wsClient]struct{}
}

// wsClient is one connected dashboard. orgID is "" for super admins, who
// see the whole fleet; org admins only receive their own tenant's events.
type wsClient struct {
	conn  *websocket.Conn
	send  chan events.Event
	orgID string
	done  chan struct{}
}

func newEventHub(bus *events.Bus) *eventHub {
	h := &eventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*wsClient]struct{}),
	}
	bus.Subscribe(h.broadcast)
	return h
}

// broadcast forwards an event to every connection allowed to see it. A
// client that cannot keep up loses events rather than stalling the bus.
func (h *eventHub) broadcast(e events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if c.orgID != "" && c.orgID != e.OrgID {
			continue
		}
		select {
		case c.send <- e:
		default:
		}
	}
}

// handleEventSocket upgrades an authenticated admin to the live feed.
func (s *Server) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	orgID := ""
	if claims.Role != auth.RoleSuper {
		if claims.OrgID == "" {
			JSONError(w, "session carries no organization", http.StatusForbidden)
			return
		}
		orgID = claims.OrgID
	}

	conn, err := s.sockets.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed for %s: %v", claims.Subject, err)
		return
	}

	c := &wsClient{
		conn:  conn,
		send:  make(chan events.Event, 32),
		orgID: orgID,
		done:  make(chan struct{}),
	}

	s.sockets.mu.Lock()
	s.sockets.conns[c] = struct{}{}
	s.sockets.mu.Unlock()

	log.Printf("[WS] admin %s connected to event feed", claims.Subject)

	go c.writeLoop()
	c.readLoop()

	s.sockets.mu.Lock()
	delete(s.sockets.conns, c)
	s.sockets.mu.Unlock()
	close(c.done)

	log.Printf("[WS] admin %s disconnected from event feed", claims.Subject)
}

// readLoop drains the client side until the connection dies. Incoming
// payloads are discarded; reading is what services pong frames.
func (c *wsClient) readLoop() {
	defer c.conn.Close()

	c.conn.SetReadLimit(4 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	}
}

// writeLoop serializes event frames and periodic pings onto the socket.
func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case e := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(e); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(10*time.Second)); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// CloseAll terminates every dashboard connection, for shutdown.
func (h *eventHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.conns {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(5*time.Second),
		)
		c.conn.Close()
		delete(h.conns, c)
	}
}
