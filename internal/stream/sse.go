package stream

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"warden/internal/commands"
	"warden/internal/events"
)

// Stream serves one device's command feed over SSE. Frames carry the
// command sequence number as the SSE id, so a reconnecting client resumes
// with a Last-Event-ID header.
type Stream struct {
	db     *sql.DB
	bus    *events.Bus
	broker *Broker

	// Keepalive is the comment-frame interval that flushes out dead
	// connections behind silent proxies.
	Keepalive time.Duration
	// MaxLifetime bounds a connection; the client reconnects and
	// re-authenticates afterwards.
	MaxLifetime time.Duration
}

// NewStream creates the SSE streamer with the standard 30s keepalive and
// 5 minute connection bound.
func NewStream(db *sql.DB, bus *events.Bus, broker *Broker) *Stream {
	return &Stream{
		db:          db,
		bus:         bus,
		broker:      broker,
		Keepalive:   30 * time.Second,
		MaxLifetime: 5 * time.Minute,
	}
}

// frame is the wire shape of one command event.
type frame struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Priority  string    `json:"priority"`
	Payload   string    `json:"payload,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Serve streams commands to an authenticated device until the client
// disconnects or the lifetime bound fires. The caller has already
// verified the request signature and resolved deviceID.
func (s *Stream) Serve(w http.ResponseWriter, r *http.Request, deviceID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastSeq, _ := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Nginx buffering bypass

	wake := s.broker.Subscribe(deviceID)
	defer s.broker.Unsubscribe(deviceID, wake)

	fmt.Fprintf(w, "event: connected\ndata: {\"device_id\":%q}\n\n", deviceID)
	flusher.Flush()

	// Replay pass: everything the client may have missed. Acked commands
	// are terminal and can never reappear here.
	cursor, err := s.deliver(w, flusher, deviceID, lastSeq, true)
	if err != nil {
		return
	}

	keepalive := time.NewTicker(s.Keepalive)
	defer keepalive.Stop()
	lifetime := time.NewTimer(s.MaxLifetime)
	defer lifetime.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-lifetime.C:
			// Bounded connection: tell the client to come back.
			fmt.Fprint(w, "event: reconnect\ndata: {}\n\n")
			flusher.Flush()
			return

		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-wake:
			cursor, err = s.deliver(w, flusher, deviceID, cursor, false)
			if err != nil {
				return
			}
		}
	}
}

// deliver runs one delivery pass: expire overdue commands, query what is
// due, write each frame, and record DELIVERED optimistically. Returns
// the advanced sequence cursor.
func (s *Stream) deliver(w http.ResponseWriter, flusher http.Flusher, deviceID string, cursor int64, replay bool) (int64, error) {
	if _, err := commands.Sweep(s.db, s.bus); err != nil {
		log.Printf("[Stream] Pre-delivery sweep failed: %v", err)
	}

	var due []commands.Command
	var err error
	if replay {
		due, err = commands.ReplayFor(s.db, deviceID, cursor)
	} else {
		due, err = commands.DeliverableSince(s.db, deviceID, cursor)
	}
	if err != nil {
		log.Printf("[Stream] Query deliverable for %s: %v", deviceID, err)
		return cursor, err
	}

	for _, cmd := range due {
		data, err := json.Marshal(frame{
			ID:        cmd.ID,
			Type:      string(cmd.Type),
			Priority:  string(cmd.Priority),
			Payload:   cmd.Payload,
			ExpiresAt: cmd.ExpiresAt,
		})
		if err != nil {
			continue
		}

		if _, err := fmt.Fprintf(w, "id: %d\nevent: command\ndata: %s\n\n", cmd.Seq, data); err != nil {
			return cursor, err
		}
		flusher.Flush()

		if err := commands.MarkDelivered(s.db, cmd.Seq); err != nil {
			log.Printf("[Stream] Mark delivered %s: %v", cmd.ID, err)
		}
		if cmd.Seq > cursor {
			cursor = cmd.Seq
		}
	}
	return cursor, nil
}
