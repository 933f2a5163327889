package stream

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"warden/internal/commands"
	"warden/internal/db"
	"warden/internal/events"
)

func setupStream(t *testing.T) (*sql.DB, *Stream, *Broker) {
	t.Helper()
	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	broker := NewBroker()
	s := NewStream(conn, events.NewBus(), broker)
	s.Keepalive = 50 * time.Millisecond
	s.MaxLifetime = 400 * time.Millisecond
	return conn, s, broker
}

func enqueue(t *testing.T, conn *sql.DB, in commands.CreateInput) *commands.Command {
	t.Helper()
	if in.OrgID == "" {
		in.OrgID = "org-1"
	}
	if in.DeviceID == "" {
		in.DeviceID = "dev-1"
	}
	cmd, err := commands.Create(conn, in)
	if err != nil {
		t.Fatal(err)
	}
	return cmd
}

// sseEvent is one parsed frame from the stream.
type sseEvent struct {
	id    string
	event string
	data  string
}

// readEvent blocks until the next non-comment frame or stream end.
func readEvent(t *testing.T, scan *bufio.Scanner) (sseEvent, bool) {
	t.Helper()
	var ev sseEvent
	seen := false
	for scan.Scan() {
		line := scan.Text()
		switch {
		case line == "":
			if seen {
				return ev, true
			}
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "id: "):
			ev.id, seen = strings.TrimPrefix(line, "id: "), true
		case strings.HasPrefix(line, "event: "):
			ev.event, seen = strings.TrimPrefix(line, "event: "), true
		case strings.HasPrefix(line, "data: "):
			ev.data, seen = strings.TrimPrefix(line, "data: "), true
		}
	}
	return ev, false
}

func openStream(t *testing.T, s *Stream, lastEventID string) *bufio.Scanner {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Serve(w, r, "dev-1")
	}))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	return bufio.NewScanner(resp.Body)
}

func TestStreamReplaysCriticalFirst(t *testing.T) {
	conn, s, _ := setupStream(t)

	normal := enqueue(t, conn, commands.CreateInput{Type: commands.ForceSync})
	critical := enqueue(t, conn, commands.CreateInput{Type: commands.KillSwitch})
	done := enqueue(t, conn, commands.CreateInput{Type: commands.ForceSync})
	commands.Ack(conn, "dev-1", done.ID, commands.StatusAcked, "")

	scan := openStream(t, s, "")

	first, ok := readEvent(t, scan)
	if !ok || first.event != "connected" {
		t.Fatalf("expected connected frame, got %+v", first)
	}

	var got []frame
	for len(got) < 2 {
		ev, ok := readEvent(t, scan)
		if !ok {
			t.Fatalf("stream ended after %d command frames", len(got))
		}
		if ev.event != "command" {
			continue
		}
		var f frame
		if err := json.Unmarshal([]byte(ev.data), &f); err != nil {
			t.Fatal(err)
		}
		got = append(got, f)
	}

	if got[0].ID != critical.ID {
		t.Errorf("first frame = %s, want the critical command", got[0].Type)
	}
	if got[1].ID != normal.ID {
		t.Errorf("second frame = %s, want the normal command", got[1].Type)
	}

	// Delivery was recorded optimistically.
	row, _ := commands.GetByID(conn, critical.ID)
	if row.Status != commands.StatusDelivered {
		t.Errorf("critical status = %q, want DELIVERED", row.Status)
	}
}

func TestStreamResumeSkipsAcked(t *testing.T) {
	conn, s, _ := setupStream(t)

	seen := enqueue(t, conn, commands.CreateInput{Type: commands.ForceSync})
	unacked := enqueue(t, conn, commands.CreateInput{Type: commands.UpdateConfig})
	fresh := enqueue(t, conn, commands.CreateInput{Type: commands.ForceUpdate})

	// Client saw and acked the first, saw the second without acking.
	commands.MarkDelivered(conn, seen.Seq)
	commands.Ack(conn, "dev-1", seen.ID, commands.StatusAcked, "")
	commands.MarkDelivered(conn, unacked.Seq)

	scan := openStream(t, s, "0")
	readEvent(t, scan) // connected

	var ids []string
	for len(ids) < 2 {
		ev, ok := readEvent(t, scan)
		if !ok {
			t.Fatalf("stream ended after %d frames", len(ids))
		}
		if ev.event != "command" {
			continue
		}
		var f frame
		json.Unmarshal([]byte(ev.data), &f)
		ids = append(ids, f.ID)
	}

	for _, id := range ids {
		if id == seen.ID {
			t.Fatal("acked command was redelivered")
		}
	}
	if ids[0] != unacked.ID && ids[1] != unacked.ID {
		t.Error("unacked DELIVERED command missing from replay")
	}
	if ids[0] != fresh.ID && ids[1] != fresh.ID {
		t.Error("fresh PENDING command missing from replay")
	}
}

func TestStreamDeliversOnWake(t *testing.T) {
	conn, s, broker := setupStream(t)

	scan := openStream(t, s, "")
	readEvent(t, scan) // connected

	created := enqueue(t, conn, commands.CreateInput{Type: commands.ForceSync})
	broker.Wake("dev-1")

	for {
		ev, ok := readEvent(t, scan)
		if !ok {
			t.Fatal("stream ended before the live command arrived")
		}
		if ev.event != "command" {
			continue
		}
		var f frame
		json.Unmarshal([]byte(ev.data), &f)
		if f.ID != created.ID {
			t.Errorf("frame id = %q, want %q", f.ID, created.ID)
		}
		return
	}
}

func TestStreamExpiresBeforeDelivery(t *testing.T) {
	conn, s, _ := setupStream(t)

	overdue := enqueue(t, conn, commands.CreateInput{Type: commands.ForceSync})
	conn.Exec("UPDATE commands SET expires_at = ? WHERE id = ?",
		time.Now().UTC().Add(-time.Minute).Format("2006-01-02 15:04:05"), overdue.ID)

	scan := openStream(t, s, "")
	readEvent(t, scan) // connected

	// The stream should idle (keepalives) and eventually close with a
	// reconnect frame, never delivering the expired command.
	for {
		ev, ok := readEvent(t, scan)
		if !ok {
			break
		}
		if ev.event == "command" {
			t.Fatal("expired command was delivered")
		}
		if ev.event == "reconnect" {
			break
		}
	}

	row, _ := commands.GetByID(conn, overdue.ID)
	if row.Status != commands.StatusExpired {
		t.Errorf("status = %q, want EXPIRED", row.Status)
	}
}

func TestStreamLifetimeBound(t *testing.T) {
	_, s, _ := setupStream(t)
	s.MaxLifetime = 150 * time.Millisecond

	scan := openStream(t, s, "")
	readEvent(t, scan) // connected

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ev, ok := readEvent(t, scan)
		if !ok {
			t.Fatal("stream ended without a reconnect frame")
		}
		if ev.event == "reconnect" {
			return
		}
	}
	t.Fatal("no reconnect frame within the lifetime bound")
}
