package commands

import (
	"testing"
	"time"

	"warden/internal/events"
)

func TestSweeperPublishesExpiryEvents(t *testing.T) {
	conn := setupTestDB(t)
	bus := events.NewBus()

	cmd := enqueue(t, conn, CreateInput{Type: ForceSync})
	conn.Exec("UPDATE commands SET expires_at = ? WHERE id = ?",
		time.Now().UTC().Add(-time.Minute).Format(timeFormat), cmd.ID)

	var received []events.Event
	bus.Subscribe(func(e events.Event) { received = append(received, e) }, events.CommandExpired)

	s := NewSweeper(conn, bus, time.Minute)
	s.sweep()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Metadata["command_id"] != cmd.ID {
		t.Errorf("event command_id = %q, want %q", received[0].Metadata["command_id"], cmd.ID)
	}

	// Nothing left to expire: quiet sweep.
	received = nil
	s.sweep()
	if len(received) != 0 {
		t.Errorf("second sweep published %d events, want 0", len(received))
	}
}

func TestSweeperStartStop(t *testing.T) {
	conn := setupTestDB(t)
	bus := events.NewBus()

	s := NewSweeper(conn, bus, 50*time.Millisecond)
	s.Start()
	s.Start() // no-op

	time.Sleep(20 * time.Millisecond)
	s.Stop()
	s.Stop() // must not panic
}
