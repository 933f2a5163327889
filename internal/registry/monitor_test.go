package registry

import (
	"database/sql"
	"testing"
	"time"

	"warden/internal/events"
)

func backdateLastSeen(t *testing.T, conn *sql.DB, deviceID string, age time.Duration) {
	t.Helper()
	_, err := conn.Exec(`UPDATE devices SET last_seen_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-age).Format(timeFormat), deviceID)
	if err != nil {
		t.Fatal(err)
	}
}

func TestOfflineMonitor_FlagsSilentDevice(t *testing.T) {
	conn := setupTestDB(t)
	bus := events.NewBus()
	org := seedOrg(t, conn)
	loc := seedLocation(t, conn, org.ID)
	dev := seedDevice(t, conn, org.ID, loc.ID, "v1:silent-box")

	UpdateHeartbeat(conn, dev.ID, Metrics{AgentVersion: "1.4.0"})
	backdateLastSeen(t, conn, dev.ID, 10*time.Minute)

	var received []events.Event
	bus.Subscribe(func(e events.Event) { received = append(received, e) })

	m := NewOfflineMonitor(conn, bus, 1*time.Minute, 3)
	m.check()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != events.DeviceOffline {
		t.Errorf("event type = %q, want %q", received[0].Type, events.DeviceOffline)
	}
	if received[0].DeviceID != dev.ID {
		t.Errorf("event device = %q, want %q", received[0].DeviceID, dev.ID)
	}

	// Status column untouched: silence is not a lifecycle change.
	got, _ := GetDeviceByID(conn, dev.ID)
	if got.Status != StatusActive {
		t.Errorf("status = %q, want still ACTIVE", got.Status)
	}
}

func TestOfflineMonitor_EmitsOnlineOnRecovery(t *testing.T) {
	conn := setupTestDB(t)
	bus := events.NewBus()
	org := seedOrg(t, conn)
	loc := seedLocation(t, conn, org.ID)
	dev := seedDevice(t, conn, org.ID, loc.ID, "v1:flappy-box")

	UpdateHeartbeat(conn, dev.ID, Metrics{AgentVersion: "1.4.0"})
	backdateLastSeen(t, conn, dev.ID, 10*time.Minute)

	m := NewOfflineMonitor(conn, bus, 1*time.Minute, 3)
	m.check() // goes offline

	var received []events.Event
	bus.Subscribe(func(e events.Event) { received = append(received, e) })

	// Fresh heartbeat arrives.
	UpdateHeartbeat(conn, dev.ID, Metrics{AgentVersion: "1.4.0"})
	m.check()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != events.DeviceOnline {
		t.Errorf("event type = %q, want %q", received[0].Type, events.DeviceOnline)
	}
}

func TestOfflineMonitor_NoDuplicateOfflineEvents(t *testing.T) {
	conn := setupTestDB(t)
	bus := events.NewBus()
	org := seedOrg(t, conn)
	loc := seedLocation(t, conn, org.ID)
	dev := seedDevice(t, conn, org.ID, loc.ID, "v1:long-gone")

	UpdateHeartbeat(conn, dev.ID, Metrics{AgentVersion: "1.4.0"})
	backdateLastSeen(t, conn, dev.ID, time.Hour)

	m := NewOfflineMonitor(conn, bus, 1*time.Minute, 3)
	m.check()

	var received []events.Event
	bus.Subscribe(func(e events.Event) { received = append(received, e) })

	m.check()
	m.check()

	if len(received) != 0 {
		t.Errorf("expected 0 repeat events, got %d", len(received))
	}
}

func TestOfflineMonitor_SkipsNeverSeenDevices(t *testing.T) {
	conn := setupTestDB(t)
	bus := events.NewBus()
	org := seedOrg(t, conn)
	loc := seedLocation(t, conn, org.ID)
	dev := seedDevice(t, conn, org.ID, loc.ID, "v1:provisioning")

	// Force ACTIVE without a heartbeat so the row is in the monitor's view
	// but has no last_seen_at.
	conn.Exec("UPDATE devices SET status = ? WHERE id = ?", StatusActive, dev.ID)

	var received []events.Event
	bus.Subscribe(func(e events.Event) { received = append(received, e) })

	m := NewOfflineMonitor(conn, bus, 1*time.Minute, 3)
	m.check()

	if len(received) != 0 {
		t.Errorf("expected 0 events for never-seen device, got %d", len(received))
	}
}

func TestOfflineMonitor_WatchesKilledDevices(t *testing.T) {
	conn := setupTestDB(t)
	bus := events.NewBus()
	org := seedOrg(t, conn)
	loc := seedLocation(t, conn, org.ID)
	dev := seedDevice(t, conn, org.ID, loc.ID, "v1:killed-silent")

	UpdateHeartbeat(conn, dev.ID, Metrics{AgentVersion: "1.4.0"})
	tx, _ := conn.Begin()
	if err := KillDeviceTx(tx, dev.ID); err != nil {
		t.Fatal(err)
	}
	tx.Commit()
	backdateLastSeen(t, conn, dev.ID, time.Hour)

	var received []events.Event
	bus.Subscribe(func(e events.Event) { received = append(received, e) })

	// A killed device should still check in; silence there matters too.
	m := NewOfflineMonitor(conn, bus, 1*time.Minute, 3)
	m.check()

	if len(received) != 1 || received[0].Type != events.DeviceOffline {
		t.Errorf("expected offline event for silent killed device, got %d events", len(received))
	}
}

func TestOfflineMonitor_StartStop(t *testing.T) {
	conn := setupTestDB(t)
	bus := events.NewBus()

	m := NewOfflineMonitor(conn, bus, 100*time.Millisecond, 3)
	m.Start()
	m.Start() // second start is a no-op

	time.Sleep(50 * time.Millisecond)
	m.Stop()
	m.Stop() // double stop must not panic
}
