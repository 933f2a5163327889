package registry

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"warden/internal/events"
)

// OfflineMonitor watches device heartbeats and raises events when a device
// goes silent or comes back. Connectivity is derived from last_seen_at and
// never written to the device row: a silent device is still ACTIVE, it is
// just not reachable right now.
type OfflineMonitor struct {
	db       *sql.DB
	bus      *events.Bus
	interval time.Duration
	missed   int // consecutive missed heartbeats before offline

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	offline map[string]bool // deviceID → currently considered offline
}

// NewOfflineMonitor creates the monitor. interval is the expected
// heartbeat period; missed is how many silent intervals mark the device
// offline (typically 3).
func NewOfflineMonitor(db *sql.DB, bus *events.Bus, interval time.Duration, missed int) *OfflineMonitor {
	if missed <= 0 {
		missed = 3
	}
	return &OfflineMonitor{
		db:       db,
		bus:      bus,
		interval: interval,
		missed:   missed,
		stop:     make(chan struct{}),
		offline:  make(map[string]bool),
	}
}

// Start begins the periodic check loop.
func (m *OfflineMonitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.loop()
	log.Printf("[Offline] Monitor started (interval=%s, missed=%d)", m.interval, m.missed)
}

// Stop halts the monitor.
func (m *OfflineMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stop)
	log.Println("[Offline] Monitor stopped")
}

func (m *OfflineMonitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

// check walks all live devices and publishes offline/online transitions.
func (m *OfflineMonitor) check() {
	devices, err := m.liveDevices()
	if err != nil {
		log.Printf("[Offline] Failed to list devices: %v", err)
		return
	}

	deadline := time.Now().UTC().Add(-m.interval * time.Duration(m.missed))

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range devices {
		switch {
		case d.LastSeenAt == nil:
			// Never heartbeated: still provisioning, leave it alone.
			continue

		case d.LastSeenAt.Before(deadline) && !m.offline[d.ID]:
			m.offline[d.ID] = true
			log.Printf("[Offline] Device %s silent (last_seen=%s)", d.ID, d.LastSeenAt.Format(timeFormat))

			m.bus.Publish(events.Event{
				Type:     events.DeviceOffline,
				Severity: events.SeverityWarning,
				OrgID:    d.OrgID,
				DeviceID: d.ID,
				Message:  fmt.Sprintf("Device %s missed %d heartbeats", d.ID, m.missed),
				Metadata: map[string]string{
					"location_id": d.LocationID,
					"last_seen":   d.LastSeenAt.Format(timeFormat),
				},
			})

		case !d.LastSeenAt.Before(deadline) && m.offline[d.ID]:
			delete(m.offline, d.ID)
			log.Printf("[Offline] Device %s back online", d.ID)

			m.bus.Publish(events.Event{
				Type:     events.DeviceOnline,
				Severity: events.SeverityInfo,
				OrgID:    d.OrgID,
				DeviceID: d.ID,
				Message:  fmt.Sprintf("Device %s is heartbeating again", d.ID),
				Metadata: map[string]string{
					"location_id": d.LocationID,
				},
			})
		}
	}
}

// liveDevices returns devices whose connectivity matters: PENDING and
// DECOMMISSIONED rows are skipped, KILLED ones still report in.
func (m *OfflineMonitor) liveDevices() ([]Device, error) {
	rows, err := m.db.Query(`
		SELECT `+deviceColumns+` FROM devices
		WHERE status = ? OR status = ?
	`, StatusActive, StatusKilled)
	if err != nil {
		return nil, fmt.Errorf("query live devices: %w", err)
	}
	defer rows.Close()
	return collectDevices(rows)
}
