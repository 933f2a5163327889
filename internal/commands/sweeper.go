package commands

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"warden/internal/events"
)

// Sweeper periodically expires overdue commands so delivery passes and
// admin views never see stale work. Each expired command raises an event.
type Sweeper struct {
	db       *sql.DB
	bus      *events.Bus
	interval time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// NewSweeper creates the sweeper. interval is typically a minute; the
// stream additionally sweeps inline before each delivery pass.
func NewSweeper(db *sql.DB, bus *events.Bus, interval time.Duration) *Sweeper {
	return &Sweeper{
		db:       db,
		bus:      bus,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins the periodic sweep loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.loop()
	log.Printf("[Commands] Expiry sweeper started (interval=%s)", s.interval)
}

// Stop halts the sweeper.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stop)
	log.Println("[Commands] Expiry sweeper stopped")
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	if _, err := Sweep(s.db, s.bus); err != nil {
		log.Printf("[Commands] Expiry sweep failed: %v", err)
	}
}

// Sweep expires every overdue command and publishes an event per row.
// The periodic sweeper and the stream's pre-delivery pass both use it.
func Sweep(db *sql.DB, bus *events.Bus) ([]Command, error) {
	expired, err := ExpireOverdue(db)
	if err != nil {
		return nil, err
	}

	for _, c := range expired {
		log.Printf("[Commands] Command %s (%s) for device %s expired undelivered", c.ID, c.Type, c.DeviceID)
		bus.Publish(events.Event{
			Type:     events.CommandExpired,
			Severity: events.SeverityWarning,
			OrgID:    c.OrgID,
			DeviceID: c.DeviceID,
			Message:  fmt.Sprintf("Command %s expired before completion", c.Type),
			Metadata: map[string]string{
				"command_id":   c.ID,
				"command_type": string(c.Type),
				"expired_at":   c.ExpiresAt.Format(timeFormat),
			},
		})
	}
	return expired, nil
}
