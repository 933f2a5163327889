package notify

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"

	"warden/internal/events"
)

// Sender abstracts message dispatch so the dispatcher can be tested
// without hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// Dispatcher subscribes to the event bus and fans events out to the
// matching alert channels: the event's tenant plus the fleet-wide ones.
type Dispatcher struct {
	db     *sql.DB
	bus    *events.Bus
	sender Sender

	// cooldowns tracks the last dispatch per (channel, event type).
	mu        sync.Mutex
	cooldowns map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher wired to the given bus and
// database. A nil sender gets the real Shoutrrr one.
func NewDispatcher(db *sql.DB, bus *events.Bus, sender Sender) *Dispatcher {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Dispatcher{
		db:        db,
		bus:       bus,
		sender:    sender,
		cooldowns: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Start subscribes to all events and begins dispatching. Delivery runs
// on its own goroutine so a slow provider never stalls the bus.
func (d *Dispatcher) Start() {
	ch := make(chan events.Event, 256)

	d.bus.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
			log.Printf("[Notify] queue full, dropping %s event", e.Type)
		}
	})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case e := <-ch:
				d.handle(e)
			case <-d.stopCh:
				for {
					select {
					case e := <-ch:
						d.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop signals the dispatcher goroutine to drain and waits for it.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) handle(e events.Event) {
	channels, err := ChannelsForEvent(d.db, e.OrgID)
	if err != nil {
		log.Printf("[Notify] channel lookup failed: %v", err)
		return
	}

	for i := range channels {
		ch := &channels[i]
		if !severityAllowed(ch, e.Severity) {
			continue
		}
		if !d.ruleAllowed(ch.ID, e) {
			continue
		}
		if inQuietWindow(ch, e.Severity, time.Now().UTC()) {
			continue
		}
		d.dispatch(ch, e)
	}
}

func severityAllowed(ch *Channel, sev events.Severity) bool {
	switch sev {
	case events.SeverityCritical:
		return ch.OnCritical
	case events.SeverityWarning:
		return ch.OnWarning
	case events.SeverityInfo:
		return ch.OnInfo
	default:
		return false
	}
}

// ruleAllowed checks the channel's per-event-type rules and enforces
// cooldowns. No rules, or an event type without one, means allow.
func (d *Dispatcher) ruleAllowed(channelID int64, e events.Event) bool {
	rules, err := RulesFor(d.db, channelID)
	if err != nil {
		log.Printf("[Notify] rules for channel %d: %v", channelID, err)
		return true
	}

	for _, r := range rules {
		if r.EventType != string(e.Type) {
			continue
		}
		if !r.Enabled {
			return false
		}
		if r.CooldownSecs > 0 {
			key := fmt.Sprintf("%d:%s", channelID, e.Type)
			d.mu.Lock()
			last, seen := d.cooldowns[key]
			now := time.Now()
			if seen && now.Sub(last) < time.Duration(r.CooldownSecs)*time.Second {
				d.mu.Unlock()
				return false
			}
			d.cooldowns[key] = now
			d.mu.Unlock()
		}
		return true
	}
	return true
}

// inQuietWindow reports whether the channel's quiet hours suppress this
// event. Critical events always get through.
func inQuietWindow(ch *Channel, sev events.Severity, now time.Time) bool {
	if sev == events.SeverityCritical {
		return false
	}
	if ch.QuietStart == "" || ch.QuietEnd == "" {
		return false
	}

	minutes := now.Hour()*60 + now.Minute()
	start := parseHHMM(ch.QuietStart)
	end := parseHHMM(ch.QuietEnd)

	if start < end {
		return minutes >= start && minutes < end
	}
	// Window wraps midnight, e.g. 22:00 to 07:00.
	return minutes >= start || minutes < end
}

func (d *Dispatcher) dispatch(ch *Channel, e events.Event) {
	msg := formatMessage(e)
	err := d.sender.Send(ch.URL, msg)

	rec := &Delivery{
		ChannelID: ch.ID,
		OrgID:     e.OrgID,
		DeviceID:  e.DeviceID,
		EventType: string(e.Type),
		Message:   msg,
	}
	if err != nil {
		rec.Status = DeliveryFailed
		rec.Error = err.Error()
		log.Printf("[Notify] send to %s failed: %v", ch.Name, err)
	} else {
		rec.Status = DeliverySent
		rec.SentAt = time.Now().UTC()
	}

	if _, dbErr := RecordDelivery(d.db, rec); dbErr != nil {
		log.Printf("[Notify] record delivery: %v", dbErr)
	}
}

func formatMessage(e events.Event) string {
	msg := fmt.Sprintf("[%s] %s", e.Severity, e.Message)
	if e.DeviceID != "" {
		msg = fmt.Sprintf("%s (device %s)", msg, e.DeviceID)
	}
	return msg
}

func parseHHMM(s string) int {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0
	}
	return t.Hour()*60 + t.Minute()
}
