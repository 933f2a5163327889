package stream

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"warden/cmd/agent/client"
	"warden/internal/commands"
)

// State is where the consumer currently stands with the server.
type State string

const (
	StateConnecting   State = "connecting"
	StateStreaming    State = "streaming"
	StateReconnecting State = "reconnecting"
)

// Consumer maintains the live command stream: connect, hand each
// command frame to the worker, reconnect with backoff when the
// connection drops, goes quiet, or the server says so.
type Consumer struct {
	client *client.Client
	handle func(commands.Command)

	// Watchdog reconnects when the server goes this long without any
	// frame. Keepalive comments reset it, so three missed keepalives
	// trip it at the default settings.
	Watchdog    time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	mu     sync.Mutex
	state  State
	lastID int64
}

// NewConsumer creates a consumer that feeds received commands to handle.
func NewConsumer(c *client.Client, handle func(commands.Command)) *Consumer {
	return &Consumer{
		client:      c,
		handle:      handle,
		Watchdog:    90 * time.Second,
		BaseBackoff: time.Second,
		MaxBackoff:  60 * time.Second,
		state:       StateConnecting,
	}
}

// State reports the connection state for the local status API.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastEventID is the highest command sequence number received; the next
// connect resumes after it.
func (c *Consumer) LastEventID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID
}

// Run connects and consumes until ctx is cancelled. Transient failures
// reconnect forever with jittered backoff; a trust rejection returns
// the error, because no amount of retrying fixes a bad signature.
func (c *Consumer) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		c.setState(StateConnecting)
		resp, err := c.client.OpenStream(ctx, c.LastEventID())
		if err != nil {
			if client.IsTrust(err) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			c.setState(StateReconnecting)
			delay := Backoff(attempt, c.BaseBackoff, c.MaxBackoff)
			attempt++
			log.Printf("[Stream] connect failed: %v; retrying in %s", err, delay.Round(time.Millisecond))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		frames := c.consume(ctx, resp)
		resp.Body.Close()
		if ctx.Err() != nil {
			return nil
		}

		if frames > 0 {
			// The connection did real work; its end is the server's
			// lifetime bound or a clean drop. Reconnect immediately.
			attempt = 0
			continue
		}
		c.setState(StateReconnecting)
		delay := Backoff(attempt, c.BaseBackoff, c.MaxBackoff)
		attempt++
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// consume drains one connection until it ends, the server asks for a
// reconnect, or the watchdog gives up on it. Returns how many frames
// arrived, keepalives included.
func (c *Consumer) consume(ctx context.Context, resp *http.Response) int {
	// Closing the body is the only way to unblock the reader goroutine;
	// the watchdog and ctx both funnel through it.
	stopWatch := make(chan struct{})
	defer close(stopWatch)

	frames := make(chan sseEvent, 16)
	go func() {
		defer close(frames)
		sc := newScanner(resp.Body)
		for sc.next() {
			select {
			case frames <- sc.event():
			case <-stopWatch:
				return
			}
		}
	}()

	watchdog := time.NewTimer(c.Watchdog)
	defer watchdog.Stop()

	count := 0
	for {
		select {
		case <-ctx.Done():
			resp.Body.Close()
			return count

		case <-watchdog.C:
			log.Printf("[Stream] no frames in %s, reconnecting", c.Watchdog)
			resp.Body.Close()
			return count

		case ev, ok := <-frames:
			if !ok {
				return count
			}
			count++
			if !watchdog.Stop() {
				<-watchdog.C
			}
			watchdog.Reset(c.Watchdog)

			switch {
			case ev.Comment:
				// Keepalive; liveness only.
			case ev.Type == "connected":
				c.setState(StateStreaming)
			case ev.Type == "command":
				c.dispatch(ev)
			case ev.Type == "reconnect":
				resp.Body.Close()
				return count
			}
		}
	}
}

// dispatch decodes a command frame and hands it to the worker. The SSE
// id is the queue sequence number; it advances the resume cursor even
// when the payload turns out undecodable.
func (c *Consumer) dispatch(ev sseEvent) {
	if seq, err := strconv.ParseInt(ev.ID, 10, 64); err == nil {
		c.mu.Lock()
		if seq > c.lastID {
			c.lastID = seq
		}
		c.mu.Unlock()
	}

	var frame struct {
		ID        string    `json:"id"`
		Type      string    `json:"type"`
		Priority  string    `json:"priority"`
		Payload   string    `json:"payload"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
		log.Printf("[Stream] undecodable command frame (seq %s): %v", ev.ID, err)
		return
	}

	c.handle(commands.Command{
		ID:        frame.ID,
		Type:      commands.CommandType(frame.Type),
		Priority:  commands.Priority(frame.Priority),
		Payload:   frame.Payload,
		ExpiresAt: frame.ExpiresAt,
	})
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
