// Package worker executes delivered commands: one goroutine, one
// command at a time. Serial execution is a correctness property here,
// not a throughput choice; a config merge must never interleave with
// the payment config replace it races against.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"warden/cmd/agent/state"
	"warden/internal/commands"
	"warden/internal/crypto"
)

const (
	queueSize = 64
	seenSize  = 128

	// handlerTimeout bounds one command's execution; hooks that hang
	// must not starve the queue forever.
	handlerTimeout = 5 * time.Minute
	ackTimeout     = 30 * time.Second
)

// Acker reports execution outcomes back to the control plane.
type Acker interface {
	Ack(ctx context.Context, commandID string, success bool, detail string) error
}

// Hooks are the opaque integration points into the hosted application.
// Empty hooks make the corresponding commands no-ops.
type Hooks struct {
	Sync   string // shell command run on FORCE_SYNC
	Update string // shell command run on FORCE_UPDATE
}

// Handler executes one command type and returns a human-readable detail
// for the ack.
type Handler func(ctx context.Context, cmd commands.Command) (string, error)

// Worker drains the device's command queue. Kill switches travel a
// separate lane and always execute ahead of whatever else is waiting.
type Worker struct {
	acker Acker
	mgr   *state.Manager
	keys  *crypto.DeviceKeys
	hooks Hooks

	critical chan commands.Command
	normal   chan commands.Command
	handlers map[commands.CommandType]Handler
	seen     *seenRing

	mu   sync.Mutex
	busy bool

	stop chan struct{}
	done chan struct{}
}

// New creates a worker wired to the agent's trust state and device key.
func New(acker Acker, mgr *state.Manager, keys *crypto.DeviceKeys, hooks Hooks) *Worker {
	w := &Worker{
		acker:    acker,
		mgr:      mgr,
		keys:     keys,
		hooks:    hooks,
		critical: make(chan commands.Command, 8),
		normal:   make(chan commands.Command, queueSize),
		seen:     newSeenRing(seenSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.handlers = map[commands.CommandType]Handler{
		commands.ForceSync:           w.handleForceSync,
		commands.KillSwitch:          w.handleKillSwitch,
		commands.UpdateConfig:        w.handleUpdateConfig,
		commands.UpdatePaymentConfig: w.handleUpdatePaymentConfig,
		commands.ForceUpdate:         w.handleForceUpdate,
	}
	return w
}

// Start launches the execution loop.
func (w *Worker) Start() {
	go w.run()
}

// Stop halts the loop after the in-flight command, if any, has
// finished. Queued commands stay on the server's books and come back on
// the next boot's replay.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// Enqueue accepts a command for execution. Kill switches jump the
// queue. A full queue drops the command; it is not acked, so the
// server re-delivers it later.
func (w *Worker) Enqueue(cmd commands.Command) {
	lane := w.normal
	if cmd.Type == commands.KillSwitch {
		lane = w.critical
	}
	select {
	case lane <- cmd:
	default:
		log.Printf("[Worker] queue full, dropping command %s (%s)", cmd.ID, cmd.Type)
	}
}

// Depth reports how many commands are queued or executing, for the
// local status API.
func (w *Worker) Depth() int {
	n := len(w.critical) + len(w.normal)
	w.mu.Lock()
	if w.busy {
		n++
	}
	w.mu.Unlock()
	return n
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		// Kill switches preempt: drain that lane before looking at
		// anything else.
		select {
		case cmd := <-w.critical:
			w.execute(cmd)
			continue
		default:
		}

		select {
		case cmd := <-w.critical:
			w.execute(cmd)
		case cmd := <-w.normal:
			w.execute(cmd)
		case <-w.stop:
			// Only between commands; an in-flight handler always runs
			// to completion.
			return
		}
	}
}

// execute runs one command end to end: dedupe, expiry check, handler,
// ack. Failures are acked FAILED with detail and the loop moves on.
func (w *Worker) execute(cmd commands.Command) {
	if !w.seen.remember(cmd.ID) {
		log.Printf("[Worker] duplicate command %s, skipping", cmd.ID)
		return
	}
	if !cmd.ExpiresAt.IsZero() && time.Now().After(cmd.ExpiresAt) {
		log.Printf("[Worker] command %s (%s) expired before execution, skipping", cmd.ID, cmd.Type)
		return
	}

	w.setBusy(true)
	defer w.setBusy(false)

	detail, err := w.runHandler(cmd)
	success := err == nil
	if err != nil {
		detail = err.Error()
		log.Printf("[Worker] command %s (%s) failed: %v", cmd.ID, cmd.Type, err)
	} else {
		log.Printf("[Worker] command %s (%s) done: %s", cmd.ID, cmd.Type, detail)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if ackErr := w.acker.Ack(ctx, cmd.ID, success, detail); ackErr != nil {
		// The outcome is lost only until redelivery; the dedupe ring
		// keeps the re-run from happening.
		log.Printf("[Worker] ack for %s failed: %v", cmd.ID, ackErr)
	}
}

// runHandler dispatches to the per-type handler, converting a panic
// into an error so one bad payload cannot take the worker down.
func (w *Worker) runHandler(cmd commands.Command) (detail string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	h, ok := w.handlers[cmd.Type]
	if !ok {
		return "", fmt.Errorf("unknown command type %s", cmd.Type)
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	return h(ctx, cmd)
}

func (w *Worker) setBusy(b bool) {
	w.mu.Lock()
	w.busy = b
	w.mu.Unlock()
}

// ─── Dedupe ring ─────────────────────────────────────────────────────────────

// seenRing remembers the last n command ids. Stream replay and the
// heartbeat fallback can both deliver the same command; it must execute
// once.
type seenRing struct {
	mu    sync.Mutex
	slots []string
	index map[string]struct{}
	next  int
}

func newSeenRing(n int) *seenRing {
	return &seenRing{
		slots: make([]string, n),
		index: make(map[string]struct{}, n),
	}
}

// remember records id and reports whether it was new.
func (r *seenRing) remember(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.index[id]; dup {
		return false
	}
	if old := r.slots[r.next]; old != "" {
		delete(r.index, old)
	}
	r.slots[r.next] = id
	r.index[id] = struct{}{}
	r.next = (r.next + 1) % len(r.slots)
	return true
}
