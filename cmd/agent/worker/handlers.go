package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"time"

	"warden/internal/commands"
)

func (w *Worker) handleForceSync(ctx context.Context, cmd commands.Command) (string, error) {
	return runHook(ctx, "sync", w.hooks.Sync)
}

func (w *Worker) handleForceUpdate(ctx context.Context, cmd commands.Command) (string, error) {
	return runHook(ctx, "update", w.hooks.Update)
}

// runHook shells out to the configured integration point. The hosted
// application owns what syncing or updating actually means.
func runHook(ctx context.Context, name, hook string) (string, error) {
	if hook == "" {
		return fmt.Sprintf("no %s hook configured, nothing to run", name), nil
	}
	out, err := exec.CommandContext(ctx, "/bin/sh", "-c", hook).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s hook: %v: %s", name, err, truncate(out, 512))
	}
	return fmt.Sprintf("%s hook completed", name), nil
}

// handleKillSwitch sets the persistent disabled flag. The local status
// API keeps reporting it until a revive clears it; there is nothing the
// operator can do on the device itself.
func (w *Worker) handleKillSwitch(ctx context.Context, cmd commands.Command) (string, error) {
	note := "kill switch issued"
	if cmd.Payload != "" {
		var p struct {
			Reason string `json:"reason"`
		}
		if json.Unmarshal([]byte(cmd.Payload), &p) == nil && p.Reason != "" {
			note = p.Reason
		}
	}

	if err := w.mgr.SetKilled(note, time.Now()); err != nil {
		return "", err
	}
	log.Printf("[Worker] KILL SWITCH ENGAGED: %s. Device disabled until revived.", note)
	return "device disabled", nil
}

// handleUpdateConfig merges a partial configuration. The revive
// sub-action clears the kill flag; any remaining keys merge as usual.
func (w *Worker) handleUpdateConfig(ctx context.Context, cmd commands.Command) (string, error) {
	partial := map[string]interface{}{}
	if cmd.Payload != "" {
		if err := json.Unmarshal([]byte(cmd.Payload), &partial); err != nil {
			return "", fmt.Errorf("parse config payload: %w", err)
		}
	}

	revived := false
	if action, _ := partial["action"].(string); action == "revive" {
		if err := w.mgr.ClearKilled(); err != nil {
			return "", err
		}
		log.Printf("[Worker] kill flag cleared, device revived")
		delete(partial, "action")
		revived = true
	}

	if len(partial) > 0 {
		if err := w.mgr.MergeConfig(partial); err != nil {
			return "", err
		}
	}

	switch {
	case revived && len(partial) > 0:
		return "kill flag cleared, config merged", nil
	case revived:
		return "kill flag cleared", nil
	case len(partial) == 0:
		return "empty config update, nothing to merge", nil
	default:
		return "config merged", nil
	}
}

// handleUpdatePaymentConfig opens the sealed payload with the device
// key and atomically replaces the local sensitive configuration. The
// next heartbeat reports the new hash, which closes the drift loop.
func (w *Worker) handleUpdatePaymentConfig(ctx context.Context, cmd commands.Command) (string, error) {
	var p struct {
		Sealed string `json:"sealed"`
	}
	if err := json.Unmarshal([]byte(cmd.Payload), &p); err != nil {
		return "", fmt.Errorf("parse payment payload: %w", err)
	}
	if p.Sealed == "" {
		return "", errors.New("payment payload missing sealed field")
	}

	plain, err := w.keys.Open(p.Sealed)
	if err != nil {
		return "", fmt.Errorf("open sealed payment config: %w", err)
	}
	if err := w.mgr.WritePaymentConfig(plain); err != nil {
		return "", err
	}
	return "payment config replaced", nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
