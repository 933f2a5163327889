package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"warden/internal/auth"
	"warden/internal/commands"
	"warden/internal/config"
	"warden/internal/crypto"
	"warden/internal/db"
	"warden/internal/events"
	"warden/internal/notify"
	"warden/internal/registry"
	"warden/internal/server"
)

const version = "1.0.0"

func main() {
	log.SetFlags(log.Ldate | log.Ltime)
	log.Printf("[Main] warden server v%s starting", version)

	cfg := config.Load()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("[Main] create data dir: %v", err)
	}

	conn, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("[Main] open database: %v", err)
	}
	defer conn.Close()

	keys, err := crypto.LoadOrGenerate(cfg.DataDir)
	if err != nil {
		log.Fatalf("[Main] server keys: %v", err)
	}

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		jwtSecret = randomSecret()
		log.Printf("[Main] JWT_SECRET not set; sessions will not survive a restart")
	}

	bus := events.NewBus()
	tokens := auth.NewTokenService(jwtSecret, cfg.SessionTTL)

	if cfg.AdminPass != "" {
		if err := auth.EnsureDefaultAdmin(conn, cfg.AdminUser, cfg.AdminPass); err != nil {
			log.Fatalf("[Main] seed admin: %v", err)
		}
	}

	srv := server.New(conn, keys, bus, tokens)

	sweeper := commands.NewSweeper(conn, bus, cfg.SweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	monitor := registry.NewOfflineMonitor(conn, bus, cfg.HeartbeatInterval, cfg.MissedBeats)
	monitor.Start()
	defer monitor.Stop()

	dispatcher := notify.NewDispatcher(conn, bus, nil)
	dispatcher.Start()
	defer dispatcher.Stop()

	stopPrune := make(chan struct{})
	go pruneTokens(conn, cfg.TokenRetention, stopPrune)
	defer close(stopPrune)

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Routes(),
		// No WriteTimeout: command streams hold their response open for
		// up to the SSE lifetime and bound themselves.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("[Main] listening on :%s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Main] server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Main] shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv.Shutdown() // close dashboard sockets so Shutdown below can drain
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("[Main] forced shutdown: %v", err)
	}
	log.Println("[Main] stopped")
}

// pruneTokens clears long-expired registration tokens once an hour.
func pruneTokens(conn *sql.DB, retain time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n, err := registry.PruneExpiredTokens(conn, retain); err != nil {
				log.Printf("[Main] token prune failed: %v", err)
			} else if n > 0 {
				log.Printf("[Main] pruned %d expired registration tokens", n)
			}
		}
	}
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		log.Fatalf("[Main] entropy unavailable: %v", err)
	}
	return hex.EncodeToString(b)
}
