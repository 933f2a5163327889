package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"warden/cmd/agent/client"
	"warden/cmd/agent/identity"
	"warden/cmd/agent/localapi"
	"warden/cmd/agent/state"
	"warden/cmd/agent/stream"
	"warden/cmd/agent/worker"
	"warden/internal/crypto"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to agent config YAML")
	serverFlag := flag.String("server", "", "control plane URL (overrides config)")
	tokenFlag := flag.String("token", "", "registration token; forces (re-)registration")
	dataDirFlag := flag.String("data-dir", "", "agent state directory (overrides config)")
	localAPIFlag := flag.String("local-api", "", "local status API bind address (overrides config)")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("warden-agent v%s\n", version)
		os.Exit(0)
	}

	log.SetFlags(log.Ldate | log.Ltime)
	log.Printf("[Main] warden agent v%s starting", version)

	cfg, err := loadAgentConfig(*configPath)
	if err != nil {
		log.Fatalf("[Main] config: %v", err)
	}
	if *serverFlag != "" {
		cfg.ServerURL = *serverFlag
	}
	if *dataDirFlag != "" {
		cfg.DataDir = *dataDirFlag
	}
	if *localAPIFlag != "" {
		cfg.LocalAPIAddr = *localAPIFlag
	}
	if *tokenFlag != "" {
		cfg.RegistrationToken = *tokenFlag
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("[Main] create data dir: %v", err)
	}

	keys, err := crypto.LoadOrGenerateDeviceKeys(cfg.DataDir)
	if err != nil {
		log.Fatalf("[Main] device keys: %v", err)
	}

	// A token on the command line forces re-registration; a token left
	// in the config file does not, or every reboot would burn one.
	enr := identity.Load(cfg.DataDir)
	if enr == nil || *tokenFlag != "" {
		enr = enroll(cfg, keys)
	}
	if cfg.ServerURL != enr.ServerURL {
		log.Printf("[Main] configured server %s differs from enrolled server %s; using the enrolled one (pass -token to move)", cfg.ServerURL, enr.ServerURL)
	}

	mgr := state.NewManager(cfg.DataDir, enr.DeviceID, enr.ServerPublicKey)
	bootStatus := mgr.Boot(time.Now())
	if snap := mgr.Current(); snap.Reason != "" {
		log.Printf("[Main] device %s, boot license %s (%s)", enr.DeviceID, bootStatus, snap.Reason)
	} else {
		log.Printf("[Main] device %s, boot license %s", enr.DeviceID, bootStatus)
	}
	if mgr.Killed() {
		log.Printf("[Main] device is under a kill switch; waiting for revive")
	}

	cli := client.New(enr.ServerURL, enr.DeviceID, enr.Secret)
	cli.UserAgent = "warden-agent/" + version

	w := worker.New(cli, mgr, keys, worker.Hooks{Sync: cfg.SyncHook, Update: cfg.UpdateHook})
	w.Start()

	consumer := stream.NewConsumer(cli, w.Enqueue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		// Run only returns on cancellation or a trust rejection. The
		// heartbeat keeps going either way; license enforcement does
		// not depend on the stream.
		if err := consumer.Run(ctx); err != nil {
			log.Printf("[Main] command stream stopped: %v; device likely needs re-registration", err)
		}
	}()

	var beatMu sync.Mutex
	var lastBeat *time.Time

	api := localapi.New(cfg.LocalAPIAddr, func() localapi.Status {
		snap := mgr.Current()
		beatMu.Lock()
		lb := lastBeat
		beatMu.Unlock()
		return localapi.Status{
			License:       string(snap.Status),
			Reason:        snap.Reason,
			Killed:        snap.Killed,
			KillNote:      snap.KillNote,
			LastHeartbeat: lb,
			QueueDepth:    w.Depth(),
			Stream:        string(consumer.State()),
			AgentVersion:  version,
		}
	})
	go func() {
		if err := api.Start(); err != nil {
			log.Fatalf("[Main] local API: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("[Main] shutting down")
		cancel()
	}()

	interval := time.Duration(enr.HeartbeatSeconds) * time.Second
	if cfg.HeartbeatSeconds > 0 {
		interval = time.Duration(cfg.HeartbeatSeconds) * time.Second
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	log.Printf("[Main] heartbeating every %s", interval)

	metrics := newMetricsCollector(cfg.DataDir)
	beat := func() {
		heartbeat(ctx, cli, mgr, w, metrics, func(t time.Time) {
			beatMu.Lock()
			lastBeat = &t
			beatMu.Unlock()
		})
	}

	beat()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Stop()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := api.Shutdown(shutCtx); err != nil {
				log.Printf("[Main] local API shutdown: %v", err)
			}
			shutCancel()
			log.Println("[Main] stopped")
			return
		case <-ticker.C:
			beat()
		}
	}
}

// heartbeat reports one beat and applies the signed verdict. Any
// failure degrades local state through the cache window rather than
// changing it directly.
func heartbeat(ctx context.Context, cli *client.Client, mgr *state.Manager, w *worker.Worker, metrics *metricsCollector, markBeat func(time.Time)) {
	before := mgr.Current().Status

	res, err := cli.Heartbeat(ctx, metrics.collect(mgr.PaymentConfigHash()))
	if err != nil {
		if client.IsTrust(err) {
			log.Printf("[Main] heartbeat rejected: %v; device needs re-registration with a fresh token", err)
		} else {
			log.Printf("[Main] heartbeat failed: %v", err)
		}
		if after := mgr.HeartbeatFailed(time.Now()); after != before {
			log.Printf("[Main] license %s -> %s (cache window elapsed)", before, after)
		}
		return
	}

	if err := mgr.ApplyVerdict(res.Verdict); err != nil {
		// A response that fails signature checks is no better than no
		// response.
		log.Printf("[Main] license verdict rejected: %v", err)
		if after := mgr.HeartbeatFailed(time.Now()); after != before {
			log.Printf("[Main] license %s -> %s (cache window elapsed)", before, after)
		}
		return
	}
	markBeat(time.Now())

	if after := mgr.Current(); after.Status != before {
		if after.Reason != "" {
			log.Printf("[Main] license %s -> %s (%s)", before, after.Status, after.Reason)
		} else {
			log.Printf("[Main] license %s -> %s", before, after.Status)
		}
	}

	for _, cmd := range res.Pending {
		w.Enqueue(cmd)
	}
}

// enroll performs first-time registration: fingerprint the hardware,
// present the one-time token, open the sealed secret, persist the
// enrollment. Trust rejections are fatal; tokens are single-use and
// only an operator can mint another.
func enroll(cfg agentConfig, keys *crypto.DeviceKeys) *identity.Enrollment {
	if cfg.RegistrationToken == "" {
		log.Fatalf("[Main] device is not registered and no registration token was given; mint one in the admin console and pass -token")
	}

	fp := identity.Fingerprint()
	log.Printf("[Main] registering at %s with fingerprint %s", cfg.ServerURL, fp)

	var res *client.RegisterResult
	for attempt := 0; ; attempt++ {
		var err error
		res, err = client.Register(cfg.ServerURL, cfg.RegistrationToken, fp, version, keys)
		if err == nil {
			break
		}
		if client.IsTrust(err) {
			log.Fatalf("[Main] registration rejected: %v (tokens are single-use and expire; mint a fresh one)", err)
		}
		if attempt >= 4 {
			log.Fatalf("[Main] registration failed after %d attempts: %v", attempt+1, err)
		}
		delay := stream.Backoff(attempt, time.Second, 30*time.Second)
		log.Printf("[Main] registration attempt %d failed: %v; retrying in %s", attempt+1, err, delay.Round(100*time.Millisecond))
		time.Sleep(delay)
	}

	enr := &identity.Enrollment{
		DeviceID:         res.DeviceID,
		Secret:           res.Secret,
		ServerURL:        cfg.ServerURL,
		ServerPublicKey:  res.ServerPublicKey,
		HeartbeatSeconds: res.HeartbeatSeconds,
		EnrolledAt:       time.Now().UTC(),
	}
	if err := identity.Save(cfg.DataDir, enr); err != nil {
		log.Fatalf("[Main] save enrollment: %v", err)
	}
	log.Printf("[Main] registered as device %s", res.DeviceID)
	return enr
}
