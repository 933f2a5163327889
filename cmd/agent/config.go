package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// agentConfig is the agent's file-backed configuration. Flags override
// anything set here; defaults cover the rest, so the file is optional
// for flag-only deployments.
type agentConfig struct {
	ServerURL         string `yaml:"server_url"`
	DataDir           string `yaml:"data_dir"`
	RegistrationToken string `yaml:"registration_token"`
	HeartbeatSeconds  int    `yaml:"heartbeat_seconds"`
	LocalAPIAddr      string `yaml:"local_api_addr"`
	SyncHook          string `yaml:"sync_hook"`
	UpdateHook        string `yaml:"update_hook"`
}

func defaultAgentConfig() agentConfig {
	return agentConfig{
		ServerURL:    "http://localhost:9080",
		DataDir:      "/var/lib/warden-agent",
		LocalAPIAddr: "127.0.0.1:7070",
	}
}

// loadAgentConfig reads the YAML file at path over the defaults. An
// empty path skips the file entirely; a named file that cannot be read
// or parsed is an error, not a silent fallback.
func loadAgentConfig(path string) (agentConfig, error) {
	cfg := defaultAgentConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
