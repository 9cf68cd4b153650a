package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Config holds all flowline configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string   `json:"db_path"`
	LogLevel        string   `json:"log_level"`
	EnvAllowlist    []string `json:"env_allowlist"`
	VaultPassphrase string   `json:"vault_passphrase"`
	VaultSalt       string   `json:"vault_salt"`
	SchedulerOn     bool     `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		DBPath:    "file:" + filepath.Join(flowlineDir(), "flowline.db"),
		LogLevel:  "info",
		VaultSalt: "flowline.v1",
	}
}

func flowlineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowline"
	}
	return filepath.Join(home, ".flowline")
}

func settingsPath() string {
	return filepath.Join(flowlineDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWLINE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWLINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWLINE_ENV_ALLOWLIST"); v != "" {
		cfg.EnvAllowlist = splitList(v)
	}
	if v := os.Getenv("FLOWLINE_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("FLOWLINE_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}
	if v := os.Getenv("FLOWLINE_SCHEDULER"); v != "" {
		cfg.SchedulerOn = v == "true" || v == "1"
	}

	return cfg
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
