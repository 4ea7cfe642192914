package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath   string `json:"db_path"`
	LogLevel string `json:"log_level"`
	PoolSize int    `json:"pool_size"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(automationDir(), "automation.db"),
		LogLevel: "info",
		PoolSize: 10,
	}
}

func automationDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".automation"
	}
	return filepath.Join(home, ".automation")
}

func settingsPath() string {
	return filepath.Join(automationDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("AUTOMATION_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AUTOMATION_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AUTOMATION_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}

	return cfg
}
