package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all stepflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath       string `json:"db_path"`
	LogLevel     string `json:"log_level"`
	LogFormat    string `json:"log_format"`
	PoolSize     int    `json:"pool_size"`
	HistoryLimit int    `json:"history_limit"`
	FlowsDir     string `json:"flows_dir"`
	SearchDepth  int    `json:"search_depth"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:     "info",
		LogFormat:    "text",
		PoolSize:     10,
		HistoryLimit: 50,
		FlowsDir:     ".",
		SearchDepth:  3,
	}
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.json")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

// loadConfigFrom layers the settings file at path and the env lookup over
// the defaults.
func loadConfigFrom(path string, getenv func(string) string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := getenv("STEPFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("STEPFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("STEPFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := getenv("STEPFLOW_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HistoryLimit = n
		}
	}
	if v := getenv("STEPFLOW_FLOWS_DIR"); v != "" {
		cfg.FlowsDir = v
	}
	if v := getenv("STEPFLOW_SEARCH_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SearchDepth = n
		}
	}

	return cfg
}
