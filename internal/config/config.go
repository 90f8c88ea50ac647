package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Storage     StorageConfig
	Research    ResearchConfig
	AutoRefresh AutoRefreshConfig
	Refresh     RefreshConfig
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

type ResearchConfig struct {
	BaseURL string
}

// AutoRefreshConfig controls the read-path staleness policy.
type AutoRefreshConfig struct {
	Enabled       bool   // global kill switch: when false nothing is ever stale
	Mode          string // "blocking" or "background"
	ThresholdSecs int    // global staleness threshold (per-key overrides win)
}

// RefreshConfig controls the regeneration machinery.
type RefreshConfig struct {
	Workers         int
	MaxAttempts     int
	RetryDelay      string // duration, e.g. "5s"
	Backoff         string // "fixed" or "exponential"
	AttemptTimeout  string // duration per regeneration attempt
	JoinWaitTimeout string // bounded wait when joining another caller's refresh; empty = attempt timeout
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4700,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Research: ResearchConfig{
			BaseURL: "http://localhost:8700",
		},
		AutoRefresh: AutoRefreshConfig{
			Enabled:       true,
			Mode:          "background",
			ThresholdSecs: 30 * 24 * 60 * 60, // 30 days
		},
		Refresh: RefreshConfig{
			Workers:        3,
			MaxAttempts:    3,
			RetryDelay:     "5s",
			Backoff:        "exponential",
			AttemptTimeout: "60s",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/stdkeep/config.json, then applies STDKEEP_* environment
// overrides on top.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "stdkeep-data"
		}
	}
	return filepath.Join(dir, "stdkeep")
}
