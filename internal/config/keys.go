package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "STDKEEP_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "STDKEEP_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "STDKEEP_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "research.base_url", typ: kString, env: "STDKEEP_RESEARCH_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Research.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Research.BaseURL },
	},
	{
		key: "auto_refresh.enabled", typ: kBool, env: "STDKEEP_AUTO_REFRESH_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.AutoRefresh.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.AutoRefresh.Enabled },
	},
	{
		key: "auto_refresh.mode", typ: kString, env: "STDKEEP_AUTO_REFRESH_MODE",
		apply:   func(cfg *Config, v any) { cfg.AutoRefresh.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.AutoRefresh.Mode },
	},
	{
		key: "auto_refresh.threshold_secs", typ: kInt, env: "STDKEEP_AUTO_REFRESH_THRESHOLD_SECS",
		apply:   func(cfg *Config, v any) { cfg.AutoRefresh.ThresholdSecs = v.(int) },
		extract: func(cfg Config) any { return cfg.AutoRefresh.ThresholdSecs },
	},
	{
		key: "refresh.workers", typ: kInt, env: "STDKEEP_REFRESH_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Refresh.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Refresh.Workers },
	},
	{
		key: "refresh.max_attempts", typ: kInt, env: "STDKEEP_REFRESH_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Refresh.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Refresh.MaxAttempts },
	},
	{
		key: "refresh.retry_delay", typ: kString, env: "STDKEEP_REFRESH_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Refresh.RetryDelay = v.(string) },
		extract: func(cfg Config) any { return cfg.Refresh.RetryDelay },
	},
	{
		key: "refresh.backoff", typ: kString, env: "STDKEEP_REFRESH_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Refresh.Backoff = v.(string) },
		extract: func(cfg Config) any { return cfg.Refresh.Backoff },
	},
	{
		key: "refresh.attempt_timeout", typ: kString, env: "STDKEEP_REFRESH_ATTEMPT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Refresh.AttemptTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Refresh.AttemptTimeout },
	},
	{
		key: "refresh.join_wait_timeout", typ: kString, env: "STDKEEP_REFRESH_JOIN_WAIT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Refresh.JoinWaitTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Refresh.JoinWaitTimeout },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		v := os.Getenv(s.env)
		if v == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, v)
		case kInt:
			if i, err := strconv.Atoi(v); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse int from %s=%q: %v. Ignoring.\n", s.env, v, err)
			}
		case kBool:
			if bv, err := strconv.ParseBool(v); err == nil {
				s.apply(cfg, bv)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from %s=%q: %v. Ignoring.\n", s.env, v, err)
			}
		}
	}
}
