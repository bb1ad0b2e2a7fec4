// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible
// defaults, then deep-merged with an optional on-disk config.json
// (spec.md §6.6). All timeouts and operational parameters are
// configurable.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"dario.cat/mergo"
)

// TranscriptPollingConfig controls how aggressively the Resolution Watcher
// rescans transcripts.
type TranscriptPollingConfig struct {
	Enabled                 bool `json:"enabled"`
	IntervalMs              int  `json:"intervalMs"`
	EnableMtimeOptimization bool `json:"enableMtimeOptimization"`
}

// HookTimeoutConfig holds the per-request-type default timeouts (seconds).
type HookTimeoutConfig struct {
	PermissionRequest int `json:"permissionRequest"`
	Stop              int `json:"stop"`
}

// Config holds all application configuration (spec.md §6.6 config.json
// shape plus the environment-level process config of §6.7).
type Config struct {
	TelegramToken string `json:"-"`
	ConfigDir     string `json:"-"`
	Debug         bool   `json:"-"`

	AlwaysEnabled              bool                    `json:"alwaysEnabled"`
	RetryInterval              int                     `json:"retryInterval"`
	MaxRetries                 int                     `json:"maxRetries"`
	PermissionTimeout          int                     `json:"permissionTimeout"`
	StopFollowupTimeout        int                     `json:"stopFollowupTimeout"`
	StaleUpdateThreshold       int                     `json:"staleUpdateThreshold"`
	PollingInterval            int                     `json:"pollingInterval"`
	AllowSinglePendingFallback bool                    `json:"allowSinglePendingFallback"`
	BulkApprovalTools          []string                `json:"bulkApprovalTools"`
	TranscriptPolling          TranscriptPollingConfig `json:"transcriptPolling"`
	HookTimeouts               HookTimeoutConfig       `json:"hookTimeouts"`
}

// Default returns the built-in configuration defaults (spec.md §4.5, §4.7,
// §4.9, §4.10, §6.6).
func Default() *Config {
	return &Config{
		AlwaysEnabled:              false,
		RetryInterval:              2,
		MaxRetries:                 3,
		PermissionTimeout:          3600,
		StopFollowupTimeout:        3600,
		StaleUpdateThreshold:       300,
		PollingInterval:            2,
		AllowSinglePendingFallback: true,
		BulkApprovalTools:          []string{},
		TranscriptPolling: TranscriptPollingConfig{
			Enabled:                 true,
			IntervalMs:              3000,
			EnableMtimeOptimization: true,
		},
		HookTimeouts: HookTimeoutConfig{
			PermissionRequest: 3600,
			Stop:              3600,
		},
	}
}

// Load builds the effective configuration: built-in defaults, deep-merged
// with configDir/config.json if present, with process-environment fields
// layered on top (token/debug/dir are never part of the JSON file).
func Load(configDir string) (*Config, error) {
	cfg := Default()
	cfg.ConfigDir = configDir

	path := configDir + "/config.json"
	if data, err := os.ReadFile(path); err == nil {
		// Unmarshal onto a clone of the defaults, not a zero-valued
		// Config: json.Unmarshal only touches fields actually present in
		// the document, so fileCfg ends up holding the fully resolved
		// state (defaults everywhere config.json is silent, explicit
		// values - including explicit false/0 - everywhere it isn't).
		//
		// A plain mergo.WithOverride merge of that result back onto cfg
		// would re-introduce the bug this works around: WithOverride
		// only copies a source field when it is non-zero, so an explicit
		// `"allowSinglePendingFallback": false` or `"transcriptPolling":
		// {"enabled": false}` in config.json - a legitimate override of a
		// true-by-default field - would be silently dropped.
		// WithOverwriteWithEmptyValue lifts that restriction; it's safe
		// here specifically because fileCfg is already the correct
		// fully-resolved target state, not a sparse diff.
		fileCfg := *cfg
		if err := json.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parse config.json: %w", err)
		}
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride, mergo.WithOverwriteWithEmptyValue); err != nil {
			return nil, fmt.Errorf("merge config.json: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.json: %w", err)
	}

	cfg.TelegramToken = getEnv("AFKD_TELEGRAM_TOKEN", "")
	cfg.Debug = getEnvBool("AFKD_DEBUG", false)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields make sense.
func (c *Config) Validate() error {
	if c.MaxRetries <= 0 {
		return fmt.Errorf("maxRetries must be > 0")
	}
	if c.PermissionTimeout <= 0 {
		return fmt.Errorf("permissionTimeout must be > 0")
	}
	if c.StopFollowupTimeout <= 0 {
		return fmt.Errorf("stopFollowupTimeout must be > 0")
	}
	if c.PollingInterval <= 0 {
		return fmt.Errorf("pollingInterval must be > 0")
	}
	return nil
}

// IsTelegramConfigured reports whether a bot token is available (spec.md §4.5).
func (c *Config) IsTelegramConfigured() bool {
	return c.TelegramToken != ""
}

// BulkApprovalAllowed reports whether toolName may be granted "all" verdicts
// (spec.md §4.11).
func (c *Config) BulkApprovalAllowed(toolName string) bool {
	for _, t := range c.BulkApprovalTools {
		if t == toolName {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
