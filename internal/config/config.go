// Package config loads and validates the fleet monitor's configuration
// document (spec §6). The document is TOML, parsed with BurntSushi/toml —
// the format and library the teacher repo uses for its own settings.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/fleetwatch/fleetwatch/internal/defaults"
	"github.com/fleetwatch/fleetwatch/internal/model"
)

// Config is the parsed, validated configuration document (spec §6).
type Config struct {
	CycleInterval time.Duration `toml:"-"`
	Strategy      string        `toml:"-"`
	MaxParallel   int           `toml:"-"`

	Pool          PoolConfig          `toml:"-"`
	Cache         CacheConfig         `toml:"-"`
	Crash         CrashConfig         `toml:"-"`
	Recovery      RecoveryConfig      `toml:"-"`
	Notifications NotificationsConfig `toml:"-"`
	Persistence   PersistenceConfig   `toml:"-"`

	// Compiled signatures, populated by Validate.
	RoleSignatures          []model.RoleSignature     `toml:"-"`
	TerminalErrorSignatures []CompiledErrorSignature `toml:"-"`
}

// PoolConfig mirrors spec §4.2 / §6 `pool.*`.
type PoolConfig struct {
	Min             int
	Max             int
	AcquireTimeout  time.Duration
	MaxIdle         time.Duration
	MaxTotalAge     time.Duration
	SweepInterval   time.Duration
}

// CacheConfig mirrors spec §4.3 / §6 `cache.*`.
type CacheConfig struct {
	PaneContentTTL     time.Duration
	AgentStatusTTL     time.Duration
	SessionInfoTTL     time.Duration
	ConfigTTL          time.Duration
	MaxEntriesPerNamespace int
}

// CrashConfig mirrors spec §4.5 / §6 `crash.*`.
type CrashConfig struct {
	StuckThreshold          int
	TerminalErrorSignatures []ErrorSignature
	RoleSignatures          []RoleSignatureSpec
}

// ErrorSignature is one configured terminal-error pattern (spec §4.5, §9).
type ErrorSignature struct {
	ID      string
	Literal string
	Pattern string
}

// CompiledErrorSignature is an ErrorSignature with its pattern compiled.
type CompiledErrorSignature struct {
	ID      string
	Literal string
	Regexp  *regexp.Regexp // nil when Literal is used
}

// RoleSignatureSpec is the TOML shape of a role-signature entry.
type RoleSignatureSpec struct {
	Role    string
	Literal string
	Pattern string
}

// RecoveryConfig mirrors spec §4.9 / §6 `recovery.*`.
type RecoveryConfig struct {
	GracePeriod       time.Duration
	CooldownBase      time.Duration
	CooldownGrowth    float64
	CooldownGrowthCap float64
	MaxAttempts       int
	ConfirmSamples    int
	PmLaunchCommand   string
}

// NotificationsConfig mirrors spec §4.7 / §6 `notifications.*`.
type NotificationsConfig struct {
	QueueCapacity int
	DedupeWindow  time.Duration
}

// PersistenceConfig mirrors spec §6 `persistence.*`.
type PersistenceConfig struct {
	Path           string
	PersistInterval time.Duration
}

// rawDoc is the literal TOML shape; durations are strings in the file
// (e.g. "10s") and converted to time.Duration during Validate.
type rawDoc struct {
	CycleInterval string `toml:"cycle_interval"`
	Strategy      string `toml:"strategy"`
	MaxParallel   int    `toml:"max_parallel"`

	Pool struct {
		Min            int    `toml:"min"`
		Max            int    `toml:"max"`
		AcquireTimeout string `toml:"acquire_timeout"`
		MaxIdle        string `toml:"max_idle"`
		MaxTotalAge    string `toml:"max_total_age"`
		SweepInterval  string `toml:"sweep_interval"`
	} `toml:"pool"`

	Cache struct {
		PaneContentTTL         string `toml:"pane_content_ttl"`
		AgentStatusTTL         string `toml:"agent_status_ttl"`
		SessionInfoTTL         string `toml:"session_info_ttl"`
		ConfigTTL              string `toml:"config_ttl"`
		MaxEntriesPerNamespace int    `toml:"max_entries_per_namespace"`
	} `toml:"cache"`

	Crash struct {
		StuckThreshold          int                 `toml:"stuck_threshold"`
		TerminalErrorSignatures []ErrorSignature     `toml:"terminal_error_signatures"`
		RoleSignatures          []RoleSignatureSpec  `toml:"role_signatures"`
	} `toml:"crash"`

	Recovery struct {
		GracePeriod       string  `toml:"grace_period"`
		CooldownBase      string  `toml:"cooldown_base"`
		CooldownGrowth    float64 `toml:"cooldown_growth"`
		CooldownGrowthCap float64 `toml:"cooldown_growth_cap"`
		MaxAttempts       int     `toml:"max_attempts"`
		ConfirmSamples    int     `toml:"confirm_samples"`
		PmLaunchCommand   string  `toml:"pm_launch_command"`
	} `toml:"recovery"`

	Notifications struct {
		QueueCapacity int    `toml:"queue_capacity"`
		DedupeWindow  string `toml:"dedupe_window"`
	} `toml:"notifications"`

	Persistence struct {
		Path            string `toml:"path"`
		PersistInterval string `toml:"persist_interval"`
	} `toml:"persistence"`
}

// Default returns the documented defaults (spec §4, §6) with no
// terminal-error or role signatures compiled in — "Treat them as
// configuration with no built-in list" (spec §9).
func Default() *Config {
	return &Config{
		CycleInterval: defaults.CycleInterval,
		Strategy:      "concurrent",
		MaxParallel:   defaults.MaxParallel,
		Pool: PoolConfig{
			Min:            defaults.PoolMin,
			Max:            defaults.PoolMax,
			AcquireTimeout: defaults.PoolAcquireTimeout,
			MaxIdle:        defaults.PoolMaxIdleAge,
			MaxTotalAge:    defaults.PoolMaxTotalAge,
			SweepInterval:  defaults.PoolSweepInterval,
		},
		Cache: CacheConfig{
			PaneContentTTL:         defaults.CachePaneContentTTL,
			AgentStatusTTL:         defaults.CacheAgentStatusTTL,
			SessionInfoTTL:         defaults.CacheSessionInfoTTL,
			ConfigTTL:              defaults.CacheConfigTTL,
			MaxEntriesPerNamespace: defaults.CacheMaxEntries,
		},
		Crash: CrashConfig{
			StuckThreshold: defaults.StuckThreshold,
		},
		Recovery: RecoveryConfig{
			GracePeriod:       defaults.GracePeriod,
			CooldownBase:      defaults.CooldownBase,
			CooldownGrowth:    defaults.CooldownGrowth,
			CooldownGrowthCap: defaults.CooldownGrowthCap,
			MaxAttempts:       defaults.MaxRecoveryAttempts,
			ConfirmSamples:    defaults.ConfirmSamples,
		},
		Notifications: NotificationsConfig{
			QueueCapacity: defaults.NotificationQueueCapacity,
			DedupeWindow:  defaults.NotificationDedupeWindow,
		},
		Persistence: PersistenceConfig{
			Path:            "fleetwatch.state",
			PersistInterval: defaults.PersistInterval,
		},
	}
}

// Load reads and validates a TOML config file at path, layering its values
// over Default(). A malformed duration string or a signature that fails to
// compile surfaces as ClassifierMisconfig / a parse error — per spec §7 the
// daemon must refuse to start on either.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses raw TOML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var raw rawDoc
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg := Default()
	if err := mergeRaw(cfg, &raw); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeRaw(cfg *Config, raw *rawDoc) error {
	var err error
	if raw.CycleInterval != "" {
		if cfg.CycleInterval, err = time.ParseDuration(raw.CycleInterval); err != nil {
			return fmt.Errorf("cycle_interval: %w", err)
		}
	}
	if raw.Strategy != "" {
		cfg.Strategy = raw.Strategy
	}
	if raw.MaxParallel != 0 {
		cfg.MaxParallel = raw.MaxParallel
	}

	if raw.Pool.Min != 0 {
		cfg.Pool.Min = raw.Pool.Min
	}
	if raw.Pool.Max != 0 {
		cfg.Pool.Max = raw.Pool.Max
	}
	if d, err := parseOptionalDuration(raw.Pool.AcquireTimeout); err != nil {
		return fmt.Errorf("pool.acquire_timeout: %w", err)
	} else if d > 0 {
		cfg.Pool.AcquireTimeout = d
	}
	if d, err := parseOptionalDuration(raw.Pool.MaxIdle); err != nil {
		return fmt.Errorf("pool.max_idle: %w", err)
	} else if d > 0 {
		cfg.Pool.MaxIdle = d
	}
	if d, err := parseOptionalDuration(raw.Pool.MaxTotalAge); err != nil {
		return fmt.Errorf("pool.max_total_age: %w", err)
	} else if d > 0 {
		cfg.Pool.MaxTotalAge = d
	}
	if d, err := parseOptionalDuration(raw.Pool.SweepInterval); err != nil {
		return fmt.Errorf("pool.sweep_interval: %w", err)
	} else if d > 0 {
		cfg.Pool.SweepInterval = d
	}

	if d, err := parseOptionalDuration(raw.Cache.PaneContentTTL); err != nil {
		return fmt.Errorf("cache.pane_content_ttl: %w", err)
	} else if d > 0 {
		cfg.Cache.PaneContentTTL = d
	}
	if d, err := parseOptionalDuration(raw.Cache.AgentStatusTTL); err != nil {
		return fmt.Errorf("cache.agent_status_ttl: %w", err)
	} else if d > 0 {
		cfg.Cache.AgentStatusTTL = d
	}
	if d, err := parseOptionalDuration(raw.Cache.SessionInfoTTL); err != nil {
		return fmt.Errorf("cache.session_info_ttl: %w", err)
	} else if d > 0 {
		cfg.Cache.SessionInfoTTL = d
	}
	if d, err := parseOptionalDuration(raw.Cache.ConfigTTL); err != nil {
		return fmt.Errorf("cache.config_ttl: %w", err)
	} else if d > 0 {
		cfg.Cache.ConfigTTL = d
	}
	if raw.Cache.MaxEntriesPerNamespace != 0 {
		cfg.Cache.MaxEntriesPerNamespace = raw.Cache.MaxEntriesPerNamespace
	}

	if raw.Crash.StuckThreshold != 0 {
		cfg.Crash.StuckThreshold = raw.Crash.StuckThreshold
	}
	cfg.Crash.TerminalErrorSignatures = raw.Crash.TerminalErrorSignatures
	cfg.Crash.RoleSignatures = raw.Crash.RoleSignatures

	if d, err := parseOptionalDuration(raw.Recovery.GracePeriod); err != nil {
		return fmt.Errorf("recovery.grace_period: %w", err)
	} else if d > 0 {
		cfg.Recovery.GracePeriod = d
	}
	if d, err := parseOptionalDuration(raw.Recovery.CooldownBase); err != nil {
		return fmt.Errorf("recovery.cooldown_base: %w", err)
	} else if d > 0 {
		cfg.Recovery.CooldownBase = d
	}
	if raw.Recovery.CooldownGrowth != 0 {
		cfg.Recovery.CooldownGrowth = raw.Recovery.CooldownGrowth
	}
	if raw.Recovery.CooldownGrowthCap != 0 {
		cfg.Recovery.CooldownGrowthCap = raw.Recovery.CooldownGrowthCap
	}
	if raw.Recovery.MaxAttempts != 0 {
		cfg.Recovery.MaxAttempts = raw.Recovery.MaxAttempts
	}
	if raw.Recovery.ConfirmSamples != 0 {
		cfg.Recovery.ConfirmSamples = raw.Recovery.ConfirmSamples
	}
	if raw.Recovery.PmLaunchCommand != "" {
		cfg.Recovery.PmLaunchCommand = raw.Recovery.PmLaunchCommand
	}

	if raw.Notifications.QueueCapacity != 0 {
		cfg.Notifications.QueueCapacity = raw.Notifications.QueueCapacity
	}
	if d, err := parseOptionalDuration(raw.Notifications.DedupeWindow); err != nil {
		return fmt.Errorf("notifications.dedupe_window: %w", err)
	} else if d > 0 {
		cfg.Notifications.DedupeWindow = d
	}

	if raw.Persistence.Path != "" {
		cfg.Persistence.Path = raw.Persistence.Path
	}
	if d, err := parseOptionalDuration(raw.Persistence.PersistInterval); err != nil {
		return fmt.Errorf("persistence.persist_interval: %w", err)
	} else if d > 0 {
		cfg.Persistence.PersistInterval = d
	}

	return nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
