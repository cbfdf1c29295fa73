// Package defaults centralizes every tunable the rest of the module falls
// back to when configuration omits a value, mirroring the teacher's
// constants package: one place named by concern, never a hidden literal
// buried in business logic (spec §6: "No undocumented environment
// variables or hidden defaults are permitted").
package defaults

import "time"

// Adapter / tmux (spec §4.1).
const (
	AdapterCallTimeout  = 10 * time.Second
	CaptureLines        = 50
	DiscoveryLines      = 10
	KeystrokeSettleDelay = 50 * time.Millisecond
)

// Connection pool (spec §4.2).
const (
	PoolMin            = 5
	PoolMax            = 20
	PoolAcquireTimeout = 5 * time.Second
	PoolMaxIdleAge     = 60 * time.Second
	PoolMaxTotalAge    = 10 * time.Minute
	PoolSweepInterval  = 15 * time.Second
)

// Cache namespaces and TTLs (spec §4.3).
const (
	CachePaneContentTTL = 10 * time.Second
	CacheAgentStatusTTL = 30 * time.Second
	CacheSessionInfoTTL = 60 * time.Second
	CacheConfigTTL      = 300 * time.Second
	CacheMaxEntries     = 4096
)

// Discovery (spec §4.4).
const (
	MissingSampleThreshold = 3
)

// Crash detector (spec §4.5).
const (
	StuckThreshold = 6
)

// Notification queue (spec §4.7).
const (
	NotificationQueueCapacity = 10000
	NotificationDedupeWindow  = 60 * time.Second
)

// Health checker (spec §4.8).
const (
	HealthCheckBudget   = 15 * time.Second
	TransientRetryDelayMin = 50 * time.Millisecond
	TransientRetryDelayMax = 150 * time.Millisecond
)

// PM recovery (spec §4.9).
const (
	GracePeriod         = 180 * time.Second
	CooldownBase        = 30 * time.Second
	CooldownGrowth      = 2.0
	CooldownGrowthCap   = 8.0
	MaxRecoveryAttempts = 3
	ConfirmSamples      = 2
	PmWindowName        = "pm"
)

// Strategy / scheduler (spec §4.10, §4.11).
const (
	MaxParallel     = 20
	MinParallel     = 2
	CycleInterval   = 10 * time.Second
	CycleIntervalFloor = 1 * time.Second
	StopTimeout     = 30 * time.Second
	SaturationWindow = 30 * time.Second
)

// StateTracker persistence (spec §6).
const (
	PersistInterval = 5 * time.Minute
	RingBufferSize  = 1024
)

// Strings (spec §6 persisted format).
const (
	PersistMagic   = "TMO1"
	PersistVersion = uint16(1)
)
