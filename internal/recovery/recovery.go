// Package recovery implements PmRecovery: the per-session state machine
// that watches for a PROJECT_MANAGER agent going CRASHED or GONE,
// enforces a grace/cooldown/backoff schedule, and spawns a replacement
// PM window (spec §4.9).
package recovery

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/defaults"
	"github.com/fleetwatch/fleetwatch/internal/model"
	"github.com/fleetwatch/fleetwatch/internal/pool"
	"github.com/fleetwatch/fleetwatch/internal/tmuxadapter"
)

// Adapter is the tmux surface PmRecovery needs from a pooled adapter:
// spawning the replacement window. The resync notice is enqueued on the
// Notifier rather than sent through the adapter.
// *tmuxadapter.Adapter satisfies it.
type Adapter interface {
	Spawn(ctx context.Context, session, windowName, command string) (model.Target, error)
	Send(ctx context.Context, target model.Target, text string, settleDelay time.Duration) error
}

// Pool acquires and releases an Adapter. Narrowed the same way
// internal/health narrows its Pool, for the same reason: Go has no
// covariant interface satisfaction, so *pool.Pool can't implement this
// directly and production wiring goes through PoolAdapter below.
type Pool interface {
	Acquire(ctx context.Context) (Adapter, error)
	Release(a Adapter)
}

// PoolAdapter adapts a *pool.Pool to the Pool interface.
type PoolAdapter struct {
	Pool *pool.Pool
}

func (a PoolAdapter) Acquire(ctx context.Context) (Adapter, error) {
	return a.Pool.Acquire(ctx)
}

func (a PoolAdapter) Release(ad Adapter) {
	a.Pool.Release(ad.(*tmuxadapter.Adapter))
}

// Tracker is the subset of *tracker.Tracker PmRecovery needs. It reads
// and writes PmRecoveryRecord fields directly through the pointer
// PmRecord/PmSessions return; Manager is the only writer of those
// fields in a correctly wired daemon (the scheduler drives Observe and
// Tick from one goroutine), so no additional locking is layered on top
// of the tracker's own record map lock.
type Tracker interface {
	Get(target model.Target) (model.Agent, bool)
	PmRecord(session string) *model.PmRecoveryRecord
	PmSessions() []string
	AgentsSnapshot() []model.Agent
}

// Notifier is the subset of *notify.Queue PmRecovery needs.
type Notifier interface {
	Enqueue(n model.Notification)
}

// Config carries PmRecovery's timing parameters (spec §4.9).
type Config struct {
	CooldownBase      time.Duration
	CooldownGrowth    float64
	CooldownGrowthCap float64
	MaxAttempts       int
	ConfirmSamples    int
	PmLaunchCommand   string
}

// Manager runs the PmRecovery state machine for every session the
// tracker knows a PM for.
type Manager struct {
	tracker  Tracker
	pool     Pool
	notifier Notifier
	logger   func(format string, v ...interface{})

	cooldownBase      time.Duration
	cooldownGrowth    float64
	cooldownGrowthCap float64
	maxAttempts       int
	confirmSamples    int
	pmLaunchCommand   string
}

// New builds a Manager.
func New(t Tracker, p Pool, n Notifier, cfg Config, logger func(format string, v ...interface{})) *Manager {
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = defaults.CooldownBase
	}
	if cfg.CooldownGrowth <= 0 {
		cfg.CooldownGrowth = defaults.CooldownGrowth
	}
	if cfg.CooldownGrowthCap <= 0 {
		cfg.CooldownGrowthCap = defaults.CooldownGrowthCap
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxRecoveryAttempts
	}
	if cfg.ConfirmSamples <= 0 {
		cfg.ConfirmSamples = defaults.ConfirmSamples
	}
	if logger == nil {
		logger = log.Printf
	}
	return &Manager{
		tracker: t, pool: p, notifier: n, logger: logger,
		cooldownBase: cfg.CooldownBase, cooldownGrowth: cfg.CooldownGrowth,
		cooldownGrowthCap: cfg.CooldownGrowthCap, maxAttempts: cfg.MaxAttempts,
		confirmSamples: cfg.ConfirmSamples, pmLaunchCommand: cfg.PmLaunchCommand,
	}
}

// Observe consumes the transitions produced by one HealthChecker.Check
// call (or a batch of them) and advances any affected session's
// PmRecoveryRecord. Only transitions for PM-role targets matter; every
// other transition is ignored.
func (m *Manager) Observe(transitions []model.Transition) {
	for _, tr := range transitions {
		agent, ok := m.tracker.Get(tr.Target)
		if !ok || !agent.IsPM() {
			continue
		}
		switch tr.To {
		case model.StateCrashed, model.StateGone:
			m.onCrash(tr.Target, tr.Target.Session)
		case model.StateActive:
			if tr.From == model.StateRecovering {
				// The original window recovered on its own (the
				// tracker's per-target RECOVERING streak reached
				// confirm_samples) before PmRecovery ever spawned a
				// replacement; the episode is moot.
				record := m.tracker.PmRecord(tr.Target.Session)
				if record.Phase != model.PmHealthy {
					m.logger("recovery: pm %s self-recovered, cancelling episode for session %s", tr.Target, tr.Target.Session)
					record.Reset()
				}
			}
		}
	}
}

// onCrash starts or advances a crash episode for session (spec §4.9:
// CRASHED_OBSERVED — "PM is CRASHED or GONE; waiting for cooldown_until").
func (m *Manager) onCrash(target model.Target, session string) {
	record := m.tracker.PmRecord(session)
	now := time.Now()

	switch record.Phase {
	case model.PmHealthy, model.PmHealthyConfirmed:
		record.Phase = model.PmCrashedObserved
		record.AttemptCount = 0
		record.LastOutcome = model.PmOutcomeNone
		record.ConsecutiveActive = 0
		record.CooldownUntil = now.Add(backoffDelay(m.cooldownBase, m.cooldownGrowth, m.cooldownGrowthCap, 0))
	default:
		// A second (or later) crash within the same episode — either
		// the replacement just spawned crashed too, or the original
		// crashed again before any replacement was spawned.
		if record.AttemptCount >= m.maxAttempts {
			if record.LastOutcome != model.PmOutcomeExhausted {
				m.notifier.Enqueue(model.Notification{
					Target:   target,
					Severity: model.SeverityCritical,
					Kind:     "recovery_exhausted",
					Message:  fmt.Sprintf("pm recovery for session %s exhausted after %d attempts", session, record.AttemptCount),
				})
				record.LastOutcome = model.PmOutcomeExhausted
			}
			record.Phase = model.PmCrashedObserved
			return
		}
		record.Phase = model.PmCrashedObserved
		record.ConsecutiveActive = 0
		record.CooldownUntil = now.Add(backoffDelay(m.cooldownBase, m.cooldownGrowth, m.cooldownGrowthCap, record.AttemptCount))
	}
}

// Tick runs once per monitoring cycle (after health checks have been
// applied and Observe has been called for their transitions): it fires
// any due recovery attempts and advances confirmation counters for
// sessions currently waiting on a replacement to prove itself.
func (m *Manager) Tick(ctx context.Context) {
	now := time.Now()
	for _, session := range m.tracker.PmSessions() {
		record := m.tracker.PmRecord(session)
		switch record.Phase {
		case model.PmCrashedObserved:
			if record.AttemptCount >= m.maxAttempts {
				continue // parked; requires a manual reset
			}
			if now.Before(record.CooldownUntil) {
				continue
			}
			m.spawnReplacement(ctx, session, record, now)
		case model.PmGracePending, model.PmRecovering:
			m.checkConfirmation(session, record)
		}
	}
}

// spawnReplacement implements spec §4.9's recovery procedure: spawn the
// configured PM-launch command in a fresh "pm" window, record the new
// target, and broadcast the resync notice to the rest of the session.
func (m *Manager) spawnReplacement(ctx context.Context, session string, record *model.PmRecoveryRecord, now time.Time) {
	adapter, err := m.pool.Acquire(ctx)
	if err != nil {
		m.logger("recovery: acquiring adapter for session %s: %v", session, err)
		return // cooldown already elapsed; retry next tick
	}
	defer m.pool.Release(adapter)

	target, err := adapter.Spawn(ctx, session, defaults.PmWindowName, m.pmLaunchCommand)
	if err != nil {
		m.logger("recovery: spawning replacement pm for session %s: %v", session, err)
		return
	}

	record.AttemptCount++
	record.LastAttemptAt = now
	record.SpawnedAt = now
	record.CurrentTarget = target
	record.ConsecutiveActive = 0
	record.Phase = model.PmGracePending
	record.LastOutcome = model.PmOutcomeSpawned
	record.CooldownUntil = now.Add(backoffDelay(m.cooldownBase, m.cooldownGrowth, m.cooldownGrowthCap, record.AttemptCount))

	m.broadcastResyncNotice(adapter, session)
}

// broadcastResyncNotice warns every non-PM agent in the session that the
// PM was just replaced (spec §4.9).
func (m *Manager) broadcastResyncNotice(adapter Adapter, session string) {
	for _, agent := range m.tracker.AgentsSnapshot() {
		if agent.Target.Session != session || agent.IsPM() {
			continue
		}
		m.notifier.Enqueue(model.Notification{
			Target:   agent.Target,
			Severity: model.SeverityWarn,
			Kind:     "pm_restarted",
			Message:  "PM restarted; please resynchronise",
		})
	}
}

// checkConfirmation advances a replacement's ConsecutiveActive streak
// toward confirm_samples. GRACE_PENDING holds while the replacement is
// still STARTING; the first ACTIVE verdict moves the session into
// RECOVERING, and confirm_samples consecutive ACTIVE verdicts resets the
// record to HEALTHY.
func (m *Manager) checkConfirmation(session string, record *model.PmRecoveryRecord) {
	if record.CurrentTarget.IsZero() {
		return
	}
	agent, ok := m.tracker.Get(record.CurrentTarget)
	if !ok {
		return
	}

	switch agent.State {
	case model.StateActive:
		record.ConsecutiveActive++
		if record.Phase == model.PmGracePending {
			record.Phase = model.PmRecovering
		}
		if record.ConsecutiveActive >= m.confirmSamples {
			m.notifier.Enqueue(model.Notification{
				Target:   record.CurrentTarget,
				Severity: model.SeverityInfo,
				Kind:     "pm_recovered",
				Message:  fmt.Sprintf("pm recovered for session %s", session),
			})
			record.Reset()
		}
	case model.StateCrashed, model.StateGone:
		// The crash itself (and the episode bookkeeping it drives) is
		// handled by Observe when the tracker's transition arrives.
	default:
		record.ConsecutiveActive = 0
	}
}

// backoffDelay computes the cooldown before the (priorAttempts+1)-th
// recovery attempt: cooldown_base doubled (cooldown_growth) once per
// prior attempt, capped at cooldown_base*cooldown_growth_cap. Mirrors
// the doubling-with-cap shape of a production restart backoff: each
// loop step compounds on the previous delay rather than computing a
// fresh exponent, and returns as soon as the cap is reached, so a
// misconfigured huge priorAttempts count can't overflow.
func backoffDelay(base time.Duration, growth, cap float64, priorAttempts int) time.Duration {
	delay := base
	max := time.Duration(float64(base) * cap)
	for i := 0; i < priorAttempts; i++ {
		delay = time.Duration(float64(delay) * growth)
		if delay >= max {
			return max
		}
	}
	return delay
}
