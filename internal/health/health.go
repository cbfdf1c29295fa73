// Package health implements HealthChecker, the per-agent operation that
// ties the adapter, pool, cache, classifier, tracker, and notification
// queue together into one cycle step (spec §4.8).
package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/cache"
	"github.com/fleetwatch/fleetwatch/internal/classify"
	"github.com/fleetwatch/fleetwatch/internal/defaults"
	"github.com/fleetwatch/fleetwatch/internal/model"
	"github.com/fleetwatch/fleetwatch/internal/pool"
	"github.com/fleetwatch/fleetwatch/internal/tmuxadapter"
	"github.com/fleetwatch/fleetwatch/internal/tracker"
)

// Capturer is the pane-capture surface the checker needs from a pooled
// adapter; *tmuxadapter.Adapter satisfies it.
type Capturer interface {
	Capture(ctx context.Context, target model.Target, lines int) (model.PaneSnapshot, error)
}

// Pool acquires and releases a Capturer. Narrowed to an interface (and
// to Capturer rather than a concrete *tmuxadapter.Adapter) so tests can
// substitute a fake without standing up a real tmux adapter; Go's lack
// of covariant interface satisfaction means *pool.Pool itself can't
// implement this directly, so production wiring goes through
// PoolAdapter below.
type Pool interface {
	Acquire(ctx context.Context) (Capturer, error)
	Release(c Capturer)
}

// PoolAdapter adapts a *pool.Pool to the Pool interface.
type PoolAdapter struct {
	Pool *pool.Pool
}

func (a PoolAdapter) Acquire(ctx context.Context) (Capturer, error) {
	return a.Pool.Acquire(ctx)
}

func (a PoolAdapter) Release(c Capturer) {
	a.Pool.Release(c.(*tmuxadapter.Adapter))
}

// Tracker is the subset of *tracker.Tracker the checker needs.
type Tracker interface {
	SnapshotFor(target model.Target) (tracker.Snapshot, bool)
	Apply(target model.Target, verdict model.HealthVerdict) []model.Transition
	MarkGone(target model.Target, reason string) []model.Transition
}

// Detector is the subset of *classify.Detector the checker needs.
type Detector interface {
	Classify(snapshot model.PaneSnapshot, prior classify.Prior) model.HealthVerdict
}

// Notifier is the subset of *notify.Queue the checker needs.
type Notifier interface {
	Enqueue(n model.Notification)
}

// TransitionObserver is notified of every transition a check produces,
// alongside the notification Check already enqueues. PmRecovery wires
// its Observe method here so a PM crash is visible to the recovery
// state machine in the same cycle the health check detects it, rather
// than on a one-cycle delay. *recovery.Manager satisfies this directly.
type TransitionObserver interface {
	Observe(transitions []model.Transition)
}

// Checker runs one target's health check per cycle.
type Checker struct {
	pool     Pool
	cache    *cache.Cache
	detector Detector
	tracker  Tracker
	notifier Notifier
	observer TransitionObserver
	logger   func(format string, v ...interface{})

	captureLines  int
	checkBudget   time.Duration
	retryDelayMin time.Duration
	retryDelayMax time.Duration
}

// Config carries the checker's tunables.
type Config struct {
	CaptureLines  int
	CheckBudget   time.Duration
	RetryDelayMin time.Duration
	RetryDelayMax time.Duration
}

// New builds a Checker.
func New(p Pool, c *cache.Cache, d Detector, t Tracker, n Notifier, cfg Config, logger func(format string, v ...interface{})) *Checker {
	if cfg.CaptureLines <= 0 {
		cfg.CaptureLines = defaults.CaptureLines
	}
	if cfg.CheckBudget <= 0 {
		cfg.CheckBudget = defaults.HealthCheckBudget
	}
	if cfg.RetryDelayMin <= 0 {
		cfg.RetryDelayMin = defaults.TransientRetryDelayMin
	}
	if cfg.RetryDelayMax <= 0 {
		cfg.RetryDelayMax = defaults.TransientRetryDelayMax
	}
	if logger == nil {
		logger = log.Printf
	}
	return &Checker{
		pool: p, cache: c, detector: d, tracker: t, notifier: n, logger: logger,
		captureLines: cfg.CaptureLines, checkBudget: cfg.CheckBudget,
		retryDelayMin: cfg.RetryDelayMin, retryDelayMax: cfg.RetryDelayMax,
	}
}

// SetObserver attaches a TransitionObserver. Separate from New/Config
// since the observer (PmRecovery) is typically constructed after the
// checker it needs to be wired to.
func (c *Checker) SetObserver(o TransitionObserver) {
	c.observer = o
}

// Check runs the check(target) operation of spec §4.8: capture (via the
// cache, with one jittered retry on a transient failure), classify,
// apply to the tracker, and enqueue a notification for every resulting
// transition. A permanent adapter error marks the target GONE
// immediately and is returned as an error; every other outcome (success
// or exhausted transient retry) returns a nil error.
func (c *Checker) Check(ctx context.Context, target model.Target) (model.HealthVerdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.checkBudget)
	defer cancel()

	raw, err := c.cache.GetOrCompute(cache.NamespacePaneContent, target.String(), func() (interface{}, error) {
		return c.captureWithRetry(ctx, target)
	})
	if err != nil {
		return c.handleCaptureFailure(target, err)
	}
	snapshot := raw.(model.PaneSnapshot)

	prior := classify.Prior{}
	if snap, ok := c.tracker.SnapshotFor(target); ok {
		prior = classify.Prior{
			PriorHash:              snap.PriorHash,
			PriorVerdict:           snap.PriorVerdict,
			ConsecutiveIdleSamples: snap.Agent.ConsecutiveIdleSamples,
			InGraceWindow:          snap.InGraceWindow,
		}
	}

	verdict := c.detector.Classify(snapshot, prior)
	transitions := c.tracker.Apply(target, verdict)
	c.publish(transitions)
	return verdict, nil
}

// publish enqueues a notification and fans out to the transition
// observer for every transition a tracker mutation produced.
func (c *Checker) publish(transitions []model.Transition) {
	for _, tr := range transitions {
		c.notifier.Enqueue(deriveNotification(tr))
	}
	if c.observer != nil && len(transitions) > 0 {
		c.observer.Observe(transitions)
	}
}

// handleCaptureFailure implements the failure semantics of spec §4.8: a
// transient failure (including context cancellation/timeout, which is
// treated identically per spec §4.8's cancellation note) surfaces as
// UNKNOWN with no tracker mutation; a permanent failure marks the
// target GONE immediately.
func (c *Checker) handleCaptureFailure(target model.Target, err error) (model.HealthVerdict, error) {
	if isRetryableFailure(err) {
		return model.HealthVerdict{Target: target, State: model.VerdictUnknown, Reason: err.Error()}, nil
	}
	c.logger("health: permanent failure for %s: %v", target, err)
	c.publish(c.tracker.MarkGone(target, err.Error()))
	return model.HealthVerdict{Target: target, State: model.VerdictUnknown, Reason: "permanent adapter error"}, err
}

func (c *Checker) captureWithRetry(ctx context.Context, target model.Target) (model.PaneSnapshot, error) {
	snap, err := c.captureOnce(ctx, target)
	if err == nil {
		return snap, nil
	}
	if !isRetryableFailure(err) {
		return model.PaneSnapshot{}, err
	}

	delay := jitteredDelay(c.retryDelayMin, c.retryDelayMax)
	select {
	case <-ctx.Done():
		return model.PaneSnapshot{}, ctx.Err()
	case <-time.After(delay):
	}

	return c.captureOnce(ctx, target)
}

func (c *Checker) captureOnce(ctx context.Context, target model.Target) (model.PaneSnapshot, error) {
	adapter, err := c.pool.Acquire(ctx)
	if err != nil {
		return model.PaneSnapshot{}, err
	}
	defer c.pool.Release(adapter)
	return adapter.Capture(ctx, target, c.captureLines)
}

func isRetryableFailure(err error) bool {
	if tmuxadapter.IsTransient(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, pool.ErrAcquireTimeout) || errors.Is(err, pool.ErrClosed) {
		return true
	}
	return false
}

func jitteredDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// deriveNotification builds the notification a transition produces. The
// severity scale follows spec §3's overall WARN-for-trouble,
// CRITICAL-for-exhaustion convention; PmRecovery emits its own
// CRITICAL(recovery_exhausted) notification independently (spec §4.9).
func deriveNotification(tr model.Transition) model.Notification {
	sev := model.SeverityInfo
	switch tr.To {
	case model.StateCrashed:
		sev = model.SeverityError
	case model.StateGone, model.StateStuck, model.StateRecovering:
		sev = model.SeverityWarn
	}
	return model.Notification{
		Target:  tr.Target,
		Severity: sev,
		Kind:    fmt.Sprintf("transition:%s", tr.To),
		Message: fmt.Sprintf("%s: %s -> %s (%s)", tr.Target, tr.From, tr.To, tr.Reason),
	}
}
