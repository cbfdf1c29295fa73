// Package scheduler implements MonitorScheduler: the top-level loop that
// drives the active strategy at a configured interval, supervises the
// daemon's lifecycle, and exposes start/stop/reconfigure/status
// (spec §4.11). It is the one place every other component gets wired
// together, mirroring the way the teacher's monitor.Monitor owns its
// sources, health tracker, and ticker in one struct.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/fleetwatch/fleetwatch/internal/cache"
	"github.com/fleetwatch/fleetwatch/internal/classify"
	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/defaults"
	"github.com/fleetwatch/fleetwatch/internal/discovery"
	"github.com/fleetwatch/fleetwatch/internal/health"
	"github.com/fleetwatch/fleetwatch/internal/model"
	"github.com/fleetwatch/fleetwatch/internal/notify"
	"github.com/fleetwatch/fleetwatch/internal/pool"
	"github.com/fleetwatch/fleetwatch/internal/recovery"
	"github.com/fleetwatch/fleetwatch/internal/strategy"
	"github.com/fleetwatch/fleetwatch/internal/tmuxadapter"
	"github.com/fleetwatch/fleetwatch/internal/tracker"
)

// ErrRestartRequired is returned by Reconfigure when the new document
// changes a field that can only take effect on process restart.
var ErrRestartRequired = errors.New("scheduler: field change requires a restart")

// RunState is the daemon's lifecycle state (spec §4.11).
type RunState uint8

const (
	StateStopped RunState = iota
	StateRunning
	StateStopping
)

var runStateNames = [...]string{
	StateStopped:  "STOPPED",
	StateRunning:  "RUNNING",
	StateStopping: "STOPPING",
}

func (s RunState) String() string {
	if int(s) < len(runStateNames) {
		return runStateNames[s]
	}
	return "STOPPED"
}

// StatusReport is the snapshot status() returns (spec §4.11).
type StatusReport struct {
	State                RunState
	LastCycleID          string
	LastCycleDuration    time.Duration
	CycleCount           int64
	OverrunSkipCount     int
	MaxParallel          int
	StateCounts          map[model.AgentState]int
	PoolTotal            int
	PoolBorrowed         int
	CacheStats           map[cache.Namespace]cache.Stats
	PmRecords            map[string]model.PmRecoveryRecord
	RecentNotifications  []model.Notification
}

// Scheduler is MonitorScheduler. Construct with New, then Start/Stop it;
// Reconfigure and Status are safe to call from any goroutine.
type Scheduler struct {
	mu          sync.RWMutex
	cfg         *config.Config
	state       RunState
	maxParallel int
	satSince    time.Time
	skipCount   int
	cycleCount  int64

	lastCycleID       string
	lastCycleDuration time.Duration
	lastPersistAt     time.Time

	tracker     *tracker.Tracker
	cache       *cache.Cache
	pool        *pool.Pool
	queue       *notify.Queue
	checker     *health.Checker
	recoveryMgr *recovery.Manager
	disco       *discovery.Discovery
	strategies  *strategy.Registry
	logger      func(format string, v ...interface{})

	configPath string
	watcher    *fsnotify.Watcher

	cancel context.CancelFunc
	doneCh chan struct{}
}

// New loads configPath, builds every collaborator, and restores any
// persisted tracker snapshot, but does not start the cycle loop.
func New(configPath string, logger func(format string, v ...interface{})) (*Scheduler, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	if logger == nil {
		logger = log.Printf
	}

	tr := tracker.New(tracker.Config{
		ConfirmSamples: cfg.Recovery.ConfirmSamples,
		GracePeriod:    cfg.Recovery.GracePeriod,
		RingBufferSize: defaults.RingBufferSize,
	})
	agents, pmRecords, err := tracker.Load(cfg.Persistence.Path)
	if err != nil {
		return nil, fmt.Errorf("scheduler: loading persisted state: %w", err)
	}
	if agents != nil || pmRecords != nil {
		tr.Restore(agents, pmRecords)
		logger("scheduler: restored %d agents and %d pm records from %s", len(agents), len(pmRecords), cfg.Persistence.Path)
	}

	ch := cache.New(cache.Config{
		PaneContentTTL:         cfg.Cache.PaneContentTTL,
		AgentStatusTTL:         cfg.Cache.AgentStatusTTL,
		SessionInfoTTL:         cfg.Cache.SessionInfoTTL,
		ConfigTTL:              cfg.Cache.ConfigTTL,
		MaxEntriesPerNamespace: cfg.Cache.MaxEntriesPerNamespace,
	})

	det := classify.New(convertErrorSignatures(cfg.TerminalErrorSignatures), cfg.Crash.StuckThreshold)

	factory := func() *tmuxadapter.Adapter { return tmuxadapter.New(defaults.AdapterCallTimeout) }
	p := pool.New(pool.Config{
		Min:            cfg.Pool.Min,
		Max:            cfg.Pool.Max,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		MaxIdle:        cfg.Pool.MaxIdle,
		MaxTotalAge:    cfg.Pool.MaxTotalAge,
		SweepInterval:  cfg.Pool.SweepInterval,
	}, factory, logger)

	q := notify.New(cfg.Notifications.QueueCapacity, cfg.Notifications.DedupeWindow, logger)

	checker := health.New(health.PoolAdapter{Pool: p}, ch, det, tr, q, health.Config{
		CaptureLines: defaults.CaptureLines,
	}, logger)

	recMgr := recovery.New(tr, recovery.PoolAdapter{Pool: p}, q, recovery.Config{
		CooldownBase:      cfg.Recovery.CooldownBase,
		CooldownGrowth:    cfg.Recovery.CooldownGrowth,
		CooldownGrowthCap: cfg.Recovery.CooldownGrowthCap,
		MaxAttempts:       cfg.Recovery.MaxAttempts,
		ConfirmSamples:    cfg.Recovery.ConfirmSamples,
		PmLaunchCommand:   cfg.Recovery.PmLaunchCommand,
	}, logger)
	checker.SetObserver(recMgr)

	disc := discovery.New(ch, cfg.RoleSignatures, defaults.DiscoveryLines)

	reg := strategy.NewRegistry()
	reg.RegisterAll(strategy.Polling{}, strategy.Concurrent{MaxParallel: cfg.MaxParallel})
	if err := reg.SetActive(cfg.Strategy); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	return &Scheduler{
		cfg:         cfg,
		state:       StateStopped,
		maxParallel: cfg.MaxParallel,
		tracker:     tr,
		cache:       ch,
		pool:        p,
		queue:       q,
		checker:     checker,
		recoveryMgr: recMgr,
		disco:       disc,
		strategies:  reg,
		logger:      logger,
		configPath:  configPath,
		doneCh:      make(chan struct{}),
	}, nil
}

func convertErrorSignatures(in []config.CompiledErrorSignature) []classify.ErrorSignature {
	out := make([]classify.ErrorSignature, len(in))
	for i, s := range in {
		out[i] = classify.ErrorSignature{ID: s.ID, Literal: s.Literal, Regexp: s.Regexp}
	}
	return out
}

// Start transitions the daemon to RUNNING and schedules the first cycle
// immediately, then every cycle_interval (spec §4.11). Calling Start on
// an already-running daemon is a no-op.
func (s *Scheduler) Start(ctx context.Context) (ok bool, message string) {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return true, "already running"
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.state = StateRunning
	s.cancel = cancel
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	s.watchConfig(runCtx)
	go s.queue.Run(runCtx, notifySink{s})
	go s.loop(runCtx)

	return true, "started"
}

// Stop signals the current cycle to stop. If graceful, it waits up to
// timeout for the in-flight cycle to finish, drains the notification
// queue, and persists tracker state; a non-graceful stop cancels
// immediately and skips persistence (spec §4.11, §5).
func (s *Scheduler) Stop(graceful bool, timeout time.Duration) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	cancel := s.cancel
	done := s.doneCh
	s.mu.Unlock()

	if !graceful {
		cancel()
		<-done
		s.queue.Stop()
		s.pool.Close()
		s.setState(StateStopped)
		return nil
	}

	if timeout <= 0 {
		timeout = defaults.StopTimeout
	}
	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger("scheduler: graceful stop exceeded %v, forcing", timeout)
	}

	s.queue.Stop()
	sink := notifySink{s}
	for _, note := range s.queue.Recent(0) {
		sink.Deliver(note)
	}
	s.pool.Close()

	s.mu.RLock()
	path := s.cfg.Persistence.Path
	s.mu.RUnlock()
	if err := s.tracker.Persist(path); err != nil {
		s.logger("scheduler: persisting state on stop: %v", err)
	}

	s.setState(StateStopped)
	return nil
}

func (s *Scheduler) setState(state RunState) {
	s.mu.Lock()
	s.state = state
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	s.mu.Unlock()
}

// Reconfigure swaps in newCfg and its active strategy and lowers the
// max_parallel ceiling if needed; the settings each cycle reads from the
// config (cycle interval, max_parallel, persist interval) take effect at
// the next cycle. Collaborators built by New (pool, cache, health
// checker, recovery manager, notification queue, discovery) keep the
// settings they were built with. A changed persistence path requires a
// process restart and is rejected (spec §4.11, SPEC_FULL.md §A.1).
func (s *Scheduler) Reconfigure(newCfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg != nil && newCfg.Persistence.Path != s.cfg.Persistence.Path {
		return fmt.Errorf("persistence.path changed: %w", ErrRestartRequired)
	}
	if err := s.strategies.SetActive(newCfg.Strategy); err != nil {
		return err
	}
	s.cfg = newCfg
	if s.maxParallel > newCfg.MaxParallel {
		s.maxParallel = newCfg.MaxParallel
	}
	s.logger("scheduler: reconfigured cycle_interval=%s strategy=%s max_parallel=%d", newCfg.CycleInterval, newCfg.Strategy, newCfg.MaxParallel)
	return nil
}

// Status returns a snapshot per spec §4.11.
func (s *Scheduler) Status() StatusReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total, borrowed := s.pool.Size()
	return StatusReport{
		State:               s.state,
		LastCycleID:         s.lastCycleID,
		LastCycleDuration:   s.lastCycleDuration,
		CycleCount:          s.cycleCount,
		OverrunSkipCount:    s.skipCount,
		MaxParallel:         s.maxParallel,
		StateCounts:         s.tracker.StateCounts(),
		PoolTotal:           total,
		PoolBorrowed:        borrowed,
		CacheStats:          s.cache.Stats(),
		PmRecords:           s.tracker.PmRecordsSnapshot(),
		RecentNotifications: s.queue.Recent(32),
	}
}

// loop drives cycles on a self-paced schedule (spec §4.11): the first
// cycle runs immediately, and every subsequent start is the ideal
// cadence (previous ideal start + cycle_interval), not "interval after
// the previous cycle finished". An overrunning cycle silently eats one
// or more of those ideal starts; loop counts exactly how many and
// reports it, which a plain time.Ticker (coalescing drops on its
// buffered channel) cannot do reliably.
func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	next := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		interval := s.cycleInterval()
		s.runCycle(ctx)
		if ctx.Err() != nil {
			return
		}

		var skipped int
		next, skipped = advancePastNow(next, interval, time.Now())
		if skipped > 0 {
			s.mu.Lock()
			s.skipCount += skipped
			total := s.skipCount
			s.mu.Unlock()
			s.queue.Enqueue(model.Notification{
				Severity: model.SeverityWarn,
				Kind:     "cycle_overrun",
				Message:  fmt.Sprintf("cycle exceeded cycle_interval, skipped %d start(s) (total %d)", skipped, total),
			})
		}
	}
}

// advancePastNow advances next by interval until it is strictly after
// now, returning the new ideal start time and how many ideal starts
// were passed over beyond the first advance — each one a cycle start the
// overrunning prior cycle ate. A cycle finishing before the next ideal
// start advances once and reports zero.
func advancePastNow(next time.Time, interval time.Duration, now time.Time) (time.Time, int) {
	skipped := 0
	next = next.Add(interval)
	for !next.After(now) {
		next = next.Add(interval)
		skipped++
	}
	return next, skipped
}

func (s *Scheduler) cycleInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	interval := s.cfg.CycleInterval
	if interval < defaults.CycleIntervalFloor {
		interval = defaults.CycleIntervalFloor
	}
	return interval
}

// runCycle is one pass of the data flow in spec §4.11's line 27:
// discovery, then the active strategy's health checks, then a recovery
// tick, then backpressure, then an interval-gated persist.
func (s *Scheduler) runCycle(ctx context.Context) {
	cycleID := uuid.NewString()
	start := time.Now()

	s.mu.RLock()
	maxParallel := s.maxParallel
	persistInterval := s.cfg.Persistence.PersistInterval
	persistPath := s.cfg.Persistence.Path
	s.mu.RUnlock()

	strat, err := s.strategies.Active()
	if err != nil {
		s.logger("scheduler[%s]: no active strategy: %v", cycleID, err)
		return
	}
	if c, ok := strat.(strategy.Concurrent); ok {
		c.MaxParallel = maxParallel
		strat = c
	}

	adapter, err := s.pool.Acquire(ctx)
	if err != nil {
		s.logger("scheduler[%s]: acquiring discovery adapter: %v", cycleID, err)
		return
	}
	result, err := s.disco.Run(ctx, adapter, adapter, s.tracker)
	s.pool.Release(adapter)
	if err != nil {
		s.logger("scheduler[%s]: discovery: %v", cycleID, err)
		return
	}
	for _, w := range result.Warnings {
		s.queue.Enqueue(model.Notification{Severity: model.SeverityWarn, Kind: "duplicate_target", Message: w})
	}

	summary, err := strat.Execute(ctx, result.Agents, s.checker)
	if err != nil {
		s.logger("scheduler[%s]: strategy %s: %v", cycleID, strat.Name(), err)
	}
	for _, te := range summary.Errors {
		s.logger("scheduler[%s]: check %s failed permanently: %v", cycleID, te.Target, te.Err)
	}

	s.recoveryMgr.Tick(ctx)

	s.applyBackpressure(acquireTimeoutCount(summary.Verdicts) > 0)

	elapsed := time.Since(start)
	s.mu.Lock()
	s.lastCycleID = cycleID
	s.lastCycleDuration = elapsed
	s.cycleCount++
	s.mu.Unlock()

	if persistInterval <= 0 {
		persistInterval = defaults.PersistInterval
	}
	s.maybePersist(persistPath, persistInterval)
}

// maybePersist writes the tracker snapshot at most once per
// persist_interval, checked at the end of every cycle rather than on a
// separate timer goroutine: cheap to check, and a daemon with a cycle
// interval longer than persist_interval never persists more than once
// per cycle anyway.
func (s *Scheduler) maybePersist(path string, interval time.Duration) {
	s.mu.Lock()
	due := s.lastPersistAt.IsZero() || time.Since(s.lastPersistAt) >= interval
	if due {
		s.lastPersistAt = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}
	if err := s.tracker.Persist(path); err != nil {
		s.logger("scheduler: periodic persist: %v", err)
	}
}

// acquireTimeoutCount reports how many verdicts in a cycle resulted from
// a pool acquire timing out, the signal the backpressure rule in spec
// §5 watches for.
func acquireTimeoutCount(verdicts []model.HealthVerdict) int {
	n := 0
	for _, v := range verdicts {
		if v.State == model.VerdictUnknown && v.Reason == pool.ErrAcquireTimeout.Error() {
			n++
		}
	}
	return n
}

// applyBackpressure implements spec §5's rule: max_parallel halves
// (floor MinParallel) after the pool stays saturated for
// saturation_window, and doubles again (ceiling at the configured
// maximum) after one full cycle with no saturation. A cycle skipped for
// overrunning the interval never reaches here, so it can't count toward
// saturation either way (spec.md §9, resolved independently).
func (s *Scheduler) applyBackpressure(saturated bool) {
	s.mu.Lock()
	now := time.Now()
	var warn string
	if saturated {
		if s.satSince.IsZero() {
			s.satSince = now
		}
		if now.Sub(s.satSince) >= defaults.SaturationWindow {
			next := s.maxParallel / 2
			if next < defaults.MinParallel {
				next = defaults.MinParallel
			}
			if next != s.maxParallel {
				s.maxParallel = next
				warn = fmt.Sprintf("pool saturated for %s, max_parallel reduced to %d", defaults.SaturationWindow, next)
			}
			s.satSince = time.Time{}
		}
	} else {
		s.satSince = time.Time{}
		if s.maxParallel < s.cfg.MaxParallel {
			next := s.maxParallel * 2
			if next > s.cfg.MaxParallel {
				next = s.cfg.MaxParallel
			}
			s.maxParallel = next
		}
	}
	s.mu.Unlock()

	if warn != "" {
		s.queue.Enqueue(model.Notification{Severity: model.SeverityWarn, Kind: "pool_saturation", Message: warn})
	}
}

// notifySink delivers queued notifications to the PM of the
// notification's session via a pooled adapter (spec §4.11's data flow:
// "NotificationQueue drains to the PM via TmuxAdapter.send").
type notifySink struct {
	s *Scheduler
}

func (n notifySink) Deliver(note model.Notification) {
	pmTarget, ok := n.s.pmTargetFor(note.Target.Session)
	if !ok {
		n.s.logger("scheduler: no PM for session %s, dropping notification kind=%s", note.Target.Session, note.Kind)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaults.AdapterCallTimeout)
	defer cancel()

	adapter, err := n.s.pool.Acquire(ctx)
	if err != nil {
		n.s.logger("scheduler: acquiring adapter to deliver notification: %v", err)
		return
	}
	defer n.s.pool.Release(adapter)

	text := fmt.Sprintf("[%s] %s: %s", note.Severity, note.Kind, note.Message)
	if err := adapter.Send(ctx, pmTarget, text, defaults.KeystrokeSettleDelay); err != nil {
		n.s.logger("scheduler: delivering notification to %s: %v", pmTarget, err)
	}
}

func (s *Scheduler) pmTargetFor(session string) (model.Target, bool) {
	for _, a := range s.tracker.AgentsSnapshot() {
		if a.Target.Session == session && a.IsPM() {
			return a.Target, true
		}
	}
	return model.Target{}, false
}

// watchConfig starts an fsnotify watch on configPath's directory; a
// write to the config file triggers Reconfigure with the freshly parsed
// document (SPEC_FULL.md §A.1, additive to spec §4.11's explicit
// reconfigure call).
func (s *Scheduler) watchConfig(ctx context.Context) {
	if s.configPath == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger("scheduler: config watch disabled: %v", err)
		return
	}
	dir := filepath.Dir(s.configPath)
	if err := watcher.Add(dir); err != nil {
		s.logger("scheduler: watching %s: %v", dir, err)
		watcher.Close()
		return
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	want := filepath.Clean(s.configPath)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != want {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := config.Load(s.configPath)
				if err != nil {
					s.logger("scheduler: config reload failed: %v", err)
					continue
				}
				if err := s.Reconfigure(cfg); err != nil {
					s.logger("scheduler: reconfigure failed: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger("scheduler: config watcher error: %v", err)
			}
		}
	}()
}
