package scheduler

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/cache"
	"github.com/fleetwatch/fleetwatch/internal/classify"
	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/defaults"
	"github.com/fleetwatch/fleetwatch/internal/discovery"
	"github.com/fleetwatch/fleetwatch/internal/health"
	"github.com/fleetwatch/fleetwatch/internal/notify"
	"github.com/fleetwatch/fleetwatch/internal/pool"
	"github.com/fleetwatch/fleetwatch/internal/recovery"
	"github.com/fleetwatch/fleetwatch/internal/strategy"
	"github.com/fleetwatch/fleetwatch/internal/tmuxadapter"
	"github.com/fleetwatch/fleetwatch/internal/tracker"
)

func quietLogger(string, ...interface{}) {}

// buildTestScheduler assembles the same collaborators New does, but
// skips config.Load and tracker.Load so tests don't need a file on
// disk or a real tmux binary to construct one.
func buildTestScheduler(cfg *config.Config) *Scheduler {
	tr := tracker.New(tracker.Config{
		ConfirmSamples: cfg.Recovery.ConfirmSamples,
		GracePeriod:    cfg.Recovery.GracePeriod,
		RingBufferSize: defaults.RingBufferSize,
	})
	ch := cache.New(cache.Config{MaxEntriesPerNamespace: cfg.Cache.MaxEntriesPerNamespace})
	det := classify.New(nil, cfg.Crash.StuckThreshold)
	factory := func() *tmuxadapter.Adapter { return tmuxadapter.New(defaults.AdapterCallTimeout) }
	p := pool.New(pool.Config{Min: 1, Max: 2}, factory, quietLogger)
	q := notify.New(cfg.Notifications.QueueCapacity, cfg.Notifications.DedupeWindow, quietLogger)
	checker := health.New(health.PoolAdapter{Pool: p}, ch, det, tr, q, health.Config{}, quietLogger)
	recMgr := recovery.New(tr, recovery.PoolAdapter{Pool: p}, q, recovery.Config{}, quietLogger)
	checker.SetObserver(recMgr)
	disc := discovery.New(ch, cfg.RoleSignatures, defaults.DiscoveryLines)

	reg := strategy.NewRegistry()
	reg.RegisterAll(strategy.Polling{}, strategy.Concurrent{MaxParallel: cfg.MaxParallel})
	reg.SetActive(cfg.Strategy)

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
		logger:      quietLogger,
		doneCh:      make(chan struct{}),
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MaxParallel = 20
	cfg.Persistence.Path = "fleetwatch-test.state"
	return cfg
}

func TestApplyBackpressureHalvesAfterSaturationWindowElapses(t *testing.T) {
	s := buildTestScheduler(testConfig())

	s.applyBackpressure(true)
	if s.maxParallel != 20 {
		t.Fatalf("max_parallel = %d immediately after first saturated cycle, want unchanged 20", s.maxParallel)
	}

	s.mu.Lock()
	s.satSince = time.Now().Add(-defaults.SaturationWindow - time.Second)
	s.mu.Unlock()

	s.applyBackpressure(true)
	if s.maxParallel != 10 {
		t.Fatalf("max_parallel = %d after saturation window elapsed, want 10", s.maxParallel)
	}
	if n := s.queue.Len(); n != 1 {
		t.Fatalf("queue length = %d, want 1 saturation warning", n)
	}
}

func TestApplyBackpressureFloorsAtMinParallel(t *testing.T) {
	s := buildTestScheduler(testConfig())
	s.maxParallel = defaults.MinParallel

	s.mu.Lock()
	s.satSince = time.Now().Add(-defaults.SaturationWindow - time.Second)
	s.mu.Unlock()

	s.applyBackpressure(true)
	if s.maxParallel != defaults.MinParallel {
		t.Fatalf("max_parallel = %d, want floor %d", s.maxParallel, defaults.MinParallel)
	}
	if n := s.queue.Len(); n != 0 {
		t.Fatalf("queue length = %d, want 0 (no-op change shouldn't warn)", n)
	}
}

func TestApplyBackpressureDoublesAfterClearCycle(t *testing.T) {
	s := buildTestScheduler(testConfig())
	s.maxParallel = 5

	s.applyBackpressure(false)
	if s.maxParallel != 10 {
		t.Fatalf("max_parallel = %d after one clear cycle, want 10", s.maxParallel)
	}

	s.applyBackpressure(false)
	if s.maxParallel != 20 {
		t.Fatalf("max_parallel = %d after second clear cycle, want 20", s.maxParallel)
	}

	s.applyBackpressure(false)
	if s.maxParallel != 20 {
		t.Fatalf("max_parallel = %d after already at ceiling, want to stay at 20", s.maxParallel)
	}
}

func TestApplyBackpressureResetsSaturationClockOnClearCycle(t *testing.T) {
	s := buildTestScheduler(testConfig())
	s.applyBackpressure(true)
	s.mu.RLock()
	since := s.satSince
	s.mu.RUnlock()
	if since.IsZero() {
		t.Fatal("satSince should be set after a saturated cycle")
	}

	s.applyBackpressure(false)
	s.mu.RLock()
	since = s.satSince
	s.mu.RUnlock()
	if !since.IsZero() {
		t.Fatal("satSince should reset on a clear cycle")
	}
}

func TestAdvancePastNowNoSkipOnSchedule(t *testing.T) {
	base := time.Now()
	next, skipped := advancePastNow(base, 10*time.Second, base.Add(9*time.Second))
	if skipped != 0 {
		t.Fatalf("skipped = %d, want 0", skipped)
	}
	if !next.Equal(base.Add(10 * time.Second)) {
		t.Fatalf("next = %v, want %v", next, base.Add(10*time.Second))
	}
}

func TestAdvancePastNowCountsEachMissedStart(t *testing.T) {
	base := time.Now()
	// A cycle that overran by 25s against a 10s interval should skip two
	// ideal starts (base+10, base+20) and land on base+30.
	next, skipped := advancePastNow(base, 10*time.Second, base.Add(25*time.Second))
	if skipped != 2 {
		t.Fatalf("skipped = %d, want 2", skipped)
	}
	if !next.Equal(base.Add(30 * time.Second)) {
		t.Fatalf("next = %v, want %v", next, base.Add(30*time.Second))
	}
}

func TestReconfigureRejectsPersistencePathChange(t *testing.T) {
	cfg := testConfig()
	s := buildTestScheduler(cfg)

	newCfg := config.Default()
	*newCfg = *cfg
	newCfg.Persistence.Path = filepath.Join("elsewhere", cfg.Persistence.Path)

	err := s.Reconfigure(newCfg)
	if err == nil || !errors.Is(err, ErrRestartRequired) {
		t.Fatalf("Reconfigure error = %v, want ErrRestartRequired", err)
	}
}

func TestReconfigureRejectsUnknownStrategy(t *testing.T) {
	cfg := testConfig()
	s := buildTestScheduler(cfg)

	newCfg := config.Default()
	*newCfg = *cfg
	newCfg.Strategy = "nonexistent"

	if err := s.Reconfigure(newCfg); err == nil {
		t.Fatal("expected an error for an unknown strategy name")
	}
}

func TestReconfigureSwapsStrategyAndCapsMaxParallelDownward(t *testing.T) {
	cfg := testConfig()
	s := buildTestScheduler(cfg)
	s.maxParallel = 5 // simulate an in-progress backpressure reduction

	newCfg := config.Default()
	*newCfg = *cfg
	newCfg.Strategy = "polling"
	newCfg.MaxParallel = 10

	if err := s.Reconfigure(newCfg); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if s.maxParallel != 5 {
		t.Fatalf("max_parallel = %d, want unchanged 5 (still below the new ceiling)", s.maxParallel)
	}

	active, err := s.strategies.Active()
	if err != nil || active.Name() != "polling" {
		t.Fatalf("active strategy = %v (err %v), want polling", active, err)
	}

	newCfg2 := config.Default()
	*newCfg2 = *cfg
	newCfg2.MaxParallel = 3
	if err := s.Reconfigure(newCfg2); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if s.maxParallel != 3 {
		t.Fatalf("max_parallel = %d, want capped down to 3", s.maxParallel)
	}
}

func TestStatusReportsCurrentState(t *testing.T) {
	s := buildTestScheduler(testConfig())
	status := s.Status()
	if status.State != StateStopped {
		t.Fatalf("status.State = %v, want StateStopped", status.State)
	}
	if status.MaxParallel != 20 {
		t.Fatalf("status.MaxParallel = %d, want 20", status.MaxParallel)
	}
	if status.StateCounts == nil {
		t.Fatal("status.StateCounts should be a non-nil (possibly empty) map")
	}
	if status.CacheStats == nil {
		t.Fatal("status.CacheStats should be a non-nil map with one entry per namespace")
	}
}

func TestRunStateString(t *testing.T) {
	cases := map[RunState]string{
		StateStopped:  "STOPPED",
		StateRunning:  "RUNNING",
		StateStopping: "STOPPING",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestStopOnAlreadyStoppedSchedulerIsNoOp(t *testing.T) {
	s := buildTestScheduler(testConfig())
	if err := s.Stop(true, time.Second); err != nil {
		t.Fatalf("Stop on a never-started scheduler: %v", err)
	}
	if s.Status().State != StateStopped {
		t.Fatalf("state = %v, want StateStopped", s.Status().State)
	}
}
