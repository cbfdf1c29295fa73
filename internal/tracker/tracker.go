// Package tracker implements StateTracker: the authoritative AgentState
// and PmRecoveryRecord store, with per-target locking for verdict
// application and a diagnostics ring buffer (spec §4.6).
package tracker

import (
	"sync"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/defaults"
	"github.com/fleetwatch/fleetwatch/internal/model"
)

// trackedAgent is the tracker's private bookkeeping for one target; the
// mutex serializes verdict application per target (spec §5).
type trackedAgent struct {
	mu sync.Mutex

	agent        model.Agent
	priorHash    uint64
	priorVerdict model.VerdictKind

	// recoveryActiveStreak counts consecutive ACTIVE verdicts observed
	// while in RECOVERING, driving the RECOVERING -> ACTIVE transition
	// at confirm_samples (spec §4.6, §4.9).
	recoveryActiveStreak int
}

// Snapshot is the subset of a target's tracked state that the health
// checker and PmRecovery need to build classifier input and recovery
// decisions, without reaching into tracker internals.
type Snapshot struct {
	Agent         model.Agent
	PriorHash     uint64
	PriorVerdict  model.VerdictKind
	InGraceWindow bool
}

// Tracker owns every known agent and per-session PM recovery record.
type Tracker struct {
	missingThreshold int
	confirmSamples   int
	ringSize         int
	gracePeriod      time.Duration

	mu     sync.RWMutex
	agents map[model.Target]*trackedAgent

	pmMu      sync.Mutex
	pmRecords map[string]*model.PmRecoveryRecord

	ringMu sync.Mutex
	ring   []model.Transition
	ringAt int
}

// Config carries the tunables Tracker needs at construction.
type Config struct {
	MissingThreshold int
	ConfirmSamples   int
	RingBufferSize   int
	// GracePeriod is how long after DiscoveredAt a target is considered
	// "within grace" for the classifier's rule 1 (spec §4.5, §4.9): a
	// freshly discovered or freshly re-spawned target (e.g. a PM
	// replacement window) gets its own grace window the moment it first
	// appears in discovery, so no separate per-PM bookkeeping is needed.
	GracePeriod time.Duration
}

// New builds an empty Tracker.
func New(cfg Config) *Tracker {
	if cfg.MissingThreshold <= 0 {
		cfg.MissingThreshold = defaults.MissingSampleThreshold
	}
	if cfg.ConfirmSamples <= 0 {
		cfg.ConfirmSamples = defaults.ConfirmSamples
	}
	if cfg.RingBufferSize <= 0 {
		cfg.RingBufferSize = defaults.RingBufferSize
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaults.GracePeriod
	}
	return &Tracker{
		missingThreshold: cfg.MissingThreshold,
		confirmSamples:   cfg.ConfirmSamples,
		ringSize:         cfg.RingBufferSize,
		gracePeriod:      cfg.GracePeriod,
		agents:           make(map[model.Target]*trackedAgent),
		pmRecords:        make(map[string]*model.PmRecoveryRecord),
	}
}

// Get returns the current Agent record for target.
func (t *Tracker) Get(target model.Target) (model.Agent, bool) {
	t.mu.RLock()
	ta, ok := t.agents[target]
	t.mu.RUnlock()
	if !ok {
		return model.Agent{}, false
	}
	ta.mu.Lock()
	defer ta.mu.Unlock()
	return ta.agent, true
}

// SnapshotFor returns the classifier-relevant prior state for target.
func (t *Tracker) SnapshotFor(target model.Target) (Snapshot, bool) {
	t.mu.RLock()
	ta, ok := t.agents[target]
	t.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	ta.mu.Lock()
	defer ta.mu.Unlock()
	inGrace := time.Now().Before(ta.agent.DiscoveredAt.Add(t.gracePeriod))
	return Snapshot{Agent: ta.agent, PriorHash: ta.priorHash, PriorVerdict: ta.priorVerdict, InGraceWindow: inGrace}, true
}

// KnownTargets returns every target the tracker currently holds a
// record for, in no particular order.
func (t *Tracker) KnownTargets() []model.Target {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.Target, 0, len(t.agents))
	for target := range t.agents {
		out = append(out, target)
	}
	return out
}

// MarkDiscovered records that target was present in this cycle's
// discovery. New targets are inserted as STARTING; existing targets
// have their missing-sample counter reset (spec §4.4).
func (t *Tracker) MarkDiscovered(target model.Target, role model.AgentRole) model.Agent {
	ta := t.getOrCreate(target, role)
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.agent.ConsecutiveMissingSamples = 0
	return ta.agent
}

func (t *Tracker) getOrCreate(target model.Target, role model.AgentRole) *trackedAgent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ta, ok := t.agents[target]
	if ok {
		return ta
	}
	ta = &trackedAgent{agent: model.Agent{
		Target:       target,
		Role:         role,
		State:        model.StateStarting,
		DiscoveredAt: time.Now(),
	}}
	t.agents[target] = ta
	return ta
}

// MarkMissing records that target was absent from this cycle's
// discovery. Per the transition table (spec §4.6), every state
// increments the missing counter; any state transitions to GONE once
// the counter reaches the configured threshold, not just CRASHED —
// a window can vanish out from under an ACTIVE or STARTING agent just
// as easily as a CRASHED one.
func (t *Tracker) MarkMissing(target model.Target) (model.Agent, bool) {
	t.mu.RLock()
	ta, ok := t.agents[target]
	t.mu.RUnlock()
	if !ok {
		return model.Agent{}, false
	}

	ta.mu.Lock()
	ta.agent.ConsecutiveMissingSamples++
	var transition *model.Transition
	if ta.agent.State != model.StateGone && ta.agent.ConsecutiveMissingSamples >= t.missingThreshold {
		from := ta.agent.State
		ta.agent.State = model.StateGone
		transition = &model.Transition{Target: target, From: from, To: model.StateGone, Reason: "missing threshold exceeded", AppliedAt: time.Now().Unix()}
	}
	agent := ta.agent
	ta.mu.Unlock()

	if transition != nil {
		t.recordTransition(*transition)
	}
	return agent, true
}

// MarkGone forces an immediate GONE transition, bypassing the missing
// threshold — used for a permanent adapter error on this target
// (spec §7, §4.8).
func (t *Tracker) MarkGone(target model.Target, reason string) []model.Transition {
	t.mu.RLock()
	ta, ok := t.agents[target]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	ta.mu.Lock()
	from := ta.agent.State
	if from == model.StateGone {
		ta.mu.Unlock()
		return nil
	}
	ta.agent.State = model.StateGone
	ta.mu.Unlock()

	transition := model.Transition{Target: target, From: from, To: model.StateGone, Reason: reason, AppliedAt: time.Now().Unix()}
	t.recordTransition(transition)
	return []model.Transition{transition}
}

// Apply applies a classifier verdict to target's agent, following the
// transition table of spec §4.6, and returns any transitions that
// occurred (zero or one). A verdict of kind UNKNOWN performs no
// mutation at all — not even the idle/missing counters.
func (t *Tracker) Apply(target model.Target, verdict model.HealthVerdict) []model.Transition {
	if verdict.State == model.VerdictUnknown {
		return nil
	}

	t.mu.RLock()
	ta, ok := t.agents[target]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	ta.mu.Lock()
	from := ta.agent.State
	to := t.nextState(ta, verdict)
	ta.priorHash = verdict.SnapshotHash
	ta.priorVerdict = verdict.State
	if verdict.State == model.VerdictActive {
		ta.agent.LastSeenActiveAt = verdict.CapturedAt
		ta.agent.ConsecutiveIdleSamples = 0
	}
	if verdict.State == model.VerdictIdle || verdict.State == model.VerdictStuck {
		ta.agent.ConsecutiveIdleSamples++
	}
	ta.agent.State = to
	ta.mu.Unlock()

	if to == from {
		return nil
	}
	transition := model.Transition{
		Target: target, From: from, To: to,
		Reason: verdict.Reason, Verdict: verdict.State, AppliedAt: verdict.CapturedAt.Unix(),
	}
	t.recordTransition(transition)
	return []model.Transition{transition}
}

// nextState implements the body of the spec §4.6 transition table for
// one (current state, verdict) pair. Caller holds ta.mu.
func (t *Tracker) nextState(ta *trackedAgent, verdict model.HealthVerdict) model.AgentState {
	switch ta.agent.State {
	case model.StateStarting:
		switch verdict.State {
		case model.VerdictActive:
			return model.StateActive
		case model.VerdictCrashed:
			return model.StateCrashed
		default: // IDLE, STUCK, STARTING
			return model.StateStarting
		}
	case model.StateActive:
		return fromVerdict(verdict.State, model.StateActive)
	case model.StateIdle:
		return fromVerdict(verdict.State, model.StateIdle)
	case model.StateStuck:
		if verdict.State == model.VerdictActive {
			return model.StateActive
		}
		return model.StateStuck
	case model.StateCrashed:
		if verdict.State == model.VerdictActive {
			ta.recoveryActiveStreak = 0
			if ta.agent.IsPM() {
				return model.StateRecovering
			}
			return model.StateActive
		}
		return model.StateCrashed
	case model.StateRecovering:
		switch verdict.State {
		case model.VerdictActive:
			ta.recoveryActiveStreak++
			if ta.recoveryActiveStreak >= t.confirmSamples {
				return model.StateActive
			}
			return model.StateRecovering
		case model.VerdictCrashed:
			ta.recoveryActiveStreak = 0
			return model.StateCrashed
		default:
			ta.recoveryActiveStreak = 0
			return model.StateRecovering
		}
	case model.StateGone:
		return model.StateGone
	default:
		return ta.agent.State
	}
}

// fromVerdict implements the common ACTIVE/IDLE/STUCK/CRASHED row shape
// shared by the ACTIVE and IDLE rows of the transition table: ACTIVE,
// IDLE, STUCK and CRASHED verdicts move to the matching state; any other
// verdict (STARTING) leaves the current state unchanged.
func fromVerdict(verdict model.VerdictKind, current model.AgentState) model.AgentState {
	switch verdict {
	case model.VerdictActive:
		return model.StateActive
	case model.VerdictIdle:
		return model.StateIdle
	case model.VerdictStuck:
		return model.StateStuck
	case model.VerdictCrashed:
		return model.StateCrashed
	default:
		return current
	}
}

func (t *Tracker) recordTransition(tr model.Transition) {
	t.ringMu.Lock()
	defer t.ringMu.Unlock()
	if len(t.ring) < t.ringSize {
		t.ring = append(t.ring, tr)
		return
	}
	t.ring[t.ringAt] = tr
	t.ringAt = (t.ringAt + 1) % t.ringSize
}

// RecentTransitions returns up to n most recent transitions, most
// recent last.
func (t *Tracker) RecentTransitions(n int) []model.Transition {
	t.ringMu.Lock()
	defer t.ringMu.Unlock()
	if n <= 0 || n > len(t.ring) {
		n = len(t.ring)
	}
	out := make([]model.Transition, 0, n)
	if len(t.ring) < t.ringSize {
		start := len(t.ring) - n
		return append(out, t.ring[start:]...)
	}
	for i := 0; i < n; i++ {
		idx := (t.ringAt + len(t.ring) - n + i) % t.ringSize
		out = append(out, t.ring[idx])
	}
	return out
}

// StateCounts returns the number of agents currently in each state, for
// StatusReport (spec §4.11).
func (t *Tracker) StateCounts() map[model.AgentState]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	counts := make(map[model.AgentState]int)
	for _, ta := range t.agents {
		ta.mu.Lock()
		counts[ta.agent.State]++
		ta.mu.Unlock()
	}
	return counts
}

// PmRecord returns the PM recovery record for session, creating one in
// the HEALTHY phase if none exists yet.
func (t *Tracker) PmRecord(session string) *model.PmRecoveryRecord {
	t.pmMu.Lock()
	defer t.pmMu.Unlock()
	r, ok := t.pmRecords[session]
	if !ok {
		r = &model.PmRecoveryRecord{Session: session, Phase: model.PmHealthy}
		t.pmRecords[session] = r
	}
	return r
}

// PmSessions returns the session name of every PM recovery record
// currently held, for callers that need to iterate live records (e.g.
// PmRecovery's per-cycle tick) rather than the copies PmRecordsSnapshot
// returns.
func (t *Tracker) PmSessions() []string {
	t.pmMu.Lock()
	defer t.pmMu.Unlock()
	out := make([]string, 0, len(t.pmRecords))
	for session := range t.pmRecords {
		out = append(out, session)
	}
	return out
}

// PmRecordsSnapshot returns a copy of every PM recovery record, keyed by
// session, for persistence and status reporting.
func (t *Tracker) PmRecordsSnapshot() map[string]model.PmRecoveryRecord {
	t.pmMu.Lock()
	defer t.pmMu.Unlock()
	out := make(map[string]model.PmRecoveryRecord, len(t.pmRecords))
	for session, r := range t.pmRecords {
		out[session] = *r
	}
	return out
}

// AgentsSnapshot returns a copy of every agent record, for persistence.
func (t *Tracker) AgentsSnapshot() []model.Agent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.Agent, 0, len(t.agents))
	for _, ta := range t.agents {
		ta.mu.Lock()
		out = append(out, ta.agent)
		ta.mu.Unlock()
	}
	return out
}

// Restore replaces the tracker's agent and PM-record state with a
// previously persisted snapshot (spec §6). Restore is only safe before
// the scheduler starts its first cycle.
func (t *Tracker) Restore(agents []model.Agent, pmRecords map[string]model.PmRecoveryRecord) {
	t.mu.Lock()
	t.agents = make(map[model.Target]*trackedAgent, len(agents))
	for _, a := range agents {
		t.agents[a.Target] = &trackedAgent{agent: a}
	}
	t.mu.Unlock()

	t.pmMu.Lock()
	t.pmRecords = make(map[string]*model.PmRecoveryRecord, len(pmRecords))
	for session, r := range pmRecords {
		rCopy := r
		t.pmRecords[session] = &rCopy
	}
	t.pmMu.Unlock()
}
