package model

import "time"

// PmPhase is PmRecovery's per-session state machine (spec §4.9).
type PmPhase uint8

const (
	PmHealthy PmPhase = iota
	PmGracePending
	PmCrashedObserved
	PmRecovering
	PmHealthyConfirmed
)

var pmPhaseNames = [...]string{
	PmHealthy:          "HEALTHY",
	PmGracePending:      "GRACE_PENDING",
	PmCrashedObserved:   "CRASHED_OBSERVED",
	PmRecovering:        "RECOVERING",
	PmHealthyConfirmed:  "HEALTHY_CONFIRMED",
}

func (p PmPhase) String() string {
	if int(p) < len(pmPhaseNames) {
		return pmPhaseNames[p]
	}
	return "HEALTHY"
}

// PmOutcome records the result of the most recent recovery attempt.
type PmOutcome uint8

const (
	PmOutcomeNone PmOutcome = iota
	PmOutcomeSpawned
	PmOutcomeConfirmed
	PmOutcomeExhausted
)

// PmRecoveryRecord is the per-session PM-recovery bookkeeping (spec §3, §4.9).
type PmRecoveryRecord struct {
	Session        string
	Phase          PmPhase
	AttemptCount   int
	LastAttemptAt  time.Time
	GraceUntil     time.Time
	CooldownUntil  time.Time
	LastOutcome    PmOutcome
	ConsecutiveActive int // toward confirm_samples
	SpawnedAt      time.Time // when the current PM window was spawned
	CurrentTarget  Target
}

// Reset zeroes the record after a confirmed recovery (spec §3).
func (r *PmRecoveryRecord) Reset() {
	session := r.Session
	*r = PmRecoveryRecord{Session: session, Phase: PmHealthy}
}
