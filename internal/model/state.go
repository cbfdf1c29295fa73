package model

// AgentState is the lifecycle state of a tracked agent (spec §3, §4.6).
type AgentState uint8

const (
	StateStarting AgentState = iota
	StateActive
	StateIdle
	StateStuck
	StateCrashed
	StateRecovering
	StateGone
)

var stateNames = [...]string{
	StateStarting:   "STARTING",
	StateActive:     "ACTIVE",
	StateIdle:       "IDLE",
	StateStuck:      "STUCK",
	StateCrashed:    "CRASHED",
	StateRecovering: "RECOVERING",
	StateGone:       "GONE",
}

func (s AgentState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// VerdictKind is the outcome classification CrashDetector assigns. It
// shares ACTIVE, IDLE, STUCK, CRASHED and STARTING with AgentState but has
// no RECOVERING or GONE; UNKNOWN is not itself a tracker state, it means
// "treat as no transition" (spec §4.8).
type VerdictKind uint8

const (
	VerdictActive VerdictKind = iota
	VerdictIdle
	VerdictStuck
	VerdictCrashed
	VerdictStarting
	VerdictUnknown
)

var verdictNames = [...]string{
	VerdictActive:   "ACTIVE",
	VerdictIdle:     "IDLE",
	VerdictStuck:    "STUCK",
	VerdictCrashed:  "CRASHED",
	VerdictStarting: "STARTING",
	VerdictUnknown:  "UNKNOWN",
}

func (k VerdictKind) String() string {
	if int(k) < len(verdictNames) {
		return verdictNames[k]
	}
	return "UNKNOWN"
}

// Transition records one applied AgentState change for the tracker's
// diagnostics ring buffer (spec §4.6).
type Transition struct {
	Target   Target
	From     AgentState
	To       AgentState
	Reason   string
	Verdict  VerdictKind
	AppliedAt int64 // unix seconds
}
