package model

import "time"

// Agent is the tracker's authoritative record for one window (spec §3).
type Agent struct {
	Target                    Target
	Role                      AgentRole
	State                     AgentState
	DiscoveredAt              time.Time
	LastSeenActiveAt          time.Time
	ConsecutiveIdleSamples    int
	ConsecutiveMissingSamples int
	BriefingDigest            [16]byte // zero if absent
	HasBriefingDigest         bool
}

// IsPM reports whether the agent plays the project-manager role — the only
// role with recovery semantics (spec §4.9, §9).
func (a *Agent) IsPM() bool {
	return a.Role == RoleProjectManager
}
