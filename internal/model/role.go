package model

// AgentRole is the closed enumeration of roles AgentDiscovery can assign.
type AgentRole uint8

const (
	RoleProjectManager AgentRole = iota
	RoleDeveloper
	RoleQA
	RoleDevOps
	RoleReviewer
	RoleResearcher
	RoleWriter
	RoleOther
)

var roleNames = [...]string{
	RoleProjectManager: "PROJECT_MANAGER",
	RoleDeveloper:      "DEVELOPER",
	RoleQA:             "QA",
	RoleDevOps:         "DEVOPS",
	RoleReviewer:       "REVIEWER",
	RoleResearcher:     "RESEARCHER",
	RoleWriter:         "WRITER",
	RoleOther:          "OTHER",
}

// String returns the canonical uppercase name of the role.
func (r AgentRole) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return "OTHER"
}

// RoleSignature pairs a literal substring or compiled pattern with the role
// it identifies. The match list is configuration, not code (spec §4.4, §9):
// the first signature whose pattern matches the snapshot wins.
type RoleSignature struct {
	Role    AgentRole
	Literal string // non-empty: substring match
	Pattern string // non-empty: regex match (mutually exclusive with Literal)
}
