package config

import (
	"fmt"
	"regexp"

	"github.com/fleetwatch/fleetwatch/internal/model"
)

var roleByName = map[string]model.AgentRole{
	"PROJECT_MANAGER": model.RoleProjectManager,
	"DEVELOPER":       model.RoleDeveloper,
	"QA":              model.RoleQA,
	"DEVOPS":          model.RoleDevOps,
	"REVIEWER":        model.RoleReviewer,
	"RESEARCHER":      model.RoleResearcher,
	"WRITER":          model.RoleWriter,
	"OTHER":           model.RoleOther,
}

// Validate checks range constraints and compiles every configured
// signature, populating RoleSignatures and TerminalErrorSignatures.
// Validate is idempotent: calling it again after Reconfigure re-derives
// both slices from the raw fields.
func (c *Config) Validate() error {
	if c.Pool.Min <= 0 || c.Pool.Max < c.Pool.Min {
		return &ClassifierMisconfig{Field: "pool.min/max", Reason: "require 0 < min <= max"}
	}
	if c.MaxParallel <= 0 {
		return &ClassifierMisconfig{Field: "max_parallel", Reason: "must be positive"}
	}
	if c.Crash.StuckThreshold <= 0 {
		return &ClassifierMisconfig{Field: "crash.stuck_threshold", Reason: "must be positive"}
	}
	if c.Recovery.MaxAttempts <= 0 {
		return &ClassifierMisconfig{Field: "recovery.max_attempts", Reason: "must be positive"}
	}
	if c.Recovery.ConfirmSamples <= 0 {
		return &ClassifierMisconfig{Field: "recovery.confirm_samples", Reason: "must be positive"}
	}
	switch c.Strategy {
	case "polling", "concurrent":
	default:
		return &ClassifierMisconfig{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", c.Strategy)}
	}

	roleSigs, err := compileRoleSignatures(c.Crash.RoleSignatures)
	if err != nil {
		return err
	}
	c.RoleSignatures = roleSigs

	errSigs, err := compileErrorSignatures(c.Crash.TerminalErrorSignatures)
	if err != nil {
		return err
	}
	c.TerminalErrorSignatures = errSigs

	return nil
}

func compileRoleSignatures(specs []RoleSignatureSpec) ([]model.RoleSignature, error) {
	out := make([]model.RoleSignature, 0, len(specs))
	for i, s := range specs {
		role, ok := roleByName[s.Role]
		if !ok {
			return nil, &ClassifierMisconfig{
				Field:  fmt.Sprintf("crash.role_signatures[%d].role", i),
				Reason: fmt.Sprintf("unknown role %q", s.Role),
			}
		}
		if (s.Literal == "") == (s.Pattern == "") {
			return nil, &ClassifierMisconfig{
				Field:  fmt.Sprintf("crash.role_signatures[%d]", i),
				Reason: "exactly one of literal or pattern must be set",
			}
		}
		if s.Pattern != "" {
			if _, err := regexp.Compile(s.Pattern); err != nil {
				return nil, &ClassifierMisconfig{
					Field:  fmt.Sprintf("crash.role_signatures[%d].pattern", i),
					Reason: err.Error(),
				}
			}
		}
		out = append(out, model.RoleSignature{Role: role, Literal: s.Literal, Pattern: s.Pattern})
	}
	return out, nil
}

func compileErrorSignatures(specs []ErrorSignature) ([]CompiledErrorSignature, error) {
	out := make([]CompiledErrorSignature, 0, len(specs))
	for i, s := range specs {
		if s.ID == "" {
			return nil, &ClassifierMisconfig{
				Field:  fmt.Sprintf("crash.terminal_error_signatures[%d].id", i),
				Reason: "id must not be empty",
			}
		}
		if (s.Literal == "") == (s.Pattern == "") {
			return nil, &ClassifierMisconfig{
				Field:  fmt.Sprintf("crash.terminal_error_signatures[%d]", i),
				Reason: "exactly one of literal or pattern must be set",
			}
		}
		compiled := CompiledErrorSignature{ID: s.ID, Literal: s.Literal}
		if s.Pattern != "" {
			re, err := regexp.Compile(s.Pattern)
			if err != nil {
				return nil, &ClassifierMisconfig{
					Field:  fmt.Sprintf("crash.terminal_error_signatures[%d].pattern", i),
					Reason: err.Error(),
				}
			}
			compiled.Regexp = re
		}
		out = append(out, compiled)
	}
	return out, nil
}
