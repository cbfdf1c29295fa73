// Package discovery implements AgentDiscovery: turning a tmux target
// list into the current, role-classified Agent set, reconciled against
// the tracker's view of who was seen last cycle (spec §4.4).
package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/fleetwatch/fleetwatch/internal/cache"
	"github.com/fleetwatch/fleetwatch/internal/model"
)

// Lister enumerates targets; satisfied by a pooled *tmuxadapter.Adapter
// acquired by the caller, or a fake in tests.
type Lister interface {
	ListTargets(ctx context.Context) ([]model.Target, error)
}

// Capturer captures one pane snapshot.
type Capturer interface {
	Capture(ctx context.Context, target model.Target, lines int) (model.PaneSnapshot, error)
}

// Tracker is the subset of StateTracker discovery needs to reconcile
// presence/absence; implemented by internal/tracker.Tracker.
type Tracker interface {
	Get(target model.Target) (model.Agent, bool)
	MarkDiscovered(target model.Target, role model.AgentRole) model.Agent
	MarkMissing(target model.Target) (model.Agent, bool)
	KnownTargets() []model.Target
}

// Discovery runs one discovery pass per cycle.
type Discovery struct {
	cache          *cache.Cache
	roleSignatures []compiledSignature
	captureLines   int
}

// New builds a Discovery using roleSignatures in priority order (first
// match wins, per spec §4.4). Patterns are compiled once here; a
// signature with an invalid pattern is skipped (config.Validate should
// have already rejected it at load time).
func New(c *cache.Cache, roleSignatures []model.RoleSignature, captureLines int) *Discovery {
	if captureLines <= 0 {
		captureLines = 10
	}
	return &Discovery{cache: c, roleSignatures: compileSignatures(roleSignatures), captureLines: captureLines}
}

// Result is one discovery pass's output: the sorted, deduplicated agent
// list plus any warnings worth surfacing as notifications (e.g. a
// duplicate target in list_targets, spec §8).
type Result struct {
	Agents   []model.Agent
	Warnings []string
}

// Run executes one discovery pass against lister/capturer, reconciling
// the result into tracker.
func (d *Discovery) Run(ctx context.Context, lister Lister, capturer Capturer, tracker Tracker) (Result, error) {
	targets, err := lister.ListTargets(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("listing targets: %w", err)
	}

	seen := make(map[model.Target]bool, len(targets))
	var result Result
	presentThisCycle := make(map[model.Target]bool, len(targets))

	for _, target := range targets {
		if seen[target] {
			result.Warnings = append(result.Warnings, fmt.Sprintf("duplicate target %s in list_targets, ignoring second occurrence", target))
			continue
		}
		seen[target] = true
		presentThisCycle[target] = true

		role, err := d.classify(ctx, target, capturer)
		if err != nil {
			role = model.RoleOther
		}
		agent := tracker.MarkDiscovered(target, role)
		result.Agents = append(result.Agents, agent)
	}

	for _, target := range tracker.KnownTargets() {
		if presentThisCycle[target] {
			continue
		}
		if agent, stillKnown := tracker.MarkMissing(target); stillKnown {
			result.Agents = append(result.Agents, agent)
		}
	}

	sortAgents(result.Agents)
	return result, nil
}

// classify captures the target's pane (single-flight through the cache)
// and scans it against the ordered role-signature list.
func (d *Discovery) classify(ctx context.Context, target model.Target, capturer Capturer) (model.AgentRole, error) {
	key := target.String()
	v, err := d.cache.GetOrCompute(cache.NamespacePaneContent, key, func() (interface{}, error) {
		return capturer.Capture(ctx, target, d.captureLines)
	})
	if err != nil {
		return model.RoleOther, err
	}
	snapshot := v.(model.PaneSnapshot)
	return matchRole(snapshot.Text, d.roleSignatures), nil
}

func matchRole(text string, signatures []compiledSignature) model.AgentRole {
	for _, sig := range signatures {
		if sig.re != nil {
			if sig.re.MatchString(text) {
				return sig.role
			}
			continue
		}
		if sig.literal != "" && strings.Contains(text, sig.literal) {
			return sig.role
		}
	}
	return model.RoleOther
}

func sortAgents(agents []model.Agent) {
	for i := 1; i < len(agents); i++ {
		for j := i; j > 0 && agents[j].Target.Less(agents[j-1].Target); j-- {
			agents[j], agents[j-1] = agents[j-1], agents[j]
		}
	}
}
