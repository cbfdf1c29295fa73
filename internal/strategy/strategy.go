// Package strategy implements StrategyRegistry: a small set of
// interchangeable cycle-execution strategies (Polling, Concurrent),
// selected by configuration and swapped only at a cycle boundary
// (spec §4.10). The registry idiom — named implementations held in a
// map, registered up front, looked up by name — follows the teacher's
// doctor.Doctor check registry (internal/cmd/doctor.go's
// d.Register(doctor.NewXCheck()) calls against a doctor.NewDoctor()).
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fleetwatch/fleetwatch/internal/model"
)

// Checker is the subset of *health.Checker a strategy needs: running one
// target's health check.
type Checker interface {
	Check(ctx context.Context, target model.Target) (model.HealthVerdict, error)
}

// TargetError pairs a target with the error its health check returned.
type TargetError struct {
	Target model.Target
	Err    error
}

// Summary is one cycle's result: every verdict produced, in target
// order, and any per-target errors (permanent adapter failures).
type Summary struct {
	Verdicts []model.HealthVerdict
	Errors   []TargetError
}

// Strategy is one way of running HealthChecker over a discovered agent
// set (spec §4.10).
type Strategy interface {
	Name() string
	RequiredCapabilities() []string
	Execute(ctx context.Context, agents []model.Agent, checker Checker) (Summary, error)
}

// Registry holds the set of known strategies and the one currently
// active. Per spec §4.10/§5, the registry is mutated only at
// start/stop/reconfigure boundaries; callers must not call SetActive
// while a cycle is in flight.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	active     string
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds a strategy, keyed by its Name(). Registering a name a
// second time replaces the previous entry.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
	if r.active == "" {
		r.active = s.Name()
	}
}

// RegisterAll registers every strategy in order.
func (r *Registry) RegisterAll(strategies ...Strategy) {
	for _, s := range strategies {
		r.Register(s)
	}
}

// SetActive selects the named strategy as the one Active returns.
// Callers must only invoke this between cycles (spec §4.10).
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[name]; !ok {
		return fmt.Errorf("strategy: unknown strategy %q", name)
	}
	r.active = name
	return nil
}

// Active returns the currently selected strategy.
func (r *Registry) Active() (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[r.active]
	if !ok {
		return nil, fmt.Errorf("strategy: no active strategy selected")
	}
	return s, nil
}

// Names returns every registered strategy's name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Polling runs HealthChecker one target at a time, in discovery order.
// Chosen for very small fleets or debugging (spec §4.10).
type Polling struct{}

func (Polling) Name() string                  { return "polling" }
func (Polling) RequiredCapabilities() []string { return []string{"health_checker"} }

func (Polling) Execute(ctx context.Context, agents []model.Agent, checker Checker) (Summary, error) {
	var summary Summary
	for _, agent := range agents {
		verdict, err := checker.Check(ctx, agent.Target)
		if err != nil {
			summary.Errors = append(summary.Errors, TargetError{Target: agent.Target, Err: err})
			continue
		}
		summary.Verdicts = append(summary.Verdicts, verdict)
	}
	return summary, nil
}

// Concurrent runs up to MaxParallel health checks in parallel,
// respecting ConnectionPool capacity by bounding its own fan-out, and
// restores target order on output by buffering every result and
// sorting afterward (spec §4.10).
type Concurrent struct {
	MaxParallel int
}

func (Concurrent) Name() string                  { return "concurrent" }
func (Concurrent) RequiredCapabilities() []string { return []string{"health_checker", "connection_pool"} }

type concurrentResult struct {
	target  model.Target
	verdict model.HealthVerdict
	err     error
}

func (c Concurrent) Execute(ctx context.Context, agents []model.Agent, checker Checker) (Summary, error) {
	maxParallel := c.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}

	sem := make(chan struct{}, maxParallel)
	results := make([]concurrentResult, len(agents))
	var wg sync.WaitGroup

	for i, agent := range agents {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, target model.Target) {
			defer wg.Done()
			defer func() { <-sem }()
			verdict, err := checker.Check(ctx, target)
			results[i] = concurrentResult{target: target, verdict: verdict, err: err}
		}(i, agent.Target)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].target.Less(results[j].target) })

	var summary Summary
	for _, r := range results {
		if r.err != nil {
			summary.Errors = append(summary.Errors, TargetError{Target: r.target, Err: r.err})
			continue
		}
		summary.Verdicts = append(summary.Verdicts, r.verdict)
	}
	return summary, nil
}
