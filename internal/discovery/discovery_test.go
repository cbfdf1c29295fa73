package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/cache"
	"github.com/fleetwatch/fleetwatch/internal/model"
)

type fakeLister struct {
	targets []model.Target
	err     error
}

func (f fakeLister) ListTargets(ctx context.Context) ([]model.Target, error) {
	return f.targets, f.err
}

type fakeCapturer struct {
	text map[model.Target]string
}

func (f fakeCapturer) Capture(ctx context.Context, target model.Target, lines int) (model.PaneSnapshot, error) {
	return model.PaneSnapshot{Target: target, Text: f.text[target], CapturedAt: time.Now()}, nil
}

type fakeTracker struct {
	known   map[model.Target]model.Agent
	missing []model.Target
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{known: make(map[model.Target]model.Agent)}
}

func (t *fakeTracker) Get(target model.Target) (model.Agent, bool) {
	a, ok := t.known[target]
	return a, ok
}

func (t *fakeTracker) MarkDiscovered(target model.Target, role model.AgentRole) model.Agent {
	a := model.Agent{Target: target, Role: role, State: model.StateStarting}
	t.known[target] = a
	return a
}

func (t *fakeTracker) MarkMissing(target model.Target) (model.Agent, bool) {
	t.missing = append(t.missing, target)
	a, ok := t.known[target]
	return a, ok
}

func (t *fakeTracker) KnownTargets() []model.Target {
	out := make([]model.Target, 0, len(t.known))
	for k := range t.known {
		out = append(out, k)
	}
	return out
}

func TestRunClassifiesByFirstMatchingSignature(t *testing.T) {
	signatures := []model.RoleSignature{
		{Role: model.RoleProjectManager, Literal: "pm>"},
		{Role: model.RoleDeveloper, Literal: "dev>"},
	}
	d := New(cache.New(cache.Config{PaneContentTTL: time.Minute}), signatures, 10)

	lister := fakeLister{targets: []model.Target{{Session: "s", Window: 0}, {Session: "s", Window: 1}}}
	capturer := fakeCapturer{text: map[model.Target]string{
		{Session: "s", Window: 0}: "pm> ready",
		{Session: "s", Window: 1}: "dev> coding",
	}}
	tracker := newFakeTracker()

	result, err := d.Run(context.Background(), lister, capturer, tracker)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Agents) != 2 {
		t.Fatalf("got %d agents, want 2", len(result.Agents))
	}
	if result.Agents[0].Role != model.RoleProjectManager {
		t.Errorf("agent 0 role = %v, want PROJECT_MANAGER", result.Agents[0].Role)
	}
	if result.Agents[1].Role != model.RoleDeveloper {
		t.Errorf("agent 1 role = %v, want DEVELOPER", result.Agents[1].Role)
	}
}

func TestRunSortsByStableOrder(t *testing.T) {
	d := New(cache.New(cache.Config{PaneContentTTL: time.Minute}), nil, 10)
	lister := fakeLister{targets: []model.Target{
		{Session: "beta", Window: 0},
		{Session: "alpha", Window: 1},
		{Session: "alpha", Window: 0},
	}}
	capturer := fakeCapturer{text: map[model.Target]string{}}
	tracker := newFakeTracker()

	result, err := d.Run(context.Background(), lister, capturer, tracker)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []model.Target{{Session: "alpha", Window: 0}, {Session: "alpha", Window: 1}, {Session: "beta", Window: 0}}
	for i, w := range want {
		if result.Agents[i].Target != w {
			t.Errorf("agents[%d].Target = %v, want %v", i, result.Agents[i].Target, w)
		}
	}
}

func TestRunFlagsDuplicateTargets(t *testing.T) {
	d := New(cache.New(cache.Config{PaneContentTTL: time.Minute}), nil, 10)
	target := model.Target{Session: "s", Window: 0}
	lister := fakeLister{targets: []model.Target{target, target}}
	capturer := fakeCapturer{text: map[model.Target]string{}}
	tracker := newFakeTracker()

	result, err := d.Run(context.Background(), lister, capturer, tracker)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Agents) != 1 {
		t.Fatalf("got %d agents, want 1 (duplicate ignored)", len(result.Agents))
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(result.Warnings))
	}
}

func TestRunMarksAbsentTargetsMissing(t *testing.T) {
	d := New(cache.New(cache.Config{PaneContentTTL: time.Minute}), nil, 10)
	tracker := newFakeTracker()
	tracker.known[model.Target{Session: "s", Window: 5}] = model.Agent{Target: model.Target{Session: "s", Window: 5}}

	lister := fakeLister{targets: nil}
	capturer := fakeCapturer{text: map[model.Target]string{}}

	if _, err := d.Run(context.Background(), lister, capturer, tracker); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tracker.missing) != 1 {
		t.Fatalf("expected 1 missing call, got %d", len(tracker.missing))
	}
}

func TestRunDefaultsUnknownRoleToOther(t *testing.T) {
	d := New(cache.New(cache.Config{PaneContentTTL: time.Minute}), nil, 10)
	lister := fakeLister{targets: []model.Target{{Session: "s", Window: 0}}}
	capturer := fakeCapturer{text: map[model.Target]string{{Session: "s", Window: 0}: "whatever"}}
	tracker := newFakeTracker()

	result, err := d.Run(context.Background(), lister, capturer, tracker)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Agents[0].Role != model.RoleOther {
		t.Errorf("role = %v, want OTHER", result.Agents[0].Role)
	}
}
