package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/cache"
	"github.com/fleetwatch/fleetwatch/internal/classify"
	"github.com/fleetwatch/fleetwatch/internal/model"
	"github.com/fleetwatch/fleetwatch/internal/pool"
	"github.com/fleetwatch/fleetwatch/internal/tmuxadapter"
	"github.com/fleetwatch/fleetwatch/internal/tracker"
)

type fakeCapturer struct {
	snapshot model.PaneSnapshot
	err      error
}

func (f *fakeCapturer) Capture(ctx context.Context, target model.Target, lines int) (model.PaneSnapshot, error) {
	return f.snapshot, f.err
}

type fakePool struct {
	calls     int32
	responses []*fakeCapturer
}

func (p *fakePool) Acquire(ctx context.Context) (Capturer, error) {
	n := atomic.AddInt32(&p.calls, 1) - 1
	if int(n) >= len(p.responses) {
		n = int32(len(p.responses) - 1)
	}
	c := p.responses[n]
	if c.err != nil && !tmuxadapter.IsTransient(c.err) {
		return nil, c.err
	}
	return c, nil
}

func (p *fakePool) Release(Capturer) {}

func transientErr() error {
	return &tmuxadapter.AdapterError{Kind: tmuxadapter.KindTransient, Op: "capture-pane", Err: errors.New("boom")}
}

func permanentErr() error {
	return &tmuxadapter.AdapterError{Kind: tmuxadapter.KindPermanent, Op: "capture-pane", Err: errors.New("gone")}
}

func newChecker(t *testing.T, p Pool, tr Tracker) *Checker {
	t.Helper()
	c := cache.New(cache.Config{})
	d := classify.New(nil, 0)
	n := &captureNotifier{}
	return New(p, c, d, tr, n, Config{RetryDelayMin: time.Millisecond, RetryDelayMax: 2 * time.Millisecond}, nil)
}

type captureNotifier struct {
	notifications []model.Notification
}

func (n *captureNotifier) Enqueue(note model.Notification) {
	n.notifications = append(n.notifications, note)
}

func TestCheckAppliesActiveVerdictOnSuccess(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	target := model.Target{Session: "s", Window: 0}
	tr.MarkDiscovered(target, model.RoleDeveloper)

	p := &fakePool{responses: []*fakeCapturer{
		{snapshot: model.PaneSnapshot{Target: target, Hash: 1, CapturedAt: time.Now()}},
	}}
	checker := newChecker(t, p, tr)

	verdict, err := checker.Check(context.Background(), target)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if verdict.State != model.VerdictActive {
		t.Fatalf("verdict = %v, want ACTIVE", verdict.State)
	}
	agent, _ := tr.Get(target)
	if agent.State != model.StateActive {
		t.Fatalf("tracker state = %v, want ACTIVE", agent.State)
	}
}

func TestCheckRetriesOnceOnTransientThenSucceeds(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	target := model.Target{Session: "s", Window: 0}
	tr.MarkDiscovered(target, model.RoleDeveloper)

	p := &fakePool{responses: []*fakeCapturer{
		{err: transientErr()},
		{snapshot: model.PaneSnapshot{Target: target, Hash: 1, CapturedAt: time.Now()}},
	}}
	checker := newChecker(t, p, tr)

	verdict, err := checker.Check(context.Background(), target)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if verdict.State != model.VerdictActive {
		t.Fatalf("verdict = %v, want ACTIVE after retry succeeds", verdict.State)
	}
}

func TestCheckYieldsUnknownAfterSecondTransientFailure(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	target := model.Target{Session: "s", Window: 0}
	tr.MarkDiscovered(target, model.RoleDeveloper)
	tr.Apply(target, model.HealthVerdict{Target: target, State: model.VerdictActive, CapturedAt: time.Now()})

	p := &fakePool{responses: []*fakeCapturer{
		{err: transientErr()},
		{err: transientErr()},
	}}
	checker := newChecker(t, p, tr)

	before, _ := tr.Get(target)
	verdict, err := checker.Check(context.Background(), target)
	if err != nil {
		t.Fatalf("Check should not surface an error for a transient failure, got %v", err)
	}
	if verdict.State != model.VerdictUnknown {
		t.Fatalf("verdict = %v, want UNKNOWN", verdict.State)
	}
	after, _ := tr.Get(target)
	if before != after {
		t.Fatalf("tracker state mutated on transient failure: before=%+v after=%+v", before, after)
	}
}

func TestCheckMarksGoneOnPermanentFailure(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	target := model.Target{Session: "s", Window: 0}
	tr.MarkDiscovered(target, model.RoleDeveloper)
	tr.Apply(target, model.HealthVerdict{Target: target, State: model.VerdictActive, CapturedAt: time.Now()})

	p := &fakePool{responses: []*fakeCapturer{{err: permanentErr()}}}
	checker := newChecker(t, p, tr)

	_, err := checker.Check(context.Background(), target)
	if err == nil {
		t.Fatal("expected Check to surface the permanent error")
	}
	agent, _ := tr.Get(target)
	if agent.State != model.StateGone {
		t.Fatalf("tracker state = %v, want GONE after permanent failure", agent.State)
	}
}

func TestCheckEnqueuesNotificationForEachTransition(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	target := model.Target{Session: "s", Window: 0}
	tr.MarkDiscovered(target, model.RoleDeveloper)

	p := &fakePool{responses: []*fakeCapturer{
		{snapshot: model.PaneSnapshot{Target: target, Hash: 1, CapturedAt: time.Now()}},
	}}
	c := cache.New(cache.Config{})
	d := classify.New(nil, 0)
	n := &captureNotifier{}
	checker := New(p, c, d, tr, n, Config{RetryDelayMin: time.Millisecond, RetryDelayMax: 2 * time.Millisecond}, nil)

	if _, err := checker.Check(context.Background(), target); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(n.notifications) != 1 {
		t.Fatalf("notifications = %+v, want exactly one for the STARTING->ACTIVE transition", n.notifications)
	}
}

func TestPoolAcquireTimeoutTreatedAsTransient(t *testing.T) {
	if !isRetryableFailure(pool.ErrAcquireTimeout) {
		t.Fatal("pool.ErrAcquireTimeout should be treated as a retryable failure")
	}
}
