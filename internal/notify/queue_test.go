package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/model"
)

func testNotification(target model.Target, sev model.Severity, kind string) model.Notification {
	return model.Notification{Target: target, Severity: sev, Kind: kind, Message: kind}
}

func TestEnqueueDedupesWithinWindow(t *testing.T) {
	q := New(10, time.Minute, nil)
	target := model.Target{Session: "s", Window: 0}

	q.Enqueue(testNotification(target, model.SeverityWarn, "idle"))
	q.Enqueue(testNotification(target, model.SeverityWarn, "idle"))

	if got := q.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1 after dedupe", got)
	}
	recent := q.Recent(1)
	if recent[0].SuppressedCount != 1 {
		t.Fatalf("SuppressedCount = %d, want 1", recent[0].SuppressedCount)
	}
}

func TestEnqueueAfterDedupeWindowAddsNewEntry(t *testing.T) {
	q := New(10, time.Millisecond, nil)
	target := model.Target{Session: "s", Window: 0}

	q.Enqueue(testNotification(target, model.SeverityWarn, "idle"))
	time.Sleep(5 * time.Millisecond)
	q.Enqueue(testNotification(target, model.SeverityWarn, "idle"))

	if got := q.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2 once dedupe window elapsed", got)
	}
}

func TestDistinctKindsDoNotDedupe(t *testing.T) {
	q := New(10, time.Minute, nil)
	target := model.Target{Session: "s", Window: 0}

	q.Enqueue(testNotification(target, model.SeverityWarn, "idle"))
	q.Enqueue(testNotification(target, model.SeverityWarn, "stuck"))

	if got := q.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2 for distinct kinds", got)
	}
}

func TestFullQueueDropsLowestSeverity(t *testing.T) {
	q := New(2, time.Minute, nil)
	target := model.Target{Session: "s", Window: 0}

	q.Enqueue(testNotification(model.Target{Session: "s", Window: 1}, model.SeverityInfo, "a"))
	q.Enqueue(testNotification(model.Target{Session: "s", Window: 2}, model.SeverityWarn, "b"))
	q.Enqueue(testNotification(target, model.SeverityCritical, "c"))

	if got := q.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2 (capacity)", got)
	}
	for _, n := range q.Recent(2) {
		if n.Kind == "a" {
			t.Fatal("expected lowest-severity entry to be evicted")
		}
	}
}

func TestFullQueueDropsIncomingWhenLowerSeverity(t *testing.T) {
	q := New(1, time.Minute, nil)
	q.Enqueue(testNotification(model.Target{Session: "s", Window: 1}, model.SeverityCritical, "a"))
	q.Enqueue(testNotification(model.Target{Session: "s", Window: 2}, model.SeverityInfo, "b"))

	if got := q.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	if got := q.DroppedCount(model.SeverityInfo); got != 1 {
		t.Fatalf("DroppedCount(INFO) = %d, want 1", got)
	}
	if q.Recent(1)[0].Kind != "a" {
		t.Fatal("expected existing higher-severity entry to survive")
	}
}

func TestRunDeliversInFIFOOrder(t *testing.T) {
	q := New(10, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var delivered []string
	sink := SinkFunc(func(n model.Notification) {
		mu.Lock()
		delivered = append(delivered, n.Kind)
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		q.Run(ctx, sink)
		close(done)
	}()

	q.Enqueue(testNotification(model.Target{Session: "s", Window: 1}, model.SeverityInfo, "a"))
	q.Enqueue(testNotification(model.Target{Session: "s", Window: 2}, model.SeverityInfo, "b"))

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 2 || delivered[0] != "a" || delivered[1] != "b" {
		t.Fatalf("delivered = %v, want [a b] in order", delivered)
	}
}

func TestStopHaltsDrainer(t *testing.T) {
	q := New(10, time.Minute, nil)
	sink := SinkFunc(func(model.Notification) {})
	done := make(chan struct{})
	go func() {
		q.Run(context.Background(), sink)
		close(done)
	}()

	q.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
