package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mkoga/stallmux/internal/config"
	"github.com/mkoga/stallmux/internal/event"
	"github.com/mkoga/stallmux/internal/liveness"
	"github.com/mkoga/stallmux/internal/model"
)

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []model.ActuationRequest
	reject   bool
}

func (q *fakeQueue) Enqueue(req model.ActuationRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reject {
		return false
	}
	q.enqueued = append(q.enqueued, req)
	return true
}

func (q *fakeQueue) Status() model.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return model.QueueStatus{Size: len(q.enqueued)}
}

func (q *fakeQueue) requests() []model.ActuationRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.ActuationRequest, len(q.enqueued))
	copy(out, q.enqueued)
	return out
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Targets = []config.TargetSpec{
		{TargetID: "t1", Kind: "local", PaneRef: "work:0.1"},
		{TargetID: "t2", Kind: "local", PaneRef: "work:0.2"},
	}
	return cfg
}

func setup(cfg config.Config, start time.Time, queue Enqueuer, sink event.Sink) (*Orchestrator, *liveness.Tracker) {
	ids := make([]string, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		ids = append(ids, t.TargetID)
	}
	tracker := liveness.NewTracker(ids, start)
	return New(cfg, tracker, queue, sink, nil), tracker
}

func TestTickEnqueuesEmergencyForLongSilentTarget(t *testing.T) {
	cfg := testConfig()
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	queue := &fakeQueue{}
	events := &collector{}
	orch, tracker := setup(cfg, start, queue, events)

	// t2 stays fresh; t1 goes silent past the emergency boundary.
	now := start.Add(1205 * time.Second)
	tracker.RecordResponse("t2", now.Add(-time.Second))
	report := orch.Tick(context.Background(), now)

	reqs := queue.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 enqueued request, got %d", len(reqs))
	}
	req := reqs[0]
	if req.TargetID != "t1" {
		t.Fatalf("expected request for t1, got %s", req.TargetID)
	}
	if req.Severity != model.SeverityCritical {
		t.Fatalf("expected critical severity at 1205s, got %s", req.Severity)
	}
	if req.Strategy != model.StrategyEmergencyOverride {
		t.Fatalf("expected emergency_override, got %s", req.Strategy)
	}
	if req.Priority != model.PriorityFor(model.SeverityCritical) {
		t.Fatalf("priority should follow severity, got %d", req.Priority)
	}

	if got := len(events.ofType(model.EventEmergency)); got != 1 {
		t.Fatalf("expected 1 emergency event, got %d", got)
	}
	if report.TierCounts[model.SeverityCritical] != 1 || report.TierCounts[model.SeverityNone] != 1 {
		t.Fatalf("unexpected tier counts: %v", report.TierCounts)
	}

	snap, _ := tracker.Snapshot("t1")
	if snap.Status != model.StatusStalled {
		t.Fatalf("t1 should be stalled, got %s", snap.Status)
	}
	if snap.MitigationAttempts != 1 {
		t.Fatalf("mitigation attempt should be recorded before enqueue, got %d", snap.MitigationAttempts)
	}
}

func TestTickHonorsCooldownAcrossConsecutiveTicks(t *testing.T) {
	cfg := testConfig()
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	queue := &fakeQueue{}
	orch, tracker := setup(cfg, start, queue, event.Discard)
	tracker.RecordResponse("t2", start.Add(20 * time.Minute))

	// First tick past the emergency boundary mitigates t1.
	orch.Tick(context.Background(), start.Add(1205*time.Second))
	if got := len(queue.requests()); got != 1 {
		t.Fatalf("expected 1 request after first tick, got %d", got)
	}

	// The next tick lands inside the cooldown window. Nothing new fires.
	orch.Tick(context.Background(), start.Add(1205*time.Second+cfg.CheckInterval))
	if got := len(queue.requests()); got != 1 {
		t.Fatalf("cooldown must suppress a second request, got %d", got)
	}

	// Once the cooldown expires and the target is still silent, fire again.
	orch.Tick(context.Background(), start.Add(1205*time.Second+cfg.RescueCooldown+time.Second))
	if got := len(queue.requests()); got != 2 {
		t.Fatalf("expected a second request after cooldown, got %d", got)
	}
}

func TestTickWarningNeedsSustainedStalls(t *testing.T) {
	cfg := testConfig()
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	queue := &fakeQueue{}
	orch, _ := setup(cfg, start, queue, event.Discard)

	// Hold both targets in the warning band; the repetition gate requires
	// five consecutive stalled observations before a nudge goes out.
	for i := 1; i <= 4; i++ {
		now := start.Add(time.Duration(300+i) * time.Second)
		orch.Tick(context.Background(), now)
		if got := len(queue.requests()); got != 0 {
			t.Fatalf("tick %d: warning fired before the gate, %d requests", i, got)
		}
	}
	orch.Tick(context.Background(), start.Add(310*time.Second))
	reqs := queue.requests()
	if len(reqs) != 2 {
		t.Fatalf("expected a nudge per target on the fifth stall, got %d", len(reqs))
	}
	for _, req := range reqs {
		if req.Strategy != model.StrategyNudge {
			t.Fatalf("expected nudge at warning, got %s", req.Strategy)
		}
	}
}

func TestTickRecoveredTargetSettlesWithoutMitigation(t *testing.T) {
	cfg := testConfig()
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	queue := &fakeQueue{}
	orch, tracker := setup(cfg, start, queue, event.Discard)

	// Stall t1, then let it respond.
	stalledAt := start.Add(700 * time.Second)
	tracker.RecordResponse("t2", stalledAt)
	orch.Tick(context.Background(), stalledAt)
	tracker.RecordResponse("t1", stalledAt.Add(10*time.Second))

	snap, _ := tracker.Snapshot("t1")
	if snap.Status != model.StatusRecovering {
		t.Fatalf("expected recovering after response, got %s", snap.Status)
	}

	// Inside the grace period no new mitigation may fire.
	before := len(queue.requests())
	orch.Tick(context.Background(), stalledAt.Add(30*time.Second))
	if got := len(queue.requests()); got != before {
		t.Fatalf("recovering target was mitigated")
	}

	// After the grace period the target settles to active.
	orch.Tick(context.Background(), stalledAt.Add(10*time.Second+cfg.GracePeriodAfterRecovery+time.Second))
	snap, _ = tracker.Snapshot("t1")
	if snap.Status != model.StatusActive {
		t.Fatalf("expected active after grace, got %s", snap.Status)
	}
}

func TestTickSurvivesQueueRejection(t *testing.T) {
	cfg := testConfig()
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	queue := &fakeQueue{reject: true}
	var logged []string
	orch, _ := setup(cfg, start, queue, event.Discard)
	orch.errLog = func(scope string, err error) { logged = append(logged, scope) }

	report := orch.Tick(context.Background(), start.Add(1205*time.Second))
	if len(report.Targets) != 2 {
		t.Fatalf("a rejected enqueue must not drop targets from the report, got %d", len(report.Targets))
	}
	if len(logged) != 2 {
		t.Fatalf("expected both rejections logged, got %v", logged)
	}
}

func TestLastReportMatchesTick(t *testing.T) {
	cfg := testConfig()
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	orch, _ := setup(cfg, start, &fakeQueue{}, event.Discard)

	report := orch.Tick(context.Background(), start.Add(time.Minute))
	last := orch.LastReport()
	if !last.GeneratedAt.Equal(report.GeneratedAt) || len(last.Targets) != len(report.Targets) {
		t.Fatalf("LastReport diverged from the tick's report")
	}
}

type collector struct {
	mu     sync.Mutex
	events []model.AlertEvent
}

func (c *collector) Emit(ev model.AlertEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) ofType(eventType string) []model.AlertEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.AlertEvent
	for _, ev := range c.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}
