package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkoga/stallmux/internal/config"
	"github.com/mkoga/stallmux/internal/event"
	"github.com/mkoga/stallmux/internal/liveness"
	"github.com/mkoga/stallmux/internal/model"
	"github.com/mkoga/stallmux/internal/policy"
)

// Enqueuer is the slice of the actuation queue the orchestrator needs.
type Enqueuer interface {
	Enqueue(req model.ActuationRequest) bool
	Status() model.QueueStatus
}

// Orchestrator drives the poll loop: snapshot, classify, decide, enqueue.
// It is the only writer of the stall and mitigation counters, and it
// updates them before enqueueing so the decision and the record are
// consistent with respect to the next tick.
type Orchestrator struct {
	cfg     config.Config
	tracker *liveness.Tracker
	queue   Enqueuer
	sink    event.Sink
	errLog  func(scope string, err error)

	mu         sync.Mutex
	lastReport model.StatusReport
}

func New(cfg config.Config, tracker *liveness.Tracker, queue Enqueuer, sink event.Sink, errLog func(string, error)) *Orchestrator {
	if sink == nil {
		sink = event.Discard
	}
	if errLog == nil {
		errLog = func(string, error) {}
	}
	return &Orchestrator{
		cfg:     cfg,
		tracker: tracker,
		queue:   queue,
		sink:    sink,
		errLog:  errLog,
	}
}

// Run ticks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	run := func() {
		o.Tick(ctx, time.Now().UTC())
	}
	run()
	ticker := time.NewTicker(o.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// Tick processes every target once and emits one status report. A fault
// in one target is logged and never stops the loop for the others.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) model.StatusReport {
	records := o.tracker.SnapshotAll()
	report := model.StatusReport{
		GeneratedAt: now,
		Targets:     make([]model.TargetReport, 0, len(records)),
		TierCounts:  make(map[model.Severity]int),
	}

	for _, rec := range records {
		tier, err := o.processTarget(ctx, rec, now)
		if err != nil {
			o.errLog(fmt.Sprintf("target %s", rec.TargetID), err)
		}
		snap, ok := o.tracker.Snapshot(rec.TargetID)
		if !ok {
			continue
		}
		report.TierCounts[tier]++
		report.Targets = append(report.Targets, model.TargetReport{
			TargetID:           snap.TargetID,
			Status:             snap.Status,
			Severity:           tier,
			Silence:            now.Sub(snap.LastResponseAt),
			ConsecutiveStalls:  snap.ConsecutiveStalls,
			MitigationAttempts: snap.MitigationAttempts,
		})
	}

	qs := o.queue.Status()
	report.QueueDepth = qs.Size
	report.InFlight = qs.InFlight

	o.mu.Lock()
	o.lastReport = report
	o.mu.Unlock()
	return report
}

func (o *Orchestrator) processTarget(_ context.Context, rec model.LivenessRecord, now time.Time) (model.Severity, error) {
	tier := liveness.Classify(rec, now, o.cfg.SeverityThresholds, o.cfg.GracePeriodAfterRecovery)

	if liveness.Emergency(rec, now, o.cfg.SeverityThresholds) && o.tracker.MarkEmergency(rec.TargetID) {
		o.sink.Emit(event.New(model.EventEmergency, rec.TargetID, "",
			fmt.Sprintf("target %s silent for %s, past the emergency boundary", rec.TargetID, now.Sub(rec.LastResponseAt).Round(time.Second)), now))
	}

	// The repetition gates count this observation as well. rec is a copy;
	// the tracker applies the real increment below.
	if tier != model.SeverityNone {
		rec.ConsecutiveStalls++
	}
	mitigate := policy.ShouldMitigate(rec, tier, now, o.cfg.RescueCooldown, o.cfg.RepetitionGates)
	o.tracker.ApplyAssessment(rec.TargetID, tier, mitigate, now, o.cfg.GracePeriodAfterRecovery)
	if !mitigate {
		return tier, nil
	}

	strategy := policy.SelectStrategy(rec, tier)
	req := model.ActuationRequest{
		RequestID:  uuid.NewString(),
		TargetID:   rec.TargetID,
		Strategy:   strategy,
		Severity:   tier,
		Payload:    defaultPayload(strategy),
		Priority:   model.PriorityFor(tier),
		EnqueuedAt: now,
	}
	if !o.queue.Enqueue(req) {
		// The queue already emitted the saturation event; the rejected
		// mitigation simply waits for a later tick.
		return tier, fmt.Errorf("%s: enqueue rejected for %s", model.ErrQueueSaturated, rec.TargetID)
	}
	return tier, nil
}

// LastReport returns the report from the most recent tick.
func (o *Orchestrator) LastReport() model.StatusReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastReport
}

// defaultPayload supplies a minimal message per strategy. Real message
// content comes from the operator's tooling; this keeps the injected
// input self-describing when none is configured.
func defaultPayload(strategy model.Strategy) string {
	switch strategy {
	case model.StrategyNudge:
		return "Are you still working? Please continue with the current task."
	case model.StrategyEscalateMessage:
		return "You appear stalled. Summarize your current state and proceed."
	case model.StrategyResetSession:
		return "Session reset requested. Restate the task and continue from the last checkpoint."
	case model.StrategyEmergencyOverride:
		return "Emergency override: abandon the current operation and report status immediately."
	case model.StrategyPeerAssist:
		return "Peer assistance requested for a stalled neighbor. Please review its last output."
	default:
		return ""
	}
}
