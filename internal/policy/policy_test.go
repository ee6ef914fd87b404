package policy

import (
	"testing"
	"time"

	"github.com/mkoga/stallmux/internal/config"
	"github.com/mkoga/stallmux/internal/model"
)

func baseRecord() model.LivenessRecord {
	return model.LivenessRecord{
		TargetID: "t1",
		Status:   model.StatusStalled,
	}
}

func TestShouldMitigateTierGates(t *testing.T) {
	now := time.Now().UTC()
	gates := config.DefaultConfig().RepetitionGates
	cooldown := 5 * time.Minute

	cases := []struct {
		tier   model.Severity
		stalls int
		want   bool
	}{
		{model.SeverityNone, 10, false},
		{model.SeverityWarning, 4, false},
		{model.SeverityWarning, 5, true},
		{model.SeverityModerate, 2, false},
		{model.SeverityModerate, 3, true},
		{model.SeveritySevere, 1, false},
		{model.SeveritySevere, 2, true},
		{model.SeverityCritical, 0, true},
	}
	for _, tc := range cases {
		rec := baseRecord()
		rec.ConsecutiveStalls = tc.stalls
		got := ShouldMitigate(rec, tc.tier, now, cooldown, gates)
		if got != tc.want {
			t.Fatalf("tier=%s stalls=%d: expected %v, got %v", tc.tier, tc.stalls, tc.want, got)
		}
	}
}

func TestShouldMitigateCooldownWinsOverEverything(t *testing.T) {
	now := time.Now().UTC()
	gates := config.DefaultConfig().RepetitionGates
	cooldown := 5 * time.Minute

	for _, tier := range model.SeverityTiers {
		rec := baseRecord()
		rec.ConsecutiveStalls = 100
		rec.LastMitigationAt = now.Add(-cooldown + time.Second)
		if ShouldMitigate(rec, tier, now, cooldown, gates) {
			t.Fatalf("tier=%s: cooldown window must suppress mitigation", tier)
		}
		rec.LastMitigationAt = now.Add(-cooldown)
		if !ShouldMitigate(rec, tier, now, cooldown, gates) {
			t.Fatalf("tier=%s: mitigation should fire once the cooldown expires", tier)
		}
	}
}

func TestShouldMitigateSkipsRecoveringTargets(t *testing.T) {
	now := time.Now().UTC()
	gates := config.DefaultConfig().RepetitionGates

	rec := baseRecord()
	rec.Status = model.StatusRecovering
	rec.ConsecutiveStalls = 100
	if ShouldMitigate(rec, model.SeverityCritical, now, time.Minute, gates) {
		t.Fatalf("recovering target must not be mitigated")
	}
}

func TestSelectStrategyTable(t *testing.T) {
	cases := []struct {
		tier model.Severity
		want model.Strategy
	}{
		{model.SeverityWarning, model.StrategyNudge},
		{model.SeverityModerate, model.StrategyEscalateMessage},
		{model.SeveritySevere, model.StrategyResetSession},
		{model.SeverityCritical, model.StrategyEmergencyOverride},
	}
	for _, tc := range cases {
		if got := SelectStrategy(baseRecord(), tc.tier); got != tc.want {
			t.Fatalf("tier=%s: expected %s, got %s", tc.tier, tc.want, got)
		}
	}
}

func TestSelectStrategyPeerAssistAfterRepeatedAttempts(t *testing.T) {
	rec := baseRecord()
	rec.MitigationAttempts = 3

	for _, tier := range []model.Severity{model.SeverityModerate, model.SeveritySevere, model.SeverityCritical} {
		if got := SelectStrategy(rec, tier); got != model.StrategyPeerAssist {
			t.Fatalf("tier=%s with 3 attempts: expected peer_assist, got %s", tier, got)
		}
	}
	// Warning never escalates to peer assist; a nudge stays cheap.
	if got := SelectStrategy(rec, model.SeverityWarning); got != model.StrategyNudge {
		t.Fatalf("warning with 3 attempts: expected nudge, got %s", got)
	}
}

func TestSelectStrategyIsMonotoneInTier(t *testing.T) {
	// Higher tiers must never map to a softer strategy than lower ones.
	order := map[model.Strategy]int{
		model.StrategyNudge:             1,
		model.StrategyEscalateMessage:   2,
		model.StrategyResetSession:      3,
		model.StrategyEmergencyOverride: 4,
	}
	prev := 0
	for _, tier := range model.SeverityTiers {
		got := order[SelectStrategy(baseRecord(), tier)]
		if got < prev {
			t.Fatalf("strategy softened at tier %s", tier)
		}
		prev = got
	}
}
