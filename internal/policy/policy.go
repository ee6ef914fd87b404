package policy

import (
	"time"

	"github.com/mkoga/stallmux/internal/config"
	"github.com/mkoga/stallmux/internal/model"
)

// peerAssistAttempts is the attempt count at which repeating the same
// strategy gives way to asking a healthy peer for help.
const peerAssistAttempts = 3

// ShouldMitigate decides whether a rescue fires this tick. The cooldown
// gate wins over everything: a target mitigated within the window is left
// alone regardless of tier. Below critical, a tier-dependent repetition
// gate requires the silence to be sustained before intervening.
func ShouldMitigate(rec model.LivenessRecord, tier model.Severity, now time.Time, cooldown time.Duration, gates config.RepetitionGates) bool {
	if tier == model.SeverityNone {
		return false
	}
	if rec.Status == model.StatusRecovering {
		return false
	}
	if !rec.LastMitigationAt.IsZero() && now.Sub(rec.LastMitigationAt) < cooldown {
		return false
	}
	switch tier {
	case model.SeverityCritical:
		return true
	case model.SeveritySevere:
		return rec.ConsecutiveStalls >= gates.Severe
	case model.SeverityModerate:
		return rec.ConsecutiveStalls >= gates.Moderate
	case model.SeverityWarning:
		return rec.ConsecutiveStalls >= gates.Warning
	default:
		return false
	}
}

// SelectStrategy is the monotone tier lookup, with one override: once
// three mitigations in the current episode have failed to draw a response
// at moderate or worse, repeating the same intervention is pointless and
// a peer assist is requested instead.
func SelectStrategy(rec model.LivenessRecord, tier model.Severity) model.Strategy {
	if rec.MitigationAttempts >= peerAssistAttempts && model.SeverityRank[tier] >= model.SeverityRank[model.SeverityModerate] {
		return model.StrategyPeerAssist
	}
	switch tier {
	case model.SeverityCritical:
		return model.StrategyEmergencyOverride
	case model.SeveritySevere:
		return model.StrategyResetSession
	case model.SeverityModerate:
		return model.StrategyEscalateMessage
	default:
		return model.StrategyNudge
	}
}
