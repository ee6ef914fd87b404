package liveness

import (
	"time"

	"github.com/mkoga/stallmux/internal/model"
)

// Classify maps elapsed silence to a severity tier. Thresholds are
// inclusive lower bounds: silence equal to a boundary belongs to the
// higher tier. A recovering record inside the grace window is forced to
// none so a freshly recovered target is not immediately re-flagged.
func Classify(rec model.LivenessRecord, now time.Time, thresholds []time.Duration, grace time.Duration) model.Severity {
	silence := now.Sub(rec.LastResponseAt)
	if rec.Status == model.StatusRecovering && silence < grace {
		return model.SeverityNone
	}
	tier := model.SeverityNone
	for i, t := range model.SeverityTiers {
		if i >= len(thresholds) {
			break
		}
		if silence >= thresholds[i] {
			tier = t
		}
	}
	return tier
}

// Emergency reports whether silence has crossed the fifth threshold, the
// hard boundary inside critical that warrants a one-shot alert.
func Emergency(rec model.LivenessRecord, now time.Time, thresholds []time.Duration) bool {
	if len(thresholds) < 5 {
		return false
	}
	return now.Sub(rec.LastResponseAt) >= thresholds[4]
}
