package liveness

import (
	"sort"
	"sync"
	"time"

	"github.com/mkoga/stallmux/internal/model"
)

// Tracker owns one LivenessRecord per configured target. Records are
// created once at startup and live for the process lifetime. Counter and
// status mutation beyond response/actuation stamps happens only through
// ApplyAssessment, called from the orchestrator tick.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*model.LivenessRecord
}

// NewTracker registers the fixed target set. Every record starts active
// with lastResponseAt = start.
func NewTracker(targetIDs []string, start time.Time) *Tracker {
	t := &Tracker{records: make(map[string]*model.LivenessRecord, len(targetIDs))}
	for _, id := range targetIDs {
		t.records[id] = &model.LivenessRecord{
			TargetID:       id,
			Status:         model.StatusActive,
			LastResponseAt: start,
		}
	}
	return t
}

// Known reports whether the target was registered at startup.
func (t *Tracker) Known(targetID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[targetID]
	return ok
}

// RecordActuation stamps the last outbound action. No-op for unknown
// targets.
func (t *Tracker) RecordActuation(targetID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[targetID]
	if !ok {
		return
	}
	if at.After(rec.LastActuationAt) {
		rec.LastActuationAt = at
	}
}

// RecordResponse stamps a detected response and resets the stall episode.
// A stalled target moves to recovering rather than straight back to
// active; a merely slow one recovers immediately. No-op for unknown
// targets.
func (t *Tracker) RecordResponse(targetID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[targetID]
	if !ok {
		return
	}
	if at.After(rec.LastResponseAt) {
		rec.LastResponseAt = at
	}
	rec.ConsecutiveStalls = 0
	rec.MitigationAttempts = 0
	rec.EmergencyAlerted = false
	switch rec.Status {
	case model.StatusStalled:
		rec.Status = model.StatusRecovering
	case model.StatusSlow:
		rec.Status = model.StatusActive
	}
}

// Snapshot returns a copy of the record, never the live one.
func (t *Tracker) Snapshot(targetID string) (model.LivenessRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[targetID]
	if !ok {
		return model.LivenessRecord{}, false
	}
	return *rec, true
}

// SnapshotAll returns copies of every record ordered by target ID.
func (t *Tracker) SnapshotAll() []model.LivenessRecord {
	t.mu.Lock()
	out := make([]model.LivenessRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

// ApplyAssessment folds one tick's classification back into the record:
// the stall counter advances while severity is above none, the status
// follows the tier, a recovering target settles to active once the grace
// period passes without new silence, and a taken mitigation bumps the
// attempt counter and cooldown stamp.
func (t *Tracker) ApplyAssessment(targetID string, tier model.Severity, mitigated bool, now time.Time, grace time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[targetID]
	if !ok {
		return
	}
	if model.SeverityRank[tier] > model.SeverityRank[model.SeverityNone] {
		rec.ConsecutiveStalls++
	}
	switch tier {
	case model.SeverityNone:
		if rec.Status == model.StatusRecovering {
			if now.Sub(rec.LastResponseAt) >= grace {
				rec.Status = model.StatusActive
			}
		} else {
			rec.Status = model.StatusActive
		}
	case model.SeverityWarning, model.SeverityModerate:
		rec.Status = model.StatusSlow
	case model.SeveritySevere, model.SeverityCritical:
		rec.Status = model.StatusStalled
	}
	if mitigated {
		rec.MitigationAttempts++
		rec.LastMitigationAt = now
	}
}

// MarkEmergency flags the emergency boundary for the current stall
// episode. It returns true only the first time per episode, so the
// caller emits exactly one alert. The flag clears on the next response.
func (t *Tracker) MarkEmergency(targetID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[targetID]
	if !ok || rec.EmergencyAlerted {
		return false
	}
	rec.EmergencyAlerted = true
	return true
}
