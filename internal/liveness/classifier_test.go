package liveness

import (
	"testing"
	"time"

	"github.com/mkoga/stallmux/internal/config"
	"github.com/mkoga/stallmux/internal/model"
)

func defaultThresholds() []time.Duration {
	return config.DefaultConfig().SeverityThresholds
}

func recordWithSilence(silence time.Duration, now time.Time) model.LivenessRecord {
	return model.LivenessRecord{
		TargetID:       "t1",
		Status:         model.StatusActive,
		LastResponseAt: now.Add(-silence),
	}
}

func TestClassifyBoundaries(t *testing.T) {
	now := time.Now().UTC()
	thresholds := defaultThresholds()
	grace := 2 * time.Minute

	cases := []struct {
		silence time.Duration
		want    model.Severity
	}{
		{0, model.SeverityNone},
		{299 * time.Second, model.SeverityNone},
		{300 * time.Second, model.SeverityWarning},
		{479 * time.Second, model.SeverityWarning},
		{480 * time.Second, model.SeverityModerate},
		{599 * time.Second, model.SeverityModerate},
		{600 * time.Second, model.SeveritySevere},
		{899 * time.Second, model.SeveritySevere},
		{900 * time.Second, model.SeverityCritical},
		{1205 * time.Second, model.SeverityCritical},
		{2 * time.Hour, model.SeverityCritical},
	}
	for _, tc := range cases {
		got := Classify(recordWithSilence(tc.silence, now), now, thresholds, grace)
		if got != tc.want {
			t.Fatalf("silence=%s: expected %s, got %s", tc.silence, tc.want, got)
		}
	}
}

func TestClassifyIsMonotoneInSilence(t *testing.T) {
	now := time.Now().UTC()
	thresholds := defaultThresholds()
	grace := 2 * time.Minute

	prev := model.SeverityNone
	for silence := time.Duration(0); silence <= 25*time.Minute; silence += 10 * time.Second {
		got := Classify(recordWithSilence(silence, now), now, thresholds, grace)
		if model.SeverityRank[got] < model.SeverityRank[prev] {
			t.Fatalf("severity regressed at silence=%s: %s after %s", silence, got, prev)
		}
		prev = got
	}
}

func TestClassifyRecoveringInsideGraceForcesNone(t *testing.T) {
	now := time.Now().UTC()
	thresholds := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		3 * time.Second,
		4 * time.Second,
		5 * time.Second,
	}
	rec := model.LivenessRecord{
		TargetID:       "t1",
		Status:         model.StatusRecovering,
		LastResponseAt: now.Add(-4 * time.Second),
	}
	if got := Classify(rec, now, thresholds, 10*time.Second); got != model.SeverityNone {
		t.Fatalf("expected none inside grace window, got %s", got)
	}
	// Past the grace window the usual table applies again.
	if got := Classify(rec, now, thresholds, 2*time.Second); got != model.SeverityCritical {
		t.Fatalf("expected critical outside grace window, got %s", got)
	}
}

func TestEmergencyBoundary(t *testing.T) {
	now := time.Now().UTC()
	thresholds := defaultThresholds()

	if Emergency(recordWithSilence(1199*time.Second, now), now, thresholds) {
		t.Fatalf("1199s should not cross the emergency boundary")
	}
	if !Emergency(recordWithSilence(1200*time.Second, now), now, thresholds) {
		t.Fatalf("1200s should cross the emergency boundary")
	}
}
