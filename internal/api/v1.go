package api

import "time"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

type TargetResponse struct {
	TargetID      string `json:"target_id"`
	TargetName    string `json:"target_name"`
	Kind          string `json:"kind"`
	ConnectionRef string `json:"connection_ref,omitempty"`
	PaneRef       string `json:"pane_ref"`
	UpdatedAt     string `json:"updated_at"`
}

type TargetsEnvelope struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Targets       []TargetResponse `json:"targets"`
}

type TargetStatusItem struct {
	TargetID           string `json:"target_id"`
	Status             string `json:"status"`
	Severity           string `json:"severity"`
	SilenceSeconds     int64  `json:"silence_seconds"`
	ConsecutiveStalls  int    `json:"consecutive_stalls"`
	MitigationAttempts int    `json:"mitigation_attempts"`
}

type QueueStatusItem struct {
	Size            int             `json:"size"`
	InFlight        int             `json:"in_flight"`
	PerTargetLocked map[string]bool `json:"per_target_locked,omitempty"`
}

type StatusEnvelope struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	ReportedAt    time.Time          `json:"reported_at"`
	Targets       []TargetStatusItem `json:"targets"`
	Queue         QueueStatusItem    `json:"queue"`
	TierCounts    map[string]int     `json:"tier_counts"`
}

type AlertItem struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	TargetID  string `json:"target_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	EmittedAt string `json:"emitted_at"`
}

type EventsEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Events        []AlertItem `json:"events"`
}

type ResponseEventRequest struct {
	TargetID  string `json:"target_id"`
	Timestamp string `json:"timestamp,omitempty"`
}

type IngestResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Accepted      bool      `json:"accepted"`
}
