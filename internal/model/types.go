package model

import "time"

// TargetStatus is the normalized liveness state kept per monitored worker.
type TargetStatus string

const (
	StatusActive     TargetStatus = "active"
	StatusSlow       TargetStatus = "slow"
	StatusStalled    TargetStatus = "stalled"
	StatusRecovering TargetStatus = "recovering"
)

// Severity classifies how stalled a target appears, ordered by rank.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityWarning  Severity = "warning"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityCritical Severity = "critical"
)

// SeverityRank orders tiers; higher rank means more stalled.
var SeverityRank = map[Severity]int{
	SeverityNone:     0,
	SeverityWarning:  1,
	SeverityModerate: 2,
	SeveritySevere:   3,
	SeverityCritical: 4,
}

// SeverityTiers lists the tiers above none in ascending order, matching
// the configured threshold table index-for-index.
var SeverityTiers = []Severity{
	SeverityWarning,
	SeverityModerate,
	SeveritySevere,
	SeverityCritical,
}

// PriorityFor maps a severity tier to a queue priority (critical highest).
func PriorityFor(sev Severity) int {
	return SeverityRank[sev]
}

// Strategy names one rescue action against a stalled target.
type Strategy string

const (
	StrategyNudge             Strategy = "nudge"
	StrategyEscalateMessage   Strategy = "escalate_message"
	StrategyResetSession      Strategy = "reset_session"
	StrategyEmergencyOverride Strategy = "emergency_override"
	StrategyPeerAssist        Strategy = "peer_assist"
)

type TargetKind string

const (
	TargetKindLocal TargetKind = "local"
	TargetKindSSH   TargetKind = "ssh"
)

// Target names one monitored worker and the tmux pane its rescues are
// injected into. The set of targets is fixed at startup.
type Target struct {
	TargetID      string
	TargetName    string
	Kind          TargetKind
	ConnectionRef string
	PaneRef       string
	UpdatedAt     time.Time
}

// LivenessRecord is the per-target monitoring state. The tracker owns the
// live record; everything outside receives copies.
type LivenessRecord struct {
	TargetID           string
	Status             TargetStatus
	LastActuationAt    time.Time
	LastResponseAt     time.Time
	ConsecutiveStalls  int
	MitigationAttempts int
	LastMitigationAt   time.Time
	EmergencyAlerted   bool
}

// RequestState tracks an actuation request through the queue.
type RequestState string

const (
	RequestPending   RequestState = "pending"
	RequestInFlight  RequestState = "in_flight"
	RequestCompleted RequestState = "completed"
	RequestFailed    RequestState = "failed"
	RequestRequeued  RequestState = "requeued"
)

// ActuationRequest is one pending rescue, owned by the queue from enqueue
// until execution.
type ActuationRequest struct {
	RequestID  string
	TargetID   string
	Strategy   Strategy
	Severity   Severity
	Payload    string
	Priority   int
	EnqueuedAt time.Time
	Attempt    int
	Requeues   int
	State      RequestState
}

// ResponseEvent is the inbound signal that a target produced output.
type ResponseEvent struct {
	TargetID  string
	Timestamp time.Time
}

// QueueStatus is an observability snapshot of the actuation queue.
type QueueStatus struct {
	Size            int
	InFlight        int
	PerTargetLocked map[string]bool
}

// TargetReport summarizes one target inside a StatusReport.
type TargetReport struct {
	TargetID           string
	Status             TargetStatus
	Severity           Severity
	Silence            time.Duration
	ConsecutiveStalls  int
	MitigationAttempts int
}

// StatusReport is emitted once per orchestrator tick.
type StatusReport struct {
	GeneratedAt time.Time
	Targets     []TargetReport
	QueueDepth  int
	InFlight    int
	TierCounts  map[Severity]int
}

// Alert event types.
const (
	EventQueueSaturated  = "queue_saturated"
	EventRequestDropped  = "request_dropped"
	EventActuationFailed = "actuation_failed"
	EventUnknownTarget   = "unknown_target"
	EventEmergency       = "emergency_silence"
	EventMitigationSent  = "mitigation_sent"
)

// AlertEvent is one observable error or notice surfaced to collaborators.
type AlertEvent struct {
	EventID   string
	EventType string
	TargetID  string
	Code      string
	Message   string
	EmittedAt time.Time
}

// MitigationAction is the audit record of one executed (or failed) rescue.
type MitigationAction struct {
	ActionID    string
	RequestID   string
	TargetID    string
	Strategy    Strategy
	Severity    Severity
	Attempts    int
	RequestedAt time.Time
	CompletedAt *time.Time
	ResultCode  string
	ErrorCode   *string
}

// Error codes defined by API contract.
const (
	ErrConfigInvalid     = "E_CONFIG_INVALID"
	ErrUnknownTarget     = "E_UNKNOWN_TARGET"
	ErrQueueSaturated    = "E_QUEUE_SATURATED"
	ErrActuationFailed   = "E_ACTUATION_FAILED"
	ErrDrainTimeout      = "E_DRAIN_TIMEOUT"
	ErrTargetUnreachable = "E_TARGET_UNREACHABLE"
	ErrRefInvalid        = "E_REF_INVALID"
	ErrRefNotFound       = "E_REF_NOT_FOUND"
)
