package event

import "time"

// Event is the interface that all events must implement.
// It provides a common way to identify and timestamp events.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "worker.failed", "claim.timeout")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Worker Lifecycle Events
// -----------------------------------------------------------------------------

// WorkerRegisteredEvent is emitted when a worker joins the mesh.
type WorkerRegisteredEvent struct {
	baseEvent
	WorkerID     string   // Unique identifier for the worker
	Capabilities []string // Declared capability names
	MaxCapacity  int      // Maximum concurrent work units
}

// NewWorkerRegisteredEvent creates a WorkerRegisteredEvent.
func NewWorkerRegisteredEvent(workerID string, capabilities []string, maxCapacity int) WorkerRegisteredEvent {
	return WorkerRegisteredEvent{
		baseEvent:    newBaseEvent("worker.registered"),
		WorkerID:     workerID,
		Capabilities: capabilities,
		MaxCapacity:  maxCapacity,
	}
}

// WorkerUnregisteredEvent is emitted when a worker leaves the mesh.
type WorkerUnregisteredEvent struct {
	baseEvent
	WorkerID string
}

// NewWorkerUnregisteredEvent creates a WorkerUnregisteredEvent.
func NewWorkerUnregisteredEvent(workerID string) WorkerUnregisteredEvent {
	return WorkerUnregisteredEvent{
		baseEvent: newBaseEvent("worker.unregistered"),
		WorkerID:  workerID,
	}
}

// WorkerFailedEvent is emitted when the fault monitor marks a worker failed.
type WorkerFailedEvent struct {
	baseEvent
	WorkerID string // Worker that failed
	Reason   string // "heartbeat_timeout" or "claim_timeout"
	Failures int    // Failure count within the sliding window
}

// NewWorkerFailedEvent creates a WorkerFailedEvent.
func NewWorkerFailedEvent(workerID, reason string, failures int) WorkerFailedEvent {
	return WorkerFailedEvent{
		baseEvent: newBaseEvent("worker.failed"),
		WorkerID:  workerID,
		Reason:    reason,
		Failures:  failures,
	}
}

// WorkerRecoveringEvent is emitted when a failed worker starts its
// recovery grace period.
type WorkerRecoveringEvent struct {
	baseEvent
	WorkerID string
	Grace    time.Duration // Length of the grace period
}

// NewWorkerRecoveringEvent creates a WorkerRecoveringEvent.
func NewWorkerRecoveringEvent(workerID string, grace time.Duration) WorkerRecoveringEvent {
	return WorkerRecoveringEvent{
		baseEvent: newBaseEvent("worker.recovering"),
		WorkerID:  workerID,
		Grace:     grace,
	}
}

// WorkerRecoveredEvent is emitted when a worker completes its recovery
// grace period and is healthy again.
type WorkerRecoveredEvent struct {
	baseEvent
	WorkerID string
}

// NewWorkerRecoveredEvent creates a WorkerRecoveredEvent.
func NewWorkerRecoveredEvent(workerID string) WorkerRecoveredEvent {
	return WorkerRecoveredEvent{
		baseEvent: newBaseEvent("worker.recovered"),
		WorkerID:  workerID,
	}
}

// -----------------------------------------------------------------------------
// Bidding Events
// -----------------------------------------------------------------------------

// BidRoundCompletedEvent is emitted after every bid round, with or without
// a winner.
type BidRoundCompletedEvent struct {
	baseEvent
	WorkID        string // Work unit the round was for
	Capability    string // Requested capability
	CorrelationID string // Owning workflow
	WinnerID      string // Empty when no winner
	BidCount      int    // Bids received before the deadline
	Reason        string // Empty on success; "overloaded", "no eligible workers", "no bids"
}

// NewBidRoundCompletedEvent creates a BidRoundCompletedEvent.
func NewBidRoundCompletedEvent(workID, capability, correlationID, winnerID string, bidCount int, reason string) BidRoundCompletedEvent {
	return BidRoundCompletedEvent{
		baseEvent:     newBaseEvent("bid.round_completed"),
		WorkID:        workID,
		Capability:    capability,
		CorrelationID: correlationID,
		WinnerID:      winnerID,
		BidCount:      bidCount,
		Reason:        reason,
	}
}

// -----------------------------------------------------------------------------
// Claim Events
// -----------------------------------------------------------------------------

// ClaimCreatedEvent is emitted when a worker claims a unit of work.
type ClaimCreatedEvent struct {
	baseEvent
	WorkID        string
	WorkerID      string
	Capability    string
	CorrelationID string
	Deadline      time.Time // When the claim times out
}

// NewClaimCreatedEvent creates a ClaimCreatedEvent.
func NewClaimCreatedEvent(workID, workerID, capability, correlationID string, deadline time.Time) ClaimCreatedEvent {
	return ClaimCreatedEvent{
		baseEvent:     newBaseEvent("claim.created"),
		WorkID:        workID,
		WorkerID:      workerID,
		Capability:    capability,
		CorrelationID: correlationID,
		Deadline:      deadline,
	}
}

// ClaimCompletedEvent is emitted when a claim is completed by its holder.
type ClaimCompletedEvent struct {
	baseEvent
	WorkID        string
	WorkerID      string
	Capability    string
	CorrelationID string
	Duration      time.Duration // Time from claim to completion
}

// NewClaimCompletedEvent creates a ClaimCompletedEvent.
func NewClaimCompletedEvent(workID, workerID, capability, correlationID string, duration time.Duration) ClaimCompletedEvent {
	return ClaimCompletedEvent{
		baseEvent:     newBaseEvent("claim.completed"),
		WorkID:        workID,
		WorkerID:      workerID,
		Capability:    capability,
		CorrelationID: correlationID,
		Duration:      duration,
	}
}

// ClaimReassignedEvent is emitted when the fault monitor moves a claim
// away from a failed or timed-out worker.
type ClaimReassignedEvent struct {
	baseEvent
	WorkID     string
	FromWorker string
	ToWorker   string // Empty when reassignment found no eligible worker
	Reason     string // "heartbeat timeout" or "claim timeout"
}

// NewClaimReassignedEvent creates a ClaimReassignedEvent.
func NewClaimReassignedEvent(workID, fromWorker, toWorker, reason string) ClaimReassignedEvent {
	return ClaimReassignedEvent{
		baseEvent:  newBaseEvent("claim.reassigned"),
		WorkID:     workID,
		FromWorker: fromWorker,
		ToWorker:   toWorker,
		Reason:     reason,
	}
}

// -----------------------------------------------------------------------------
// Flow Control Events
// -----------------------------------------------------------------------------

// SystemOverloadedEvent is emitted when system-wide utilization crosses
// the load threshold upward.
type SystemOverloadedEvent struct {
	baseEvent
	Utilization float64 // Σload/Σcapacity over healthy workers
	Threshold   float64
}

// NewSystemOverloadedEvent creates a SystemOverloadedEvent.
func NewSystemOverloadedEvent(utilization, threshold float64) SystemOverloadedEvent {
	return SystemOverloadedEvent{
		baseEvent:   newBaseEvent("flow.overloaded"),
		Utilization: utilization,
		Threshold:   threshold,
	}
}

// SystemRecoveredEvent is emitted when utilization drops back below the
// load threshold.
type SystemRecoveredEvent struct {
	baseEvent
	Utilization float64
	Threshold   float64
}

// NewSystemRecoveredEvent creates a SystemRecoveredEvent.
func NewSystemRecoveredEvent(utilization, threshold float64) SystemRecoveredEvent {
	return SystemRecoveredEvent{
		baseEvent:   newBaseEvent("flow.recovered"),
		Utilization: utilization,
		Threshold:   threshold,
	}
}

// WorkerFlowChangedEvent is emitted when a worker's flow-control status
// changes (available, throttled, overloaded).
type WorkerFlowChangedEvent struct {
	baseEvent
	WorkerID string
	Status   string // "available", "throttled", "overloaded"
}

// NewWorkerFlowChangedEvent creates a WorkerFlowChangedEvent.
func NewWorkerFlowChangedEvent(workerID, status string) WorkerFlowChangedEvent {
	return WorkerFlowChangedEvent{
		baseEvent: newBaseEvent("flow.worker_changed"),
		WorkerID:  workerID,
		Status:    status,
	}
}

// -----------------------------------------------------------------------------
// Task Runtime Events
// -----------------------------------------------------------------------------

// TaskSubmittedEvent is emitted when a task is admitted to the runtime.
type TaskSubmittedEvent struct {
	baseEvent
	TaskID        string
	CorrelationID string
	Capability    string
	WorkerID      string
}

// NewTaskSubmittedEvent creates a TaskSubmittedEvent.
func NewTaskSubmittedEvent(taskID, correlationID, capability, workerID string) TaskSubmittedEvent {
	return TaskSubmittedEvent{
		baseEvent:     newBaseEvent("task.submitted"),
		TaskID:        taskID,
		CorrelationID: correlationID,
		Capability:    capability,
		WorkerID:      workerID,
	}
}

// TaskCompletedEvent is emitted when a task finishes, successfully or not.
type TaskCompletedEvent struct {
	baseEvent
	TaskID        string
	CorrelationID string
	Capability    string
	Success       bool
	Error         string // Empty on success
}

// NewTaskCompletedEvent creates a TaskCompletedEvent.
func NewTaskCompletedEvent(taskID, correlationID, capability string, success bool, errMsg string) TaskCompletedEvent {
	return TaskCompletedEvent{
		baseEvent:     newBaseEvent("task.completed"),
		TaskID:        taskID,
		CorrelationID: correlationID,
		Capability:    capability,
		Success:       success,
		Error:         errMsg,
	}
}

// -----------------------------------------------------------------------------
// Fairness Events
// -----------------------------------------------------------------------------

// FairnessBoostedEvent is emitted when a starved correlation's budget is
// boosted by the fairness pass.
type FairnessBoostedEvent struct {
	baseEvent
	CorrelationID string
	EffectiveCap  int     // New effective per-correlation cap
	Boost         float64 // Cumulative boost factor (1.0–2.0)
}

// NewFairnessBoostedEvent creates a FairnessBoostedEvent.
func NewFairnessBoostedEvent(correlationID string, effectiveCap int, boost float64) FairnessBoostedEvent {
	return FairnessBoostedEvent{
		baseEvent:     newBaseEvent("fairness.boosted"),
		CorrelationID: correlationID,
		EffectiveCap:  effectiveCap,
		Boost:         boost,
	}
}

// -----------------------------------------------------------------------------
// Analyzer Events
// -----------------------------------------------------------------------------

// DeadlockCandidateEvent is emitted when the analyzer flags a workflow as
// a likely deadlock. Advisory only; no component acts on it.
type DeadlockCandidateEvent struct {
	baseEvent
	CorrelationID string
	Confidence    float64 // 0.0–1.0
	StuckFor      time.Duration
}

// NewDeadlockCandidateEvent creates a DeadlockCandidateEvent.
func NewDeadlockCandidateEvent(correlationID string, confidence float64, stuckFor time.Duration) DeadlockCandidateEvent {
	return DeadlockCandidateEvent{
		baseEvent:     newBaseEvent("analyzer.deadlock_candidate"),
		CorrelationID: correlationID,
		Confidence:    confidence,
		StuckFor:      stuckFor,
	}
}
