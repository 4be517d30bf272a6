package registry

import "time"

// WorkSpec describes a unit of work submitted to the mesh. The scheduler
// treats the payload as opaque; only the capability and correlation id
// drive scheduling decisions.
type WorkSpec struct {
	WorkID        string         // Unique identifier for the work unit
	Capability    string         // Named capability required to perform it
	CorrelationID string         // Workflow this work belongs to
	Priority      int            // Higher runs sooner where order matters
	Payload       map[string]any // Opaque caller data, passed through to the worker
}

// CapabilityHint carries a worker's self-declared cost and confidence for
// one capability. Used as bid defaults and for operator diagnostics.
type CapabilityHint struct {
	Cost       float64 // Relative cost of performing the capability
	Confidence float64 // 0.0–1.0 self-assessed proficiency
}

// Bid is a worker's offer to perform a specific unit of work.
// Bids are immutable once recorded.
type Bid struct {
	WorkID            string
	CorrelationID     string
	Capability        string
	WorkerID          string
	Score             float64
	EstimatedDuration time.Duration
	Confidence        float64
	CurrentLoad       int
	MaxCapacity       int
	Annotations       map[string]string // Free-form flow-control annotations
}

// Soft reports whether this is a speculative, low-confidence bid.
// Soft bids lose ties against firm bids but are otherwise eligible.
func (b *Bid) Soft() bool {
	return b.Annotations["soft"] == "true"
}

// Worker is the interface every mesh participant must implement.
// Bid may return nil to decline a work spec. Implementations must be
// safe for concurrent calls: the coordinator fans bid requests out in
// parallel and the flow controller reads loads from its own loop.
type Worker interface {
	// ID returns the worker's unique identity.
	ID() string

	// Bid returns an offer for the given work, or nil to decline.
	Bid(spec WorkSpec) (*Bid, error)

	// OnBidWon notifies the worker that its bid was selected.
	OnBidWon(spec WorkSpec)

	// CurrentLoad returns the number of work units currently held.
	CurrentLoad() int

	// MaxCapacity returns the maximum concurrent work units.
	MaxCapacity() int
}

// CapacityReporter is an optional Worker extension for workers that can
// report their own capacity info. Resolved once at registration time.
type CapacityReporter interface {
	CapacityInfo() CapacityInfo
}

// AdmissionReporter is an optional Worker extension for workers that
// implement their own admission check. Resolved once at registration time.
type AdmissionReporter interface {
	CanAcceptWork() bool
}

// Features records which optional interfaces a worker implements.
// Resolved at registration so no per-call probing is needed.
type Features struct {
	ReportsCapacity  bool // Worker implements CapacityReporter
	ReportsAdmission bool // Worker implements AdmissionReporter
}

// FlowStatus is a worker's flow-control state.
type FlowStatus string

const (
	// FlowAvailable means the worker can accept more work.
	FlowAvailable FlowStatus = "available"

	// FlowThrottled means the worker asked for reduced assignment.
	FlowThrottled FlowStatus = "throttled"

	// FlowOverloaded means the worker cannot accept more work.
	FlowOverloaded FlowStatus = "overloaded"
)

// CapacityInfo describes a worker's available capacity and flow state.
type CapacityInfo struct {
	WorkerID       string
	AvailableSlots int
	Status         FlowStatus
	ThrottleFactor float64 // 0.0–1.0 fraction of nominal capacity to use
}

// HealthRecord tracks a worker's liveness. A worker is healthy iff its
// last heartbeat is within the heartbeat timeout and its score is above
// 0.5, and the fault monitor has not marked it failed.
type HealthRecord struct {
	LastHeartbeat time.Time
	Score         float64 // 0.0–1.0; forced to 0 on heartbeat timeout
}

// Claim records that a specific worker currently owns a specific unit of
// work. At most one active claim exists per work id.
type Claim struct {
	WorkID    string
	WorkerID  string
	ClaimedAt time.Time
	Deadline  time.Time // ClaimedAt + ttl; the fault monitor reassigns past this
	Spec      WorkSpec
}

// Constraints filters a FindCapable result beyond health.
type Constraints struct {
	// MinContractVersion excludes workers registered with an older
	// contract version. Zero means no version constraint.
	MinContractVersion int

	// Exclude lists worker ids to skip for this lookup only. Used when
	// reassigning away from a failed worker.
	Exclude []string
}

// excluded reports whether the given worker id is in the exclusion list.
func (c Constraints) excluded(workerID string) bool {
	for _, id := range c.Exclude {
		if id == workerID {
			return true
		}
	}
	return false
}

// WorkerInfo is a point-in-time view of one registration, safe to hand
// out without exposing registry internals.
type WorkerInfo struct {
	WorkerID        string
	Capabilities    map[string]CapabilityHint
	ContractVersion int
	Features        Features
	Health          HealthRecord
	Failed          bool
	CurrentLoad     int
	MaxCapacity     int
}

// Snapshot is a point-in-time materialization of registry state for
// status reporting and the analyzer. Not authoritative.
type Snapshot struct {
	TakenAt time.Time
	Workers []WorkerInfo
	Claims  []Claim
	// Index maps capability name to the sorted worker ids declaring it.
	Index map[string][]string
}
