package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/capmesh/capmesh/internal/errors"
	"github.com/capmesh/capmesh/internal/event"
	"github.com/capmesh/capmesh/internal/logging"
)

// Default registry values.
const (
	defaultHeartbeatTimeout = 30 * time.Second

	// healthyScoreFloor is the health score above which a worker counts
	// as healthy, given a fresh heartbeat.
	healthyScoreFloor = 0.5
)

// Option configures a Registry.
type Option func(*Registry)

// WithHeartbeatTimeout sets how long a worker may go without a heartbeat
// before it is considered unhealthy.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(r *Registry) { r.heartbeatTimeout = d }
}

// WithClock sets the time source. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithBus sets the event bus for observability events.
func WithBus(bus *event.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l.WithComponent("registry") }
}

// entry is the registry's internal record for one worker.
type entry struct {
	worker          Worker
	capabilities    map[string]CapabilityHint
	contractVersion int
	features        Features
	health          HealthRecord
	failed          bool // Set by the fault monitor, cleared after recovery
}

// Registry holds worker registrations, the capability index, health
// records, and active claims. All state is protected by a single mutex;
// call volumes are tens per second, so coarse-grained locking is fine.
// Events are published after the mutex is released so handlers can call
// back into the registry.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*entry
	index   map[string]map[string]struct{} // capability -> worker ids
	claims  map[string]*Claim              // workID -> claim

	heartbeatTimeout time.Duration
	now              func() time.Time
	bus              *event.Bus
	logger           *logging.Logger
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		workers:          make(map[string]*entry),
		index:            make(map[string]map[string]struct{}),
		claims:           make(map[string]*Claim),
		heartbeatTimeout: defaultHeartbeatTimeout,
		now:              time.Now,
		logger:           logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a worker with its declared capability set. Optional
// worker interfaces are resolved here, once, into a Features record.
// A freshly registered worker starts healthy with a current heartbeat.
func (r *Registry) Register(w Worker, capabilities map[string]CapabilityHint, contractVersion int) error {
	if w == nil {
		return errors.NewRegistryError("register", errors.New("nil worker"))
	}
	if len(capabilities) == 0 {
		return errors.NewRegistryError("register", errors.ErrNoCapabilities).WithWorker(w.ID())
	}

	id := w.ID()
	caps := make(map[string]CapabilityHint, len(capabilities))
	for name, hint := range capabilities {
		caps[name] = hint
	}

	_, reportsCapacity := w.(CapacityReporter)
	_, reportsAdmission := w.(AdmissionReporter)

	r.mu.Lock()
	if _, exists := r.workers[id]; exists {
		r.mu.Unlock()
		return errors.NewRegistryError("register", errors.ErrWorkerExists).WithWorker(id)
	}

	r.workers[id] = &entry{
		worker:          w,
		capabilities:    caps,
		contractVersion: contractVersion,
		features: Features{
			ReportsCapacity:  reportsCapacity,
			ReportsAdmission: reportsAdmission,
		},
		health: HealthRecord{LastHeartbeat: r.now(), Score: 1.0},
	}
	for name := range caps {
		if r.index[name] == nil {
			r.index[name] = make(map[string]struct{})
		}
		r.index[name][id] = struct{}{}
	}
	r.mu.Unlock()

	names := make([]string, 0, len(caps))
	for name := range caps {
		names = append(names, name)
	}
	sort.Strings(names)

	r.logger.Info("worker registered", "worker_id", id, "capabilities", names)
	if r.bus != nil {
		r.bus.Publish(event.NewWorkerRegisteredEvent(id, names, w.MaxCapacity()))
	}
	return nil
}

// Unregister removes a worker and rebuilds the capability index entries
// it appeared in. Claims held by the worker are left in place; the fault
// monitor reassigns them when their deadlines pass.
func (r *Registry) Unregister(workerID string) error {
	r.mu.Lock()
	e, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return errors.NewRegistryError("unregister", errors.ErrWorkerNotFound).WithWorker(workerID)
	}

	delete(r.workers, workerID)
	for name := range e.capabilities {
		delete(r.index[name], workerID)
		if len(r.index[name]) == 0 {
			delete(r.index, name)
		}
	}
	r.mu.Unlock()

	r.logger.Info("worker unregistered", "worker_id", workerID)
	if r.bus != nil {
		r.bus.Publish(event.NewWorkerUnregisteredEvent(workerID))
	}
	return nil
}

// FindCapable returns the healthy workers declaring the given capability
// that pass the caller-supplied constraints, in sorted id order.
func (r *Registry) FindCapable(capability string, c Constraints) []Worker {
	now := r.now()

	r.mu.Lock()
	ids := make([]string, 0, len(r.index[capability]))
	for id := range r.index[capability] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	found := make([]Worker, 0, len(ids))
	for _, id := range ids {
		e := r.workers[id]
		if !r.healthyLocked(e, now) {
			continue
		}
		if c.MinContractVersion > 0 && e.contractVersion < c.MinContractVersion {
			continue
		}
		if c.excluded(id) {
			continue
		}
		found = append(found, e.worker)
	}
	r.mu.Unlock()

	return found
}

// Heartbeat refreshes a worker's health record. Last-write-wins.
func (r *Registry) Heartbeat(workerID string, health float64) error {
	r.mu.Lock()
	e, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return errors.NewRegistryError("heartbeat", errors.ErrWorkerNotFound).WithWorker(workerID)
	}
	e.health = HealthRecord{LastHeartbeat: r.now(), Score: health}
	r.mu.Unlock()
	return nil
}

// Claim records that a worker owns a unit of work, with a timeout.
// At most one active claim per work id.
func (r *Registry) Claim(workID, workerID string, spec WorkSpec, ttl time.Duration) error {
	now := r.now()

	r.mu.Lock()
	if _, ok := r.workers[workerID]; !ok {
		r.mu.Unlock()
		return errors.NewRegistryError("claim", errors.ErrWorkerNotFound).WithWorker(workerID).WithWork(workID)
	}
	if _, ok := r.claims[workID]; ok {
		r.mu.Unlock()
		return errors.NewRegistryError("claim", errors.ErrWorkAlreadyClaimed).WithWork(workID)
	}
	deadline := now.Add(ttl)
	r.claims[workID] = &Claim{
		WorkID:    workID,
		WorkerID:  workerID,
		ClaimedAt: now,
		Deadline:  deadline,
		Spec:      spec,
	}
	r.mu.Unlock()

	r.logger.Debug("work claimed", "work_id", workID, "worker_id", workerID, "ttl", ttl)
	if r.bus != nil {
		r.bus.Publish(event.NewClaimCreatedEvent(workID, workerID, spec.Capability, spec.CorrelationID, deadline))
	}
	return nil
}

// Complete removes a claim if and only if it is held by the calling
// worker. Returns false with no mutation when the work id is unknown or
// held by a different worker — this guards against stale completions
// after a reassignment has already occurred.
func (r *Registry) Complete(workID, workerID string) bool {
	now := r.now()

	r.mu.Lock()
	claim, ok := r.claims[workID]
	if !ok || claim.WorkerID != workerID {
		r.mu.Unlock()
		return false
	}
	delete(r.claims, workID)
	r.mu.Unlock()

	r.logger.Debug("work completed", "work_id", workID, "worker_id", workerID)
	if r.bus != nil {
		r.bus.Publish(event.NewClaimCompletedEvent(
			workID, workerID, claim.Spec.Capability, claim.Spec.CorrelationID, now.Sub(claim.ClaimedAt)))
	}
	return true
}

// MarkFailed flags a worker as failed and forces its health score to 0.
// Only the fault monitor calls this.
func (r *Registry) MarkFailed(workerID string) {
	r.mu.Lock()
	if e, ok := r.workers[workerID]; ok {
		e.failed = true
		e.health.Score = 0
	}
	r.mu.Unlock()
}

// ClearFailed clears a worker's failed flag after recovery completes.
func (r *Registry) ClearFailed(workerID string) {
	r.mu.Lock()
	if e, ok := r.workers[workerID]; ok {
		e.failed = false
	}
	r.mu.Unlock()
}

// IsFailed reports whether the fault monitor currently considers the
// worker failed.
func (r *Registry) IsFailed(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[workerID]
	return ok && e.failed
}

// Healthy reports whether a worker's health record marks it healthy.
// Note the failed flag is deliberately ignored here: the recovery scan
// uses this to detect that a failed worker's heartbeats have resumed.
func (r *Registry) Healthy(workerID string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[workerID]
	if !ok {
		return false
	}
	return now.Sub(e.health.LastHeartbeat) < r.heartbeatTimeout && e.health.Score > healthyScoreFloor
}

// healthyLocked is the eligibility check used by FindCapable: a fresh
// heartbeat, a passing score, and not marked failed.
func (r *Registry) healthyLocked(e *entry, now time.Time) bool {
	if e.failed {
		return false
	}
	return now.Sub(e.health.LastHeartbeat) < r.heartbeatTimeout && e.health.Score > healthyScoreFloor
}

// Worker returns the registered worker with the given id.
func (r *Registry) Worker(workerID string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[workerID]
	if !ok {
		return nil, false
	}
	return e.worker, true
}

// Info returns a point-in-time view of one registration.
func (r *Registry) Info(workerID string) (WorkerInfo, bool) {
	r.mu.Lock()
	e, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return WorkerInfo{}, false
	}
	info := r.infoLocked(workerID, e)
	w := e.worker
	r.mu.Unlock()

	// Load getters are worker calls; keep them outside the registry lock.
	info.CurrentLoad = w.CurrentLoad()
	info.MaxCapacity = w.MaxCapacity()
	return info, true
}

// infoLocked copies an entry into a WorkerInfo, minus the load fields.
func (r *Registry) infoLocked(id string, e *entry) WorkerInfo {
	caps := make(map[string]CapabilityHint, len(e.capabilities))
	for name, hint := range e.capabilities {
		caps[name] = hint
	}
	return WorkerInfo{
		WorkerID:        id,
		Capabilities:    caps,
		ContractVersion: e.contractVersion,
		Features:        e.features,
		Health:          e.health,
		Failed:          e.failed,
	}
}

// WorkerIDs returns all registered worker ids in sorted order.
func (r *Registry) WorkerIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// HealthyWorkers returns all currently healthy workers in sorted id order.
func (r *Registry) HealthyWorkers() []Worker {
	now := r.now()

	r.mu.Lock()
	ids := make([]string, 0, len(r.workers))
	for id, e := range r.workers {
		if r.healthyLocked(e, now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	ws := make([]Worker, 0, len(ids))
	for _, id := range ids {
		ws = append(ws, r.workers[id].worker)
	}
	r.mu.Unlock()

	return ws
}

// ClaimsFor returns the active claims held by the given worker.
func (r *Registry) ClaimsFor(workerID string) []Claim {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Claim
	for _, c := range r.claims {
		if c.WorkerID == workerID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkID < out[j].WorkID })
	return out
}

// ExpiredClaims returns all claims whose deadline has passed.
func (r *Registry) ExpiredClaims() []Claim {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Claim
	for _, c := range r.claims {
		if now.After(c.Deadline) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkID < out[j].WorkID })
	return out
}

// RemoveClaim deletes a claim regardless of holder, returning it.
// Used by the fault monitor before reassignment.
func (r *Registry) RemoveClaim(workID string) (Claim, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.claims[workID]
	if !ok {
		return Claim{}, false
	}
	delete(r.claims, workID)
	return *c, true
}

// ClaimCount returns the number of active claims.
func (r *Registry) ClaimCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.claims)
}

// Capabilities returns the capability index as capability -> sorted
// worker ids.
func (r *Registry) Capabilities() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexLocked()
}

func (r *Registry) indexLocked() map[string][]string {
	out := make(map[string][]string, len(r.index))
	for name, ids := range r.index {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		sort.Strings(list)
		out[name] = list
	}
	return out
}

// TakeSnapshot materializes the registry state for status reporting and
// the analyzer. Worker load fields are read outside the registry lock.
func (r *Registry) TakeSnapshot() Snapshot {
	now := r.now()

	r.mu.Lock()
	infos := make([]WorkerInfo, 0, len(r.workers))
	workers := make([]Worker, 0, len(r.workers))
	for id, e := range r.workers {
		infos = append(infos, r.infoLocked(id, e))
		workers = append(workers, e.worker)
	}
	claims := make([]Claim, 0, len(r.claims))
	for _, c := range r.claims {
		claims = append(claims, *c)
	}
	index := r.indexLocked()
	r.mu.Unlock()

	for i, w := range workers {
		infos[i].CurrentLoad = w.CurrentLoad()
		infos[i].MaxCapacity = w.MaxCapacity()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].WorkerID < infos[j].WorkerID })
	sort.Slice(claims, func(i, j int) bool { return claims[i].WorkID < claims[j].WorkID })

	return Snapshot{
		TakenAt: now,
		Workers: infos,
		Claims:  claims,
		Index:   index,
	}
}

// HeartbeatTimeout returns the configured heartbeat timeout.
func (r *Registry) HeartbeatTimeout() time.Duration {
	return r.heartbeatTimeout
}
