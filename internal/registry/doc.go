// Package registry is the capmesh scheduler's source of truth for worker
// registrations, the capability index, health records, and active claims.
//
// The [Registry] owns four pieces of state:
//
//   - worker registrations with per-capability cost/confidence hints
//   - the capability index (capability name -> declaring worker ids),
//     rebuilt atomically on every register/unregister
//   - health records updated by heartbeats and the fault monitor
//   - active claims (work id -> holding worker, with a deadline)
//
// Invariants:
//
//   - a worker appears in the capability index for exactly the
//     capabilities it declared
//   - a work id has at most one active claim; Complete by a non-owning
//     worker is a no-op returning false
//
// All mutation runs under one mutex. Reads take the same mutex;
// call volumes are tens per second, not millions, so coarse-grained
// locking keeps the invariants simple. Worker load getters and event
// publication happen outside the lock.
package registry
