// Package event defines the observability event types for the capmesh
// scheduler and a synchronous pub-sub bus for dispatching them.
//
// The bus decouples the scheduler's background monitors from its
// caller-facing operations: the registry, bid coordinator, fault monitor,
// flow controller, and fairness budgeter publish events describing what
// happened, and observers (the analyzer, the status view, tests) subscribe
// without any direct dependency on the publisher.
//
// Events are advisory. No scheduler component changes behavior based on a
// bus event it receives about its own state; corrective action flows
// through direct method calls so that the bus can never become a second,
// competing control path.
//
// Publishers must not hold locks while publishing: handlers run
// synchronously on the publishing goroutine.
package event
