// Package bidding implements the capmesh bid coordinator: a timed,
// parallel auction that picks one worker for each unit of work.
//
// A round proceeds in fixed steps: gate on system load, compute eligible
// workers (capable ∩ accepting), fan a bid request out to all of them,
// collect bids until the deadline, filter out overloaded bidders (falling
// back to the unfiltered set if that would empty the round), and select a
// winner under the configured [Policy]. Ties break by first-seen order so
// identical inputs always pick the same winner.
//
// Any single worker's bid error or panic is logged and treated as "no bid
// from that worker"; it never aborts the round. Rounds that produce no
// winner report a structured reason string, never an error.
//
// Completed rounds land in a bounded [History] that feeds per-capability
// statistics into the scheduler status snapshot.
package bidding
