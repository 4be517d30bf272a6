// Package coordination wires the capmesh scheduler components into a
// single Hub with one lifecycle.
//
// The Hub is the library boundary: callers register workers, request
// bids, claim and complete work, heartbeat, submit tasks, and read a
// combined status snapshot through it. Internally it owns the registry,
// flow controller, bid coordinator, fairness budgeter, task runtime,
// fault monitor, and analyzer, starting and stopping their background
// loops deterministically. There is no ambient global instance; every
// Hub is explicitly constructed and passed by reference.
package coordination
