// Package poller drives node polling.
//
// The [Scheduler] ticks at the GCD of all node poll intervals and backoffs,
// asks every node whether it is due, and polls due nodes through a bounded
// worker pool. Each completed poll produces a [Result] carrying the node's
// freshly evaluated health.
//
// This package is internal and not part of the public API.
package poller
