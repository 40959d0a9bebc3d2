// Package store keeps the latest [NodeStatus] of every node and publishes
// changes to subscribers, such as Server-Sent Events clients.
//
// Statuses are keyed by node name. Subscriber channels are buffered and
// written without blocking, so a slow subscriber misses updates instead of
// holding up polling.
//
// This package is internal and not part of the public API.
package store
