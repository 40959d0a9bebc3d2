// Package server exposes node statuses over HTTP.
//
// It serves a JSON snapshot of every node at "/api/status", a single node at
// "/api/nodes/{name}", a Server-Sent Events stream at "/api/sse" and
// Prometheus metrics at "/metrics". Shutdown is driven by cancelling the
// context passed to [Server.Start], with a 5-second grace period.
//
// This package is internal; the monitor in the root package starts it.
package server
