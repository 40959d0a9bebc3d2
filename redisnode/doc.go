// Package redisnode monitors Redis servers.
//
// An [Instance] is a poll node with four cache items (config, info,
// clients, slow log). Connections are opened lazily through a shared
// [ConnectionManager] that the caller creates once and passes to every
// instance:
//
//	mgr := redisnode.NewConnectionManager(redisnode.WithClientName("nodewatch"))
//	defer mgr.Close()
//
//	inst, err := redisnode.New(redisnode.ConnectionInfo{Host: "10.0.0.1", Port: 6379}, mgr)
//
// Health follows the replication state: an unknown role is Critical, a
// slave whose master link is not up and a master with a slave that is not
// online are Warnings.
package redisnode
