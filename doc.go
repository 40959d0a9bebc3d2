// Package nodewatch polls monitored nodes and serves their health.
//
// A node is a remote resource, such as a Redis instance or an HTTP
// endpoint, that owns a fixed set of cached data items. Nodes are built
// with the node type packages and handed to a [Monitor]:
//
//	mgr := redisnode.NewConnectionManager(redisnode.WithClientName("nodewatch"))
//	defer mgr.Close()
//
//	cache, err := redisnode.New(redisnode.ConnectionInfo{Host: "10.0.0.5", Port: 6379}, mgr)
//	if err != nil {
//	    return err
//	}
//	m, err := nodewatch.New(nodewatch.WithNode(cache), nodewatch.WithPort(9090))
//	if err != nil {
//	    return err
//	}
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//	return m.Start(ctx)
//
// # Health
//
// Each node type evaluates an ordered rule table against its cached data.
// The node's status is the first reason at the highest severity, where
// Unknown > Critical > Warning > OK. Reading a status never fetches; a node
// whose fetches fail keeps serving its last data.
//
// # Architecture
//
//   - poll: cache items, nodes, fetch invocation and health aggregation
//   - redisnode, httpnode: node types
//   - config: YAML configuration and node construction
//   - internal/poller: tick-and-check scheduler with a bounded worker pool
//   - internal/store: latest status per node with pub/sub
//   - internal/metrics: Prometheus collectors
//   - internal/server: JSON API, Server-Sent Events and /metrics
//   - internal/resolve: display name resolution
package nodewatch
