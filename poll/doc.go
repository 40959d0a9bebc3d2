// Package poll is the polling and health core shared by every node type.
//
// A [Node] owns a fixed set of [CacheItem] values, each holding the last
// successfully fetched value of one piece of data about a monitored
// resource. The node refreshes its items as a batch, respecting a minimum
// poll interval and a backoff after failures, and derives a coarse health
// verdict from cached data through an ordered [Rules] table.
//
// Fetches go through an [Invoker], which calls each fetch exactly once and
// captures failures as [*FetchError] values tagged with the node's
// identity.
//
// Basic usage:
//
//	node, err := poll.NewNode("redis", poll.Identity{Host: "10.0.0.1", Port: 6379})
//	if err != nil {
//	    return err
//	}
//	info := poll.NewCacheItem("info", fetchInfo)
//	node.Register(info)
//	node.PollIfDue(ctx, time.Now())
//	fmt.Println(node.MonitorStatus())
package poll
