package nodewatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jpalmerr/nodewatch/internal/metrics"
	"github.com/jpalmerr/nodewatch/internal/poller"
	"github.com/jpalmerr/nodewatch/internal/server"
	"github.com/jpalmerr/nodewatch/internal/store"
	"github.com/jpalmerr/nodewatch/poll"
)

const (
	defaultPort           = 8080
	defaultMaxConcurrency = 10
)

// ErrAlreadyRunning is returned by [Monitor.Start] while a previous Start
// has not returned.
var ErrAlreadyRunning = errors.New("nodewatch: monitor already running")

// Node is anything that can be polled. [*poll.Node] implements it, and so
// does every node type that embeds one, such as redisnode.Instance and
// httpnode.Endpoint.
type Node interface {
	PollNode() *poll.Node
}

// Monitor polls a set of nodes and serves their health.
//
// A Monitor is created with [New] and run with [Monitor.Start], which blocks
// until its context is cancelled:
//
//	m, err := nodewatch.New(nodewatch.WithNodes(cache1, cache2))
//	if err != nil {
//	    return err
//	}
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//	return m.Start(ctx)
//
// The node set can be replaced at runtime with [Monitor.Reconfigure].
// Nodes stay open after Start returns so that it can be called again; use
// [Monitor.Close] to release their connections.
type Monitor struct {
	title          string
	port           int
	tick           time.Duration
	maxConcurrency int
	limiter        *rate.Limiter
	logger         *zap.Logger
	callbacks      []func(StatusResult)
	registry       *prometheus.Registry
	store          *store.MemoryStore
	metrics        *metrics.Metrics

	mu        sync.Mutex
	nodes     []Node
	byPoll    map[*poll.Node]Node
	scheduler *poller.Scheduler
	srv       *server.Server
	running   bool
}

// New creates a [Monitor]. At least one node is required and node names
// must be unique.
func New(opts ...Option) (*Monitor, error) {
	cfg := &monitorConfig{
		port:           defaultPort,
		maxConcurrency: defaultMaxConcurrency,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if len(cfg.nodes) == 0 {
		return nil, errors.New("at least one node is required")
	}
	if err := validateNodes(cfg.nodes); err != nil {
		return nil, err
	}

	logger := cfg.logger
	if logger == nil {
		logger = zap.L()
	}
	reg := cfg.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Monitor{
		title:          cfg.title,
		port:           cfg.port,
		tick:           cfg.tick,
		maxConcurrency: cfg.maxConcurrency,
		logger:         logger,
		callbacks:      cfg.statusCallbacks,
		registry:       reg,
		store:          store.NewMemoryStore(),
		metrics:        metrics.New(reg),
	}
	if cfg.pollRate > 0 {
		m.limiter = rate.NewLimiter(cfg.pollRate, cfg.pollBurst)
	}
	m.setNodesLocked(cfg.nodes)
	return m, nil
}

// validateNodes rejects nil nodes and duplicate names; names key the store
// and metrics.
func validateNodes(nodes []Node) error {
	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if n == nil || n.PollNode() == nil {
			return errors.New("node cannot be nil")
		}
		name := n.PollNode().Name()
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate node name: %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func (m *Monitor) setNodesLocked(nodes []Node) {
	m.nodes = append([]Node(nil), nodes...)
	m.byPoll = make(map[*poll.Node]Node, len(nodes))
	for _, n := range nodes {
		m.byPoll[n.PollNode()] = n
	}
	m.metrics.SetNodes(len(nodes))
}

func (m *Monitor) pollNodesLocked() []*poll.Node {
	out := make([]*poll.Node, len(m.nodes))
	for i, n := range m.nodes {
		out[i] = n.PollNode()
	}
	return out
}

// Start polls the nodes and serves the API until ctx is cancelled.
//
// Every due node is polled immediately, then whenever it becomes due
// again. Each completed poll updates the store, then the metrics, then
// the status callbacks. Start returns nil on shutdown, an error if the HTTP
// server cannot bind, or [ErrAlreadyRunning].
func (m *Monitor) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	scheduler := poller.NewScheduler(m.pollNodesLocked(), poller.Config{
		Tick:           m.tick,
		MaxConcurrency: m.maxConcurrency,
		Limiter:        m.limiter,
		Logger:         m.logger,
	})
	m.scheduler = scheduler
	nodeCount := len(m.nodes)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.scheduler = nil
		m.srv = nil
		m.mu.Unlock()
	}()

	m.logger.Info("nodewatch starting",
		zap.Int("nodes", nodeCount),
		zap.Duration("tick", scheduler.Tick()),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := server.NewServer(m.store, m.port, m.registry, m.title, m.logger)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	m.mu.Lock()
	m.srv = srv
	m.mu.Unlock()

	scheduler.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for r := range scheduler.Results() {
			m.handleResult(r)
		}
	}()

	<-ctx.Done()
	scheduler.Stop()
	wg.Wait()

	m.logger.Info("nodewatch stopped")
	return nil
}

func (m *Monitor) handleResult(r poller.Result) {
	// held across the store and metrics writes so Reconfigure cannot
	// remove the node in between
	m.mu.Lock()
	n, ok := m.byPoll[r.Node]
	if !ok {
		// removed by Reconfigure while polling
		m.mu.Unlock()
		return
	}
	status := resultToStatus(n, r)
	m.store.Update(toNodeStatus(status))
	m.metrics.RecordPoll(status.Name, status.Type, r.Failed, r.Duration)
	m.metrics.RecordItems(status.Name, status.Items, r.Started, status.CheckedAt)
	m.metrics.SetSeverity(status.Name, status.Type, status.Signal.Severity)
	m.mu.Unlock()

	for _, cb := range m.callbacks {
		invokeCallbackSafe(cb, copyStatus(status), m.logger)
	}

	fields := []zap.Field{
		zap.String("node", status.Name),
		zap.String("severity", status.Signal.Severity.String()),
		zap.Duration("latency", status.Latency),
	}
	if status.Signal.Reason != "" {
		fields = append(fields, zap.String("reason", status.Signal.Reason))
	}
	if r.Failed {
		m.logger.Warn("poll completed with errors", fields...)
	} else {
		m.logger.Debug("poll completed", fields...)
	}
}

// Reconfigure replaces the node set. An incoming node that matches a
// current node by [poll.Node.SameAs] is dropped in favour of the current
// one, which keeps its connection, cached data and poll schedule. Removed
// nodes finish their current poll, are closed in the background and
// disappear from the API and metrics.
func (m *Monitor) Reconfigure(nodes []Node) error {
	if len(nodes) == 0 {
		return errors.New("at least one node is required")
	}
	if err := validateNodes(nodes); err != nil {
		return err
	}

	m.mu.Lock()
	old := m.nodes
	nodes, unused := reuseNodes(old, nodes)
	m.setNodesLocked(nodes)
	scheduler := m.scheduler
	var removed []*poll.Node
	if scheduler != nil {
		removed = scheduler.SetNodes(m.pollNodesLocked())
	}
	names := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		names[n.PollNode().Name()] = struct{}{}
	}
	for _, n := range old {
		name := n.PollNode().Name()
		if _, ok := names[name]; !ok {
			m.store.Remove(name)
			m.metrics.Forget(name)
		}
	}
	m.mu.Unlock()

	toClose := unused
	if scheduler == nil {
		// not running: close dropped nodes here
		keep := make(map[*poll.Node]struct{}, len(nodes))
		for _, n := range nodes {
			keep[n.PollNode()] = struct{}{}
		}
		for _, n := range old {
			if _, ok := keep[n.PollNode()]; !ok {
				removed = append(removed, n.PollNode())
			}
		}
		toClose = append(toClose, removed...)
	}
	if len(toClose) > 0 {
		go closeNodes(toClose, m.logger)
	}

	m.logger.Info("nodes reconfigured",
		zap.Int("nodes", len(nodes)),
		zap.Int("kept", len(unused)),
		zap.Int("removed", len(removed)),
	)
	return nil
}

// reuseNodes replaces each incoming node with the current node it is the
// same as. It returns the merged set and the incoming nodes left unused.
func reuseNodes(current, incoming []Node) ([]Node, []*poll.Node) {
	byName := make(map[string]Node, len(current))
	for _, n := range current {
		byName[n.PollNode().Name()] = n
	}

	merged := make([]Node, len(incoming))
	var unused []*poll.Node
	for i, n := range incoming {
		pn := n.PollNode()
		cur, ok := byName[pn.Name()]
		if ok && cur.PollNode() != pn && !cur.PollNode().Closed() && cur.PollNode().SameAs(pn) {
			merged[i] = cur
			unused = append(unused, pn)
			continue
		}
		merged[i] = n
	}
	return merged, unused
}

func closeNodes(nodes []*poll.Node, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, n := range nodes {
		if err := n.Close(ctx); err != nil {
			logger.Warn("close removed node", zap.String("node", n.Name()), zap.Error(err))
		}
	}
}

// Nodes returns the current node set.
func (m *Monitor) Nodes() []Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Node(nil), m.nodes...)
}

// Status evaluates a node's health from its cached data. It never polls.
func (m *Monitor) Status(name string) (StatusResult, bool) {
	m.mu.Lock()
	var node Node
	for _, n := range m.nodes {
		if n.PollNode().Name() == name {
			node = n
			break
		}
	}
	m.mu.Unlock()

	if node == nil {
		return StatusResult{}, false
	}
	return newStatusResult(node, node.PollNode().Now()), true
}

// Addr returns the API listen address while running, or nil.
func (m *Monitor) Addr() net.Addr {
	m.mu.Lock()
	srv := m.srv
	m.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Addr()
}

// Port returns the configured API port.
func (m *Monitor) Port() int {
	return m.port
}

// Registry returns the registry metrics are registered on.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Close closes every node, waiting up to ctx for in-flight polls. Call it
// after Start has returned.
func (m *Monitor) Close(ctx context.Context) error {
	m.mu.Lock()
	nodes := append([]Node(nil), m.nodes...)
	m.mu.Unlock()

	var errs []error
	for _, n := range nodes {
		if err := n.PollNode().Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.PollNode().Name(), err))
		}
	}
	return errors.Join(errs...)
}

// invokeCallbackSafe calls cb, logging and swallowing any panic.
func invokeCallbackSafe(cb func(StatusResult), result StatusResult, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("status callback panicked",
				zap.Any("panic", r),
				zap.String("node", result.Name),
			)
		}
	}()
	cb(result)
}
