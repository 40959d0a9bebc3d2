package poll

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMinPollInterval = 5 * time.Second
	DefaultBackoff         = 5 * time.Second
)

// PollState records the timing of a node's poll batches.
type PollState struct {
	LastAttempt time.Time
	LastSuccess time.Time
	LastFailure time.Time
	Polls       uint64
	Failures    uint64
}

// Node is a monitored resource that owns a fixed set of cache items.
//
// A node is polled as a batch: [Node.PollIfDue] refreshes every registered
// item concurrently, at most once per minimum poll interval, and not again
// within the backoff window after a failed batch. Health is derived from
// cached state by the node's [Evaluator] and never triggers a fetch.
//
// Node types (Redis instances, HTTP endpoints) embed *Node and register
// their items at construction.
type Node struct {
	nodeType    string
	id          Identity
	minInterval time.Duration
	backoff     time.Duration
	evaluator   Evaluator
	prepare     func(ctx context.Context) error
	closer      func() error
	invoker     *Invoker
	tags        map[string]string
	fingerprint string
	now         func() time.Time
	logger      *zap.Logger
	binding     *binding

	mu       sync.Mutex
	pollers  []DataPoller
	state    PollState
	closed   bool
	inflight sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
	polling   atomic.Int32
}

// NodeOption configures a [Node].
type NodeOption func(*Node)

// WithMinPollInterval sets the minimum time between poll batches.
func WithMinPollInterval(d time.Duration) NodeOption {
	return func(n *Node) { n.minInterval = d }
}

// WithBackoff sets how long to wait after a failed batch before polling
// again.
func WithBackoff(d time.Duration) NodeOption {
	return func(n *Node) { n.backoff = d }
}

// WithEvaluator sets the health evaluator.
func WithEvaluator(e Evaluator) NodeOption {
	return func(n *Node) { n.evaluator = e }
}

// WithPrepare sets a hook run before each batch, typically to establish
// the connection. When it fails, no item is fetched and every item records
// the error.
func WithPrepare(fn func(ctx context.Context) error) NodeOption {
	return func(n *Node) { n.prepare = fn }
}

// WithCloser sets the teardown run by [Node.Close] after polls drain.
func WithCloser(fn func() error) NodeOption {
	return func(n *Node) { n.closer = fn }
}

// WithInvoker sets the fetch invoker shared by the node's items.
func WithInvoker(inv *Invoker) NodeOption {
	return func(n *Node) {
		if inv != nil {
			n.invoker = inv
		}
	}
}

// WithTags adds diagnostic tags attached to every fetch error.
func WithTags(tags map[string]string) NodeOption {
	return func(n *Node) {
		for k, v := range tags {
			n.tags[k] = v
		}
	}
}

// WithFingerprint records a summary of the settings the node was built
// with. Nodes with equal non-empty fingerprints are interchangeable; see
// [Node.SameAs].
func WithFingerprint(fp string) NodeOption {
	return func(n *Node) { n.fingerprint = fp }
}

// WithClock replaces time.Now for poll bookkeeping.
func WithClock(now func() time.Time) NodeOption {
	return func(n *Node) {
		if now != nil {
			n.now = now
		}
	}
}

// WithLogger sets the node's logger.
func WithLogger(logger *zap.Logger) NodeOption {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNode creates a node of the given type. It returns a
// [*ConfigurationError] if the identity or timing is invalid.
func NewNode(nodeType string, id Identity, opts ...NodeOption) (*Node, error) {
	if nodeType == "" {
		return nil, &ConfigurationError{Field: "node type", Reason: "must not be empty"}
	}
	id, err := NewIdentity(id.Host, id.Port, id.Name)
	if err != nil {
		return nil, err
	}

	n := &Node{
		nodeType:    nodeType,
		id:          id,
		minInterval: DefaultMinPollInterval,
		backoff:     DefaultBackoff,
		invoker:     NewInvoker(WithInvokerLogger(zap.NewNop())),
		tags: map[string]string{
			"Node": id.Name,
			"Host": id.Host,
			"Port": strconv.Itoa(id.Port),
		},
		now:    time.Now,
		logger: zap.L(),
	}
	for _, opt := range opts {
		opt(n)
	}

	if n.minInterval < 0 {
		return nil, &ConfigurationError{Field: "min poll interval", Reason: "must not be negative"}
	}
	if n.backoff < 0 {
		return nil, &ConfigurationError{Field: "backoff", Reason: "must not be negative"}
	}

	n.logger = n.logger.With(zap.String("node", id.Name), zap.String("type", nodeType))
	n.binding = &binding{invoker: n.invoker, tags: n.tags, now: n.now}
	return n, nil
}

// Register adds cache items to the node. Items are refreshed together and
// listed in registration order.
func (n *Node) Register(pollers ...DataPoller) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range pollers {
		p.attach(n.binding)
		n.pollers = append(n.pollers, p)
	}
}

// DataPollers lists the node's cache items.
func (n *Node) DataPollers() []DataPoller {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.pollers)
}

// ItemStatuses returns the status of every cache item.
func (n *Node) ItemStatuses() []ItemStatus {
	pollers := n.DataPollers()
	out := make([]ItemStatus, len(pollers))
	for i, p := range pollers {
		out[i] = p.Status()
	}
	return out
}

// IsDue reports whether a poll may start at now.
func (n *Node) IsDue(now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.closed && n.isDueLocked(now)
}

func (n *Node) isDueLocked(now time.Time) bool {
	s := n.state
	if !s.LastAttempt.IsZero() && now.Sub(s.LastAttempt) < n.minInterval {
		return false
	}
	if s.LastFailure.After(s.LastSuccess) && now.Before(s.LastFailure.Add(n.backoff)) {
		return false
	}
	return true
}

// PollIfDue refreshes every cache item if the node is due at now and
// reports whether a poll ran. The batch blocks until all items finish.
//
// Fetches are detached from ctx cancellation so that in-flight work drains
// on shutdown; the invoker's fetch timeout bounds them.
func (n *Node) PollIfDue(ctx context.Context, now time.Time) bool {
	n.mu.Lock()
	if n.closed || !n.isDueLocked(now) {
		n.mu.Unlock()
		return false
	}
	n.state.LastAttempt = now
	n.inflight.Add(1)
	pollers := slices.Clone(n.pollers)
	n.mu.Unlock()
	defer n.inflight.Done()

	n.polling.Add(1)
	defer n.polling.Add(-1)

	start := n.now()
	failed := n.poll(context.WithoutCancel(ctx), pollers)
	end := n.now()

	n.mu.Lock()
	n.state.Polls++
	if failed {
		n.state.LastFailure = end
		n.state.Failures++
	} else {
		n.state.LastSuccess = end
	}
	n.mu.Unlock()

	if failed {
		n.logger.Debug("poll failed", zap.Duration("duration", end.Sub(start)))
	} else {
		n.logger.Debug("poll complete", zap.Duration("duration", end.Sub(start)))
	}
	return true
}

// poll runs one batch and reports whether any item failed.
func (n *Node) poll(ctx context.Context, pollers []DataPoller) bool {
	if n.prepare != nil {
		_, err := Invoke(ctx, n.invoker, "connect", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, n.prepare(ctx)
		}, n.tags)
		if err != nil {
			for _, p := range pollers {
				p.fail(err)
			}
			return true
		}
	}

	var (
		g        errgroup.Group
		failures atomic.Int32
	)
	for _, p := range pollers {
		g.Go(func() error {
			if err := p.Refresh(ctx); err != nil {
				failures.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures.Load() > 0
}

// Polling reports whether a batch is running.
func (n *Node) Polling() bool {
	return n.polling.Load() > 0
}

// MonitorSignals evaluates the node's health rules against cached data.
func (n *Node) MonitorSignals() []Signal {
	if n.evaluator == nil {
		return nil
	}
	return n.evaluator.Signals()
}

// MonitorStatus aggregates [Node.MonitorSignals] into a single verdict.
func (n *Node) MonitorStatus() Signal {
	return Aggregate(n.MonitorSignals())
}

// PollState returns the node's poll timing.
func (n *Node) PollState() PollState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Equals reports whether both nodes address the same host and port.
func (n *Node) Equals(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	return n.id.Equals(other.id)
}

// Fingerprint returns the settings summary set by [WithFingerprint].
func (n *Node) Fingerprint() string {
	return n.fingerprint
}

// SameAs reports whether other would poll the same target the same way:
// same type, name and address, and equal non-empty fingerprints. A node
// without a fingerprint is never the same as another node.
func (n *Node) SameAs(other *Node) bool {
	if n == nil || other == nil {
		return false
	}
	if n == other {
		return true
	}
	return n.fingerprint != "" &&
		n.fingerprint == other.fingerprint &&
		n.nodeType == other.nodeType &&
		n.Name() == other.Name() &&
		n.Equals(other)
}

// Close stops new polls, waits for running ones to finish or ctx to end,
// then runs the closer. Close is idempotent.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.inflight.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	n.closeOnce.Do(func() {
		if n.closer != nil {
			n.closeErr = n.closer()
		}
	})
	return errors.Join(waitErr, n.closeErr)
}

// Closed reports whether Close has been called.
func (n *Node) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// PollNode returns n. Types embedding *Node inherit it.
func (n *Node) PollNode() *Node { return n }

func (n *Node) Type() string { return n.nodeType }
func (n *Node) Identity() Identity { return n.id }
func (n *Node) Name() string { return n.id.Name }
func (n *Node) Host() string { return n.id.Host }
func (n *Node) Port() int { return n.id.Port }
func (n *Node) MinPollInterval() time.Duration { return n.minInterval }
func (n *Node) Backoff() time.Duration { return n.backoff }
func (n *Node) Now() time.Time { return n.now() }
func (n *Node) Logger() *zap.Logger { return n.logger }
func (n *Node) Invoker() *Invoker { return n.invoker }

// Tags returns a copy of the node's diagnostic tags.
func (n *Node) Tags() map[string]string {
	out := make(map[string]string, len(n.tags))
	for k, v := range n.tags {
		out[k] = v
	}
	return out
}

func (n *Node) String() string {
	return n.nodeType + " " + n.id.DisplayName()
}
