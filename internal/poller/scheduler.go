package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jpalmerr/nodewatch/poll"
)

const (
	defaultTick           = 5 * time.Second
	defaultMaxConcurrency = 10
	defaultDrainTimeout   = 30 * time.Second
	resultsBuffer         = 64
)

// Result is the outcome of one completed node poll.
type Result struct {
	Node     *poll.Node
	Started  time.Time
	Duration time.Duration
	Failed   bool

	// Signal is the aggregated verdict; Signals are the individual findings.
	Signal  poll.Signal
	Signals []poll.Signal
	Items   []poll.ItemStatus
	State   poll.PollState
}

// Config holds scheduler settings. Zero values select defaults.
type Config struct {
	// Tick is the check interval. Zero derives it from the nodes' poll
	// intervals and backoffs.
	Tick time.Duration

	// MaxConcurrency bounds the number of nodes polled at once.
	MaxConcurrency int

	// Limiter, if set, throttles poll starts across all nodes.
	Limiter *rate.Limiter

	// DrainTimeout bounds how long a removed node may take to finish its
	// in-flight poll before its connection is closed.
	DrainTimeout time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

// Scheduler polls nodes on a tick-and-check loop.
//
// On every tick the scheduler asks each node whether it is due and hands
// due nodes to a bounded worker pool. The nodes own their timing: minimum
// poll interval and backoff live on [poll.Node], the scheduler only
// decides how often to ask.
//
// All lifecycle methods are safe for concurrent use.
type Scheduler struct {
	nodes          []*poll.Node
	explicitTick   bool
	tick           time.Duration
	maxConcurrency int
	limiter        *rate.Limiter
	drainTimeout   time.Duration
	logger         *zap.Logger
	now            func() time.Time
	results        chan Result
	retick         chan time.Duration
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	closers        sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	closeOnce sync.Once
}

// NewScheduler creates a [Scheduler] for nodes. It must be started with
// [Scheduler.Start] and stopped with [Scheduler.Stop].
func NewScheduler(nodes []*poll.Node, cfg Config) *Scheduler {
	s := &Scheduler{
		nodes:          append([]*poll.Node(nil), nodes...),
		explicitTick:   cfg.Tick > 0,
		tick:           cfg.Tick,
		maxConcurrency: cfg.MaxConcurrency,
		limiter:        cfg.Limiter,
		drainTimeout:   cfg.DrainTimeout,
		logger:         cfg.Logger,
		now:            cfg.Now,
		results:        make(chan Result, resultsBuffer),
		retick:         make(chan time.Duration, 1),
	}
	if s.maxConcurrency <= 0 {
		s.maxConcurrency = defaultMaxConcurrency
	}
	if s.drainTimeout <= 0 {
		s.drainTimeout = defaultDrainTimeout
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if !s.explicitTick {
		s.tick = baseTick(s.nodes)
	}
	return s
}

// Results emits one [Result] per completed poll. It is closed by
// [Scheduler.Stop]; consumers should drain it until then.
func (s *Scheduler) Results() <-chan Result {
	return s.results
}

// Tick returns the current check interval.
func (s *Scheduler) Tick() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// baseTick is the GCD of every node's poll interval and backoff, floored
// at one second.
func baseTick(nodes []*poll.Node) time.Duration {
	var result time.Duration
	for _, n := range nodes {
		for _, d := range []time.Duration{n.MinPollInterval(), n.Backoff()} {
			if d <= 0 {
				continue
			}
			if result == 0 {
				result = d
			} else {
				result = gcdDuration(result, d)
			}
		}
	}
	if result == 0 {
		return defaultTick
	}
	// floor at 1 second to prevent CPU thrashing
	if result < time.Second {
		result = time.Second
	}
	return result
}

func gcdDuration(a, b time.Duration) time.Duration {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Start begins polling in the background. Due nodes are polled
// immediately, then on every tick. Start is idempotent and is a no-op
// after Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, s.cancel = context.WithCancel(ctx)
	tick := s.tick
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		s.pollDueNodes(ctx)

		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case d := <-s.retick:
				ticker.Reset(d)
			case <-ticker.C:
				s.pollDueNodes(ctx)
			}
		}
	}()
}

// Stop cancels the loop, waits for running polls and node closes to
// finish, and closes the results channel. Stop is idempotent and safe to
// call before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.closers.Wait()
	s.closeOnce.Do(func() { close(s.results) })
}

// Nodes returns the current node set.
func (s *Scheduler) Nodes() []*poll.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*poll.Node(nil), s.nodes...)
}

// SetNodes replaces the node set and returns the nodes that were removed.
// Removed nodes are closed in the background once their in-flight poll
// drains or the drain timeout expires.
func (s *Scheduler) SetNodes(nodes []*poll.Node) []*poll.Node {
	keep := make(map[*poll.Node]struct{}, len(nodes))
	for _, n := range nodes {
		keep[n] = struct{}{}
	}

	s.mu.Lock()
	var removed []*poll.Node
	for _, n := range s.nodes {
		if _, ok := keep[n]; !ok {
			removed = append(removed, n)
		}
	}
	s.nodes = append([]*poll.Node(nil), nodes...)
	if !s.explicitTick {
		if tick := baseTick(s.nodes); tick != s.tick {
			s.tick = tick
			// replace any reset the loop has not consumed yet
			select {
			case <-s.retick:
			default:
			}
			s.retick <- tick
		}
	}
	s.closers.Add(len(removed))
	s.mu.Unlock()

	for _, n := range removed {
		go s.closeNode(n)
	}
	return removed
}

func (s *Scheduler) closeNode(n *poll.Node) {
	defer s.closers.Done()
	ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()
	if err := n.Close(ctx); err != nil {
		s.logger.Warn("close removed node", zap.String("node", n.Name()), zap.Error(err))
		return
	}
	s.logger.Debug("removed node closed", zap.String("node", n.Name()))
}

// pollDueNodes polls every node that is due now.
func (s *Scheduler) pollDueNodes(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := make([]*poll.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n.IsDue(now) {
			due = append(due, n)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}
	s.pollNodes(ctx, due, now)
}

// pollNodes polls nodes concurrently, respecting maxConcurrency.
func (s *Scheduler) pollNodes(ctx context.Context, nodes []*poll.Node, now time.Time) {
	jobs := make(chan *poll.Node, len(nodes))
	workers := min(s.maxConcurrency, len(nodes))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range jobs {
				if s.limiter != nil {
					if err := s.limiter.Wait(ctx); err != nil {
						return
					}
				}
				result, ok := s.pollNode(ctx, n, now)
				if !ok {
					continue
				}
				select {
				case s.results <- result:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for _, n := range nodes {
		jobs <- n
	}
	close(jobs)
	wg.Wait()
}

// pollNode polls n and reports whether a poll actually ran.
func (s *Scheduler) pollNode(ctx context.Context, n *poll.Node, now time.Time) (Result, bool) {
	start := time.Now()
	if !n.PollIfDue(ctx, now) {
		return Result{}, false
	}

	signals := n.MonitorSignals()
	state := n.PollState()
	return Result{
		Node:     n,
		Started:  start,
		Duration: time.Since(start),
		Failed:   state.LastFailure.After(state.LastSuccess),
		Signal:   poll.Aggregate(signals),
		Signals:  signals,
		Items:    n.ItemStatuses(),
		State:    state,
	}, true
}
