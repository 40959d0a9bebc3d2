package nodewatch

import (
	"maps"
	"time"

	"github.com/jpalmerr/nodewatch/internal/poller"
	"github.com/jpalmerr/nodewatch/internal/store"
	"github.com/jpalmerr/nodewatch/poll"
)

// Detailer is implemented by nodes that publish type-specific display
// fields, such as a Redis role or an HTTP URL.
type Detailer interface {
	Details() map[string]string
}

// StatusResult is a node's health and poll state at one point in time.
//
// StatusResult values handed to callbacks are copies; callers may keep and
// modify them.
type StatusResult struct {
	Name string
	Type string
	Host string
	Port int

	// Signal is the aggregated verdict: the first reason at the highest
	// severity. Signals are all findings in rule order.
	Signal  poll.Signal
	Signals []poll.Signal

	Items []poll.ItemStatus
	State poll.PollState

	// Polling is set while a poll of the node is in flight.
	Polling bool

	// Latency is the duration of the poll that produced this result; zero
	// for results read through [Monitor.Status].
	Latency   time.Duration
	CheckedAt time.Time

	Details map[string]string
}

func newStatusResult(n Node, checkedAt time.Time) StatusResult {
	pn := n.PollNode()
	signals := pn.MonitorSignals()
	return StatusResult{
		Name:      pn.Name(),
		Type:      pn.Type(),
		Host:      pn.Host(),
		Port:      pn.Port(),
		Signal:    poll.Aggregate(signals),
		Signals:   signals,
		Items:     pn.ItemStatuses(),
		State:     pn.PollState(),
		Polling:   pn.Polling(),
		CheckedAt: checkedAt,
		Details:   detailsOf(n),
	}
}

func resultToStatus(n Node, r poller.Result) StatusResult {
	return StatusResult{
		Name:      r.Node.Name(),
		Type:      r.Node.Type(),
		Host:      r.Node.Host(),
		Port:      r.Node.Port(),
		Signal:    r.Signal,
		Signals:   append([]poll.Signal(nil), r.Signals...),
		Items:     append([]poll.ItemStatus(nil), r.Items...),
		State:     r.State,
		Polling:   r.Node.Polling(),
		Latency:   r.Duration,
		CheckedAt: r.Started.Add(r.Duration),
		Details:   detailsOf(n),
	}
}

func detailsOf(n Node) map[string]string {
	d, ok := n.(Detailer)
	if !ok {
		return nil
	}
	return maps.Clone(d.Details())
}

// copyStatus returns a deep copy so callbacks cannot alias each other.
func copyStatus(s StatusResult) StatusResult {
	s.Signals = append([]poll.Signal(nil), s.Signals...)
	s.Items = append([]poll.ItemStatus(nil), s.Items...)
	s.Details = maps.Clone(s.Details)
	return s
}

// toNodeStatus converts a result to its stored JSON form.
func toNodeStatus(s StatusResult) store.NodeStatus {
	ns := store.NodeStatus{
		Name:          s.Name,
		Type:          s.Type,
		Host:          s.Host,
		Port:          s.Port,
		Severity:      s.Signal.Severity.String(),
		Reason:        s.Signal.Reason,
		Signals:       make([]store.Signal, len(s.Signals)),
		Items:         make([]store.ItemStatus, len(s.Items)),
		Polling:       s.Polling,
		Details:       maps.Clone(s.Details),
		LastAttempt:   timePtr(s.State.LastAttempt),
		LastSuccess:   timePtr(s.State.LastSuccess),
		LastFailure:   timePtr(s.State.LastFailure),
		PollCount:     s.State.Polls,
		FailureCount:  s.State.Failures,
		PollLatencyMs: s.Latency.Milliseconds(),
		CheckedAt:     s.CheckedAt,
	}
	for i, sig := range s.Signals {
		ns.Signals[i] = store.Signal{Severity: sig.Severity.String(), Reason: sig.Reason}
	}
	for i, it := range s.Items {
		item := store.ItemStatus{
			Name:        it.Description,
			HasData:     it.HasData,
			Polling:     it.Polling,
			LastSuccess: timePtr(it.LastSuccess),
			LastAttempt: timePtr(it.LastAttempt),
		}
		if it.HasData {
			item.AgeMs = it.Age(s.CheckedAt).Milliseconds()
		}
		if it.LastError != nil {
			msg := it.LastError.Error()
			item.Error = &msg
		}
		ns.Items[i] = item
	}
	return ns
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
