package nodewatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/jpalmerr/nodewatch/httpnode"
	"github.com/jpalmerr/nodewatch/internal/poller"
	"github.com/jpalmerr/nodewatch/internal/store"
	"github.com/jpalmerr/nodewatch/poll"
)

func TestStatus_ReadsWithoutPolling(t *testing.T) {
	ts := okServer(t, `{"status":"up"}`)
	ep := newTestEndpoint(t, "api", ts.URL)
	m, err := New(WithNode(ep), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got, ok := m.Status("api")
	if !ok {
		t.Fatal("Status(api) ok = false")
	}
	if got.Signal.Severity != poll.Unknown || got.Signal.Reason != "No data" {
		t.Errorf("Signal = %+v, want Unknown %q", got.Signal, "No data")
	}
	if got.State.Polls != 0 {
		t.Errorf("State.Polls = %d, Status must not poll", got.State.Polls)
	}

	if _, ok := m.Status("missing"); ok {
		t.Error("Status(missing) ok = true")
	}
}

func TestReconfigure_Validation(t *testing.T) {
	m, err := New(WithNode(mustNode(t, "a", "10.0.0.1", 6379)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.Reconfigure(nil); err == nil {
		t.Error("Reconfigure(nil) expected error")
	}
	dup := []Node{mustNode(t, "x", "10.0.0.1", 1), mustNode(t, "x", "10.0.0.2", 1)}
	if err := m.Reconfigure(dup); err == nil {
		t.Error("Reconfigure(duplicates) expected error")
	}
	if got := m.Nodes()[0].PollNode().Name(); got != "a" {
		t.Errorf("failed Reconfigure changed nodes to %q", got)
	}
}

func TestReconfigure_NotRunningClosesRemoved(t *testing.T) {
	a := mustNode(t, "a", "10.0.0.1", 6379)
	b := mustNode(t, "b", "10.0.0.2", 6379)
	m, err := New(WithNodes(a, b), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := m.Reconfigure([]Node{a}); err != nil {
		t.Fatalf("Reconfigure() error = %v", err)
	}
	if got := len(m.Nodes()); got != 1 {
		t.Errorf("len(Nodes()) = %d, want 1", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !b.Closed() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !b.Closed() {
		t.Error("removed node was not closed")
	}
	if a.Closed() {
		t.Error("kept node was closed")
	}
	if got := testutil.ToFloat64(m.metrics.Nodes); got != 1 {
		t.Errorf("nodewatch_nodes = %v, want 1", got)
	}
}

func waitClosed(t *testing.T, n *poll.Node) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !n.Closed() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !n.Closed() {
		t.Errorf("%s was not closed", n.Name())
	}
}

func TestReconfigure_ReusesUnchangedNodes(t *testing.T) {
	ts := okServer(t, `{"status":"up"}`)
	a := newTestEndpoint(t, "a", ts.URL)
	b := newTestEndpoint(t, "b", ts.URL)
	m, err := New(WithNodes(a, b), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !a.PollIfDue(context.Background(), time.Now()) {
		t.Fatal("PollIfDue() = false")
	}

	sameA := newTestEndpoint(t, "a", ts.URL)
	changedB := newTestEndpoint(t, "b", ts.URL, httpnode.WithTimeout(time.Second))
	if err := m.Reconfigure([]Node{sameA, changedB}); err != nil {
		t.Fatalf("Reconfigure() error = %v", err)
	}

	nodes := m.Nodes()
	if nodes[0] != Node(a) {
		t.Error("unchanged node was replaced")
	}
	if nodes[1] != Node(changedB) {
		t.Error("changed node was not replaced")
	}
	waitClosed(t, sameA.PollNode())
	waitClosed(t, b.PollNode())
	if a.Closed() || changedB.Closed() {
		t.Error("a node in the new set was closed")
	}

	got, _ := m.Status("a")
	if got.State.Polls != 1 || got.Signal.Severity != poll.OK {
		t.Errorf("Status(a) = %+v, want the cached poll kept", got)
	}
}

func TestReconfigure_UnnamedExtractorReplaced(t *testing.T) {
	ts := okServer(t, `{"status":"up"}`)
	custom := httpnode.WithExtractor(httpnode.HTTPStatusExtractor)
	a := newTestEndpoint(t, "a", ts.URL, custom)
	m, err := New(WithNode(a), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	next := newTestEndpoint(t, "a", ts.URL, custom)
	if err := m.Reconfigure([]Node{next}); err != nil {
		t.Fatalf("Reconfigure() error = %v", err)
	}
	if m.Nodes()[0] != Node(next) {
		t.Error("node without a fingerprint was reused")
	}
	waitClosed(t, a.PollNode())
}

func TestReconfigure_RunningKeepsUnchangedNode(t *testing.T) {
	ts := okServer(t, `{"status":"up"}`)
	a := newTestEndpoint(t, "a", ts.URL)
	m, err := New(WithNode(a), WithPort(0), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Start(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for a.PollState().Polls == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if a.PollState().Polls == 0 {
		t.Fatal("a never polled")
	}

	sameA := newTestEndpoint(t, "a", ts.URL)
	if err := m.Reconfigure([]Node{sameA}); err != nil {
		t.Fatalf("Reconfigure() error = %v", err)
	}
	waitClosed(t, sameA.PollNode())
	if a.Closed() {
		t.Error("unchanged node was closed while running")
	}
	if _, ok := m.store.Get("a"); !ok {
		t.Error("unchanged node dropped from the store")
	}
}

func TestHandleResult_IgnoresRemovedNode(t *testing.T) {
	a := mustNode(t, "a", "10.0.0.1", 6379)
	b := mustNode(t, "b", "10.0.0.2", 6379)
	m, err := New(WithNodes(a, b), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	m.handleResult(poller.Result{Node: b, Started: time.Now()})
	if _, ok := m.store.Get("b"); !ok {
		t.Fatal("result for a current node not stored")
	}

	if err := m.Reconfigure([]Node{a}); err != nil {
		t.Fatalf("Reconfigure() error = %v", err)
	}
	m.handleResult(poller.Result{Node: b, Started: time.Now()})
	if _, ok := m.store.Get("b"); ok {
		t.Error("late result brought a removed node back")
	}
	if got := testutil.CollectAndCount(m.metrics.NodeSeverity); got != 0 {
		t.Errorf("severity series = %d, want 0", got)
	}
}

func TestStatus_ReportsPollInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	item := poll.NewCacheItem("slow", func(context.Context) (int, error) {
		close(started)
		<-release
		return 1, nil
	})
	n := mustNode(t, "slow", "10.0.0.1", 6379)
	n.Register(item)
	m, err := New(WithNode(n), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	done := make(chan bool)
	go func() { done <- n.PollIfDue(context.Background(), time.Now()) }()
	<-started

	got, _ := m.Status("slow")
	if !got.Polling {
		t.Error("Status().Polling = false during a poll")
	}
	if !toNodeStatus(got).Polling {
		t.Error("NodeStatus.Polling = false during a poll")
	}

	close(release)
	<-done
	if got, _ := m.Status("slow"); got.Polling {
		t.Error("Status().Polling = true after the poll")
	}
}

func TestReconfigure_WhileRunning(t *testing.T) {
	tsA := okServer(t, `{"status":"up"}`)
	tsB := okServer(t, `{"status":"degraded"}`)
	a := newTestEndpoint(t, "a", tsA.URL)
	b := newTestEndpoint(t, "b", tsB.URL)

	m, err := New(WithNodes(a, b), WithPort(0), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Start(ctx) }()

	waitStored := func(name string) store.NodeStatus {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if s, ok := m.store.Get(name); ok {
				return s
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("%s never stored", name)
		return store.NodeStatus{}
	}
	if s := waitStored("b"); s.Severity != "warning" {
		t.Errorf("b severity = %q, want warning", s.Severity)
	}
	waitStored("a")

	ch := m.store.Subscribe()
	defer m.store.Unsubscribe(ch)

	if err := m.Reconfigure([]Node{a}); err != nil {
		t.Fatalf("Reconfigure() error = %v", err)
	}

	if _, ok := m.store.Get("b"); ok {
		t.Error("removed node still in store")
	}
	select {
	case ev := <-ch:
		if !ev.Removed || ev.Name != "b" {
			t.Errorf("event = %+v, want removal of b", ev)
		}
	case <-time.After(time.Second):
		t.Error("no removal event")
	}

	deadline := time.Now().Add(3 * time.Second)
	for !b.Closed() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !b.Closed() {
		t.Error("removed node was not closed")
	}
	if got := testutil.CollectAndCount(m.metrics.NodeSeverity); got != 1 {
		t.Errorf("severity series = %d, want 1 after Forget", got)
	}
}

func TestClose_ClosesNodes(t *testing.T) {
	closed := 0
	id, _ := poll.NewIdentity("10.0.0.1", 6379, "a")
	n, err := poll.NewNode("test", id, poll.WithCloser(func() error {
		closed++
		return errors.New("close failed")
	}))
	if err != nil {
		t.Fatalf("NewNode() error = %v", err)
	}
	m, err := New(WithNode(n))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = m.Close(context.Background())
	if err == nil {
		t.Error("Close() should report the closer error")
	}
	if closed != 1 || !n.Closed() {
		t.Errorf("closer calls = %d, closed = %v", closed, n.Closed())
	}
}

func TestToNodeStatus(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	res := StatusResult{
		Name:    "cache-1",
		Type:    "redis",
		Host:    "10.0.0.5",
		Port:    6379,
		Signal:  poll.Signal{Severity: poll.Warning, Reason: "Slave offline"},
		Signals: []poll.Signal{
			{Severity: poll.Warning, Reason: "Slave offline"},
		},
		Items: []poll.ItemStatus{
			{Description: "info", HasData: true, LastSuccess: now.Add(-2 * time.Second), LastAttempt: now.Add(-2 * time.Second)},
			{Description: "config", LastError: errors.New("timeout"), LastErrorAt: now},
		},
		State:     poll.PollState{LastAttempt: now, LastSuccess: now, Polls: 4, Failures: 1},
		Latency:   15 * time.Millisecond,
		CheckedAt: now,
		Details:   map[string]string{"role": "master"},
	}

	ns := toNodeStatus(res)

	if ns.Severity != "warning" || ns.Reason != "Slave offline" {
		t.Errorf("severity/reason = %q/%q", ns.Severity, ns.Reason)
	}
	if len(ns.Signals) != 1 || ns.Signals[0].Severity != "warning" {
		t.Errorf("Signals = %+v", ns.Signals)
	}
	if ns.Items[0].AgeMs != 2000 || ns.Items[0].Error != nil {
		t.Errorf("info item = %+v", ns.Items[0])
	}
	if ns.Items[1].Error == nil || *ns.Items[1].Error != "timeout" || ns.Items[1].LastSuccess != nil {
		t.Errorf("config item = %+v", ns.Items[1])
	}
	if ns.LastFailure != nil {
		t.Error("LastFailure should be nil for a zero time")
	}
	if ns.PollCount != 4 || ns.FailureCount != 1 || ns.PollLatencyMs != 15 {
		t.Errorf("counts = %d/%d/%d", ns.PollCount, ns.FailureCount, ns.PollLatencyMs)
	}

	res.Details["role"] = "slave"
	if ns.Details["role"] != "master" {
		t.Error("Details shared with the source result")
	}
}
