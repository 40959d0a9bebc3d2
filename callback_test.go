package nodewatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jpalmerr/nodewatch/httpnode"
	"github.com/jpalmerr/nodewatch/poll"
)

// newTestEndpoint builds an HTTP node against url with a client closed at
// test end.
func newTestEndpoint(t *testing.T, name, url string, opts ...httpnode.Option) *httpnode.Endpoint {
	t.Helper()
	client := httpnode.NewClient()
	t.Cleanup(client.Close)
	ep, err := httpnode.New(name, url, client, opts...)
	if err != nil {
		t.Fatalf("httpnode.New() error = %v", err)
	}
	return ep
}

func okServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

// runUntil starts m and cancels it once done is closed or the timeout
// expires.
func runUntil(t *testing.T, m *Monitor, done <-chan struct{}, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(ctx) }()

	select {
	case <-done:
	case <-time.After(timeout):
		cancel()
		t.Fatal("timeout waiting for callback")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func TestWithStatusCallback_InvokedOnPoll(t *testing.T) {
	ts := okServer(t, `{"status":"up"}`)

	var calls atomic.Int32
	done := make(chan struct{})
	var once sync.Once

	m, err := New(
		WithNode(newTestEndpoint(t, "api", ts.URL)),
		WithPort(0),
		WithLogger(zap.NewNop()),
		WithStatusCallback(func(StatusResult) {
			calls.Add(1)
			once.Do(func() { close(done) })
		}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runUntil(t, m, done, 5*time.Second)

	if calls.Load() == 0 {
		t.Error("callback should have been invoked at least once")
	}
}

func TestWithStatusCallback_ReceivesCorrectFields(t *testing.T) {
	ts := okServer(t, `{"status":"up"}`)

	var (
		mu     sync.Mutex
		result StatusResult
		once   sync.Once
	)
	done := make(chan struct{})

	ep := newTestEndpoint(t, "api", ts.URL, httpnode.WithLabels("env", "test"))
	m, err := New(
		WithNode(ep),
		WithPort(0),
		WithLogger(zap.NewNop()),
		WithStatusCallback(func(r StatusResult) {
			once.Do(func() {
				mu.Lock()
				result = r
				mu.Unlock()
				close(done)
			})
		}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runUntil(t, m, done, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()

	if result.Name != "api" {
		t.Errorf("Name = %q, want %q", result.Name, "api")
	}
	if result.Type != httpnode.NodeType {
		t.Errorf("Type = %q, want %q", result.Type, httpnode.NodeType)
	}
	if result.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want 127.0.0.1", result.Host)
	}
	if result.Signal.Severity != poll.OK {
		t.Errorf("Signal = %+v, want OK", result.Signal)
	}
	if len(result.Items) != 1 || !result.Items[0].HasData {
		t.Errorf("Items = %+v, want one item with data", result.Items)
	}
	if result.State.Polls != 1 {
		t.Errorf("State.Polls = %d, want 1", result.State.Polls)
	}
	if result.CheckedAt.IsZero() {
		t.Error("CheckedAt should not be zero")
	}
	if result.Latency <= 0 {
		t.Errorf("Latency = %v, want > 0", result.Latency)
	}
	if result.Details["env"] != "test" || result.Details["status"] != "up" {
		t.Errorf("Details = %v", result.Details)
	}
}

func TestWithStatusCallback_PanicRecovery(t *testing.T) {
	ts := okServer(t, "ok")

	core, logs := observer.New(zapcore.ErrorLevel)
	var after atomic.Int32
	done := make(chan struct{})
	var once sync.Once

	m, err := New(
		WithNode(newTestEndpoint(t, "api", ts.URL)),
		WithPort(0),
		WithLogger(zap.New(core)),
		WithStatusCallback(func(StatusResult) { panic("boom") }),
		WithStatusCallback(func(StatusResult) {
			after.Add(1)
			once.Do(func() { close(done) })
		}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runUntil(t, m, done, 5*time.Second)

	if after.Load() == 0 {
		t.Error("callback after the panicking one was not invoked")
	}
	if logs.FilterMessage("status callback panicked").Len() == 0 {
		t.Error("panic was not logged")
	}
}

func TestWithStatusCallback_NilIsSafe(t *testing.T) {
	ts := okServer(t, "ok")
	m, err := New(
		WithNode(newTestEndpoint(t, "api", ts.URL)),
		WithStatusCallback(nil),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if len(m.callbacks) != 0 {
		t.Errorf("callbacks = %d, want 0", len(m.callbacks))
	}
}

func TestWithStatusCallback_NoSharedReferences(t *testing.T) {
	ts := okServer(t, "ok")

	var (
		mu     sync.Mutex
		second StatusResult
		once   sync.Once
	)
	done := make(chan struct{})

	m, err := New(
		WithNode(newTestEndpoint(t, "api", ts.URL, httpnode.WithLabels("env", "test"))),
		WithPort(0),
		WithLogger(zap.NewNop()),
		WithStatusCallback(func(r StatusResult) {
			r.Details["env"] = "mutated"
			if len(r.Signals) > 0 {
				r.Signals[0].Reason = "mutated"
			}
		}),
		WithStatusCallback(func(r StatusResult) {
			once.Do(func() {
				mu.Lock()
				second = r
				mu.Unlock()
				close(done)
			})
		}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runUntil(t, m, done, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if second.Details["env"] != "test" {
		t.Errorf("second callback saw Details[env] = %q, want %q", second.Details["env"], "test")
	}
	for _, s := range second.Signals {
		if s.Reason == "mutated" {
			t.Error("second callback saw mutated signal")
		}
	}
}

func TestWithStatusCallback_ExecutionOrder(t *testing.T) {
	ts := okServer(t, "ok")

	var (
		mu    sync.Mutex
		order []int
		once  sync.Once
	)
	done := make(chan struct{})
	record := func(i int) func(StatusResult) {
		return func(StatusResult) {
			mu.Lock()
			order = append(order, i)
			n := len(order)
			mu.Unlock()
			if n >= 3 {
				once.Do(func() { close(done) })
			}
		}
	}

	m, err := New(
		WithNode(newTestEndpoint(t, "api", ts.URL)),
		WithPort(0),
		WithLogger(zap.NewNop()),
		WithStatusCallback(record(1)),
		WithStatusCallback(record(2)),
		WithStatusCallback(record(3)),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runUntil(t, m, done, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []int{1, 2, 3} {
		if order[i] != want {
			t.Fatalf("order = %v, want [1 2 3 ...]", order)
		}
	}
}

func TestWithStatusCallback_StoreUpdatedFirst(t *testing.T) {
	ts := okServer(t, "ok")

	var stored atomic.Bool
	done := make(chan struct{})
	var once sync.Once
	var m *Monitor

	m, err := New(
		WithNode(newTestEndpoint(t, "api", ts.URL)),
		WithPort(0),
		WithLogger(zap.NewNop()),
		WithStatusCallback(func(r StatusResult) {
			_, ok := m.store.Get(r.Name)
			stored.Store(ok)
			once.Do(func() { close(done) })
		}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runUntil(t, m, done, 5*time.Second)

	if !stored.Load() {
		t.Error("status was not stored before the callback ran")
	}
}

func TestWithStatusCallback_FailingNode(t *testing.T) {
	// closed server: connection refused
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	var (
		mu     sync.Mutex
		result StatusResult
		once   sync.Once
	)
	done := make(chan struct{})

	m, err := New(
		WithNode(newTestEndpoint(t, "gone", url, httpnode.WithTimeout(time.Second))),
		WithPort(0),
		WithLogger(zap.NewNop()),
		WithStatusCallback(func(r StatusResult) {
			once.Do(func() {
				mu.Lock()
				result = r
				mu.Unlock()
				close(done)
			})
		}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runUntil(t, m, done, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if result.Signal.Severity != poll.Critical || result.Signal.Reason != "Check failed" {
		t.Errorf("Signal = %+v, want Critical %q", result.Signal, "Check failed")
	}
	if result.State.Failures != 1 {
		t.Errorf("State.Failures = %d, want 1", result.State.Failures)
	}
	if len(result.Items) != 1 || result.Items[0].LastError == nil {
		t.Errorf("Items = %+v, want a failing item", result.Items)
	}
}
