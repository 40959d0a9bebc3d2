package poll

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FetchFunc queries a backend for one piece of data.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Invoker executes fetches on behalf of cache items.
//
// An Invoker calls the fetch exactly once per invocation. It never retries:
// retry timing belongs to the owning node's backoff. Errors and panics are
// converted into a [*FetchError] carrying the node's diagnostic tags.
//
// Ordinary fetch failures are not logged unless [WithFailureLogging] is
// enabled, since a down backend would otherwise log on every poll.
// Recovered panics are always logged with a correlation ID.
type Invoker struct {
	logger      *zap.Logger
	logFailures bool
	timeout     time.Duration
	newID       func() string
	now         func() time.Time
}

// InvokerOption configures an [Invoker].
type InvokerOption func(*Invoker)

// WithInvokerLogger sets the logger for fetch failures and panics.
func WithInvokerLogger(logger *zap.Logger) InvokerOption {
	return func(inv *Invoker) {
		if logger != nil {
			inv.logger = logger
		}
	}
}

// WithFailureLogging enables logging of ordinary fetch failures.
func WithFailureLogging(enabled bool) InvokerOption {
	return func(inv *Invoker) {
		inv.logFailures = enabled
	}
}

// WithFetchTimeout bounds every fetch. Zero disables the timeout and leaves
// cancellation to the caller's context.
func WithFetchTimeout(d time.Duration) InvokerOption {
	return func(inv *Invoker) {
		if d >= 0 {
			inv.timeout = d
		}
	}
}

// NewInvoker creates an [Invoker]. Without options it uses zap.L(), no
// timeout, and does not log failures.
func NewInvoker(opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		logger: zap.L(),
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// LogsFailures reports whether ordinary fetch failures are logged.
func (inv *Invoker) LogsFailures() bool {
	return inv.logFailures
}

// Timeout returns the per-fetch timeout, zero if none.
func (inv *Invoker) Timeout() time.Duration {
	return inv.timeout
}

// Invoke calls fn exactly once and returns its result. A returned error is
// always a [*FetchError].
func Invoke[T any](ctx context.Context, inv *Invoker, description string, fn FetchFunc[T], tags map[string]string) (result T, err error) {
	if inv == nil {
		inv = defaultInvoker
	}
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		fe := inv.newFetchError(description, tags, fmt.Errorf("%v", r))
		fe.Panicked = true
		inv.logger.Error("fetch panic",
			zap.String("fetch", description),
			zap.String("correlation_id", fe.CorrelationID),
			zap.Any("tags", tags),
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()),
		)
		var zero T
		result, err = zero, fe
	}()

	result, ferr := fn(ctx)
	if ferr == nil {
		return result, nil
	}

	fe := inv.newFetchError(description, tags, ferr)
	if inv.logFailures {
		inv.logger.Warn("fetch failed",
			zap.String("fetch", description),
			zap.String("correlation_id", fe.CorrelationID),
			zap.Any("tags", tags),
			zap.Error(ferr),
		)
	}
	var zero T
	return zero, fe
}

func (inv *Invoker) newFetchError(description string, tags map[string]string, cause error) *FetchError {
	copied := make(map[string]string, len(tags))
	for k, v := range tags {
		copied[k] = v
	}
	return &FetchError{
		Description:   description,
		Tags:          copied,
		CorrelationID: inv.newID(),
		At:            inv.now(),
		Err:           cause,
	}
}

var defaultInvoker = &Invoker{
	logger: zap.NewNop(),
	newID:  uuid.NewString,
	now:    time.Now,
}
