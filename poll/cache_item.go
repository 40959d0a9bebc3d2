package poll

import (
	"context"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of a cache item's state. A new snapshot is
// published on every transition, so readers never observe a half-updated
// item.
type Snapshot[T any] struct {
	Data        T
	HasData     bool
	LastSuccess time.Time
	LastAttempt time.Time
	LastErrorAt time.Time
	LastError   error
}

// Failing reports whether the latest fetch failed.
func (s Snapshot[T]) Failing() bool {
	return s.LastError != nil
}

// ItemStatus returns the type-erased part of the snapshot. Description and
// Polling are left empty.
func (s Snapshot[T]) ItemStatus() ItemStatus {
	return ItemStatus{
		HasData:     s.HasData,
		LastSuccess: s.LastSuccess,
		LastAttempt: s.LastAttempt,
		LastErrorAt: s.LastErrorAt,
		LastError:   s.LastError,
	}
}

// ItemStatus is the type-erased state of a cache item.
type ItemStatus struct {
	Description string
	HasData     bool
	LastSuccess time.Time
	LastAttempt time.Time
	LastErrorAt time.Time
	LastError   error
	Polling     bool
}

// Age is the time since the last successful fetch, zero without data.
func (s ItemStatus) Age(now time.Time) time.Duration {
	if !s.HasData {
		return 0
	}
	return now.Sub(s.LastSuccess)
}

// Stale reports whether the data is older than maxAge. Items without data
// and a non-positive maxAge are never stale.
func (s ItemStatus) Stale(now time.Time, maxAge time.Duration) bool {
	return s.HasData && maxAge > 0 && s.Age(now) > maxAge
}

// Failing reports whether the most recent fetch failed.
func (s ItemStatus) Failing() bool {
	return s.LastError != nil
}

// DataPoller is a cache item owned by a [Node]. It is implemented by
// [*CacheItem] only.
type DataPoller interface {
	Description() string
	Refresh(ctx context.Context) error
	Status() ItemStatus
	InFlight() bool

	attach(b *binding)
	fail(err error)
}

// binding is what an item learns from the node that registers it.
type binding struct {
	invoker *Invoker
	tags    map[string]string
	now     func() time.Time
}

var detached = &binding{invoker: defaultInvoker, now: time.Now}

// CacheItem holds the last successfully fetched value of one piece of data
// about a node, along with the timing and error of the latest attempt.
//
// At most one fetch is in flight per item. A Refresh that finds a fetch
// already running returns immediately and the caller reads whatever data is
// currently cached. A failed fetch leaves the previous data in place.
type CacheItem[T any] struct {
	description string
	fetch       FetchFunc[T]

	state    atomic.Pointer[Snapshot[T]]
	inFlight atomic.Bool
	bound    atomic.Pointer[binding]
}

// NewCacheItem creates an empty item that fetches with fn.
func NewCacheItem[T any](description string, fn FetchFunc[T]) *CacheItem[T] {
	c := &CacheItem[T]{description: description, fetch: fn}
	c.state.Store(&Snapshot[T]{})
	c.bound.Store(detached)
	return c
}

func (c *CacheItem[T]) Description() string {
	return c.description
}

// Refresh fetches fresh data unless a fetch is already in flight, in which
// case it returns nil without waiting. The returned error is the fetch
// error, if any; it is also recorded on the item.
func (c *CacheItem[T]) Refresh(ctx context.Context) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer c.inFlight.Store(false)

	b := c.bound.Load()
	c.update(func(s *Snapshot[T]) { s.LastAttempt = b.now() })

	data, err := Invoke(ctx, b.invoker, c.description, c.fetch, b.tags)
	at := b.now()
	if err != nil {
		c.update(func(s *Snapshot[T]) {
			s.LastError = err
			s.LastErrorAt = at
		})
		return err
	}

	c.update(func(s *Snapshot[T]) {
		s.Data = data
		s.HasData = true
		s.LastSuccess = at
		s.LastError = nil
	})
	return nil
}

// fail records err as an attempt that never reached the backend.
func (c *CacheItem[T]) fail(err error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer c.inFlight.Store(false)

	at := c.bound.Load().now()
	c.update(func(s *Snapshot[T]) {
		s.LastAttempt = at
		s.LastError = err
		s.LastErrorAt = at
	})
}

func (c *CacheItem[T]) attach(b *binding) {
	c.bound.Store(b)
}

// update publishes a modified copy of the current snapshot. Writers are
// serialized by the in-flight guard.
func (c *CacheItem[T]) update(mutate func(*Snapshot[T])) {
	next := *c.state.Load()
	mutate(&next)
	c.state.Store(&next)
}

// Snapshot returns the current state.
func (c *CacheItem[T]) Snapshot() Snapshot[T] {
	return *c.state.Load()
}

// Data returns the cached value and whether any fetch has succeeded.
func (c *CacheItem[T]) Data() (T, bool) {
	s := c.state.Load()
	return s.Data, s.HasData
}

func (c *CacheItem[T]) HasData() bool {
	return c.state.Load().HasData
}

func (c *CacheItem[T]) InFlight() bool {
	return c.inFlight.Load()
}

func (c *CacheItem[T]) Status() ItemStatus {
	st := c.state.Load().ItemStatus()
	st.Description = c.description
	st.Polling = c.inFlight.Load()
	return st
}
