package store

import (
	"slices"
	"strings"
	"sync"
)

const subscriberBuffer = 100

// MemoryStore is an in-memory [Store].
//
// Subscribers receive updates on buffered channels. Sends are
// non-blocking: an update is dropped for a subscriber whose buffer is full
// rather than stalling the poll loop.
type MemoryStore struct {
	mu       sync.RWMutex
	statuses map[string]NodeStatus

	subMu       sync.RWMutex
	subscribers map[chan NodeStatus]struct{}
}

// NewMemoryStore creates an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		statuses:    make(map[string]NodeStatus),
		subscribers: make(map[chan NodeStatus]struct{}),
	}
}

func (m *MemoryStore) Update(status NodeStatus) {
	status.Removed = false

	m.mu.Lock()
	m.statuses[status.Name] = status
	m.mu.Unlock()

	m.publish(status)
}

func (m *MemoryStore) Remove(name string) {
	m.mu.Lock()
	_, ok := m.statuses[name]
	delete(m.statuses, name)
	m.mu.Unlock()

	if ok {
		m.publish(NodeStatus{Name: name, Removed: true})
	}
}

func (m *MemoryStore) Get(name string) (NodeStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

func (m *MemoryStore) GetAll() []NodeStatus {
	m.mu.RLock()
	out := make([]NodeStatus, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b NodeStatus) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

func (m *MemoryStore) Subscribe() <-chan NodeStatus {
	ch := make(chan NodeStatus, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	return ch
}

// Unsubscribe is safe to call twice or with an unknown channel.
func (m *MemoryStore) Unsubscribe(ch <-chan NodeStatus) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for sub := range m.subscribers {
		if sub == ch {
			delete(m.subscribers, sub)
			close(sub)
			return
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (m *MemoryStore) Subscribers() int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.subscribers)
}

func (m *MemoryStore) publish(status NodeStatus) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subscribers {
		select {
		case ch <- status:
		default:
			// slow subscriber, drop
		}
	}
}
