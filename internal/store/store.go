package store

import "time"

// ItemStatus is the JSON view of one cache item.
type ItemStatus struct {
	Name        string     `json:"name"`
	HasData     bool       `json:"has_data"`
	Polling     bool       `json:"polling"`
	AgeMs       int64      `json:"age_ms"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	Error       *string    `json:"error"`
}

// Signal is one health finding.
type Signal struct {
	Severity string `json:"severity"`
	Reason   string `json:"reason,omitempty"`
}

// NodeStatus is the stored state of one node, keyed by Name.
type NodeStatus struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Severity string   `json:"severity"`
	Reason   string   `json:"reason,omitempty"`
	Signals  []Signal `json:"signals"`

	Items   []ItemStatus `json:"items"`
	Polling bool         `json:"polling"`

	// Details holds type-specific fields such as role or version.
	Details map[string]string `json:"details,omitempty"`

	LastAttempt   *time.Time `json:"last_attempt,omitempty"`
	LastSuccess   *time.Time `json:"last_success,omitempty"`
	LastFailure   *time.Time `json:"last_failure,omitempty"`
	PollCount     uint64     `json:"poll_count"`
	FailureCount  uint64     `json:"failure_count"`
	PollLatencyMs int64      `json:"poll_latency_ms"`
	CheckedAt     time.Time  `json:"checked_at"`

	// Removed marks a removal event on a subscription; stored values never
	// carry it.
	Removed bool `json:"removed,omitempty"`
}

// Store holds the latest status of every node and fans updates out to
// subscribers. Implementations must be safe for concurrent use.
type Store interface {
	// Update replaces the status stored under status.Name and notifies
	// subscribers.
	Update(status NodeStatus)

	// Remove deletes a node and notifies subscribers with a removal event.
	Remove(name string)

	// Get returns one node's status.
	Get(name string) (NodeStatus, bool)

	// GetAll returns a snapshot sorted by name.
	GetAll() []NodeStatus

	// Subscribe returns a buffered channel of updates. Slow consumers miss
	// updates. Callers must Unsubscribe when done.
	Subscribe() <-chan NodeStatus

	// Unsubscribe removes a subscription and closes its channel.
	Unsubscribe(ch <-chan NodeStatus)
}
