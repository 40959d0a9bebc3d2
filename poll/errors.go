package poll

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidConfiguration is wrapped by every ConfigurationError.
	ErrInvalidConfiguration = errors.New("poll: invalid configuration")

	// ErrNodeClosed is returned by operations on a node after Close.
	ErrNodeClosed = errors.New("poll: node closed")
)

// ConfigurationError reports an invalid node or item definition. It is
// raised at construction time, never while polling.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("poll: invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrInvalidConfiguration
}

// FetchError is the captured outcome of a failed fetch. It carries the
// diagnostic tags of the node that issued the call.
type FetchError struct {
	Description   string
	Tags          map[string]string
	CorrelationID string
	At            time.Time
	Panicked      bool
	Err           error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	b.WriteString("fetch ")
	b.WriteString(e.Description)
	if len(e.Tags) > 0 {
		keys := make([]string, 0, len(e.Tags))
		for k := range e.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(e.Tags[k])
		}
		b.WriteByte(']')
	}
	if e.Panicked {
		b.WriteString(": panic")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
