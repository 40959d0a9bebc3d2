package poll

import (
	"fmt"
	"strings"
	"time"
)

// Severity is a coarse health verdict. Higher values win when signals are
// aggregated: Unknown > Critical > Warning > OK.
type Severity int

const (
	OK Severity = iota
	Warning
	Critical
	Unknown
)

var severityNames = [...]string{"ok", "warning", "critical", "unknown"}

func (s Severity) String() string {
	if s < OK || s > Unknown {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	if s < OK || s > Unknown {
		return nil, fmt.Errorf("poll: invalid severity %d", int(s))
	}
	return []byte(severityNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for i, n := range severityNames {
		if n == name {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("poll: unknown severity %q", text)
}

// Signal is one health finding.
type Signal struct {
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason,omitempty"`
}

// Evaluator produces the health signals of a node from cached state.
// Implementations must not perform I/O.
type Evaluator interface {
	Signals() []Signal
}

// EvaluatorFunc adapts a function to [Evaluator].
type EvaluatorFunc func() []Signal

func (f EvaluatorFunc) Signals() []Signal {
	return f()
}

// Rule is one row of a health rule table.
type Rule struct {
	Name     string
	Severity Severity
	Reason   string
	When     func() bool
}

// Rules is an ordered rule table. Every matching rule emits a signal, in
// table order.
type Rules []Rule

func (rs Rules) Signals() []Signal {
	var out []Signal
	for _, r := range rs {
		if r.When != nil && r.When() {
			out = append(out, Signal{Severity: r.Severity, Reason: r.Reason})
		}
	}
	return out
}

// Aggregate reduces signals to a single verdict: the highest severity, with
// the reason of the first signal at that severity. No signals means OK.
func Aggregate(signals []Signal) Signal {
	result := Signal{Severity: OK}
	found := false
	for _, s := range signals {
		if !found || s.Severity > result.Severity {
			result = s
			found = true
		}
	}
	return result
}

// StaleRule emits Warning when status has data older than maxAge.
func StaleRule(status func() ItemStatus, maxAge time.Duration, now func() time.Time, reason string) Rule {
	return Rule{
		Name:     "stale",
		Severity: Warning,
		Reason:   reason,
		When: func() bool {
			return status().Stale(now(), maxAge)
		},
	}
}
