package httpnode

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type config struct {
	labels      map[string]string
	headers     map[string]string
	timeout     time.Duration
	extractor   StatusExtractor
	extractorID string
	method      string
	interval    time.Duration
	backoff     time.Duration
	maxAge      time.Duration
	logFailures bool
	logger      *zap.Logger
	clock       func() time.Time
}

// Option configures an [Endpoint]. Options validate their input and fail
// [New] with a configuration error.
type Option func(*config) error

// WithLabels adds key-value metadata. The argument count must be even.
//
//	httpnode.WithLabels("env", "prod", "team", "platform")
func WithLabels(keyValues ...string) Option {
	return func(c *config) error {
		if len(keyValues)%2 != 0 {
			return errors.New("WithLabels requires an even number of arguments (key-value pairs)")
		}
		for i := 0; i < len(keyValues); i += 2 {
			c.labels[keyValues[i]] = keyValues[i+1]
		}
		return nil
	}
}

// WithHeaders adds request headers. The argument count must be even.
func WithHeaders(keyValues ...string) Option {
	return func(c *config) error {
		if len(keyValues)%2 != 0 {
			return errors.New("WithHeaders requires an even number of arguments (key-value pairs)")
		}
		for i := 0; i < len(keyValues); i += 2 {
			c.headers[keyValues[i]] = keyValues[i+1]
		}
		return nil
	}
}

// WithTimeout bounds each request. Defaults to 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		c.timeout = d
		return nil
	}
}

// WithExtractor replaces [DefaultExtractor]. Functions cannot be compared,
// so an endpoint built this way is never reused across reconfigurations;
// use [WithNamedExtractor] when that matters.
func WithExtractor(e StatusExtractor) Option {
	return func(c *config) error {
		c.extractor = e
		c.extractorID = ""
		return nil
	}
}

// WithNamedExtractor replaces [DefaultExtractor] with e, identified by id.
// Endpoints whose extractors share an id are treated as equivalent.
func WithNamedExtractor(id string, e StatusExtractor) Option {
	return func(c *config) error {
		if id == "" {
			return errors.New("extractor id must not be empty")
		}
		c.extractor = e
		c.extractorID = id
		return nil
	}
}

// WithMethod sets the request method: GET (default), HEAD or POST.
func WithMethod(method string) Option {
	return func(c *config) error {
		switch method {
		case http.MethodGet, http.MethodHead, http.MethodPost:
			c.method = method
			return nil
		default:
			return errors.New("method must be GET, HEAD, or POST")
		}
	}
}

// WithInterval sets the minimum time between polls, between 1s and 1h.
// Defaults to 15s.
func WithInterval(d time.Duration) Option {
	return func(c *config) error {
		if d < time.Second {
			return errors.New("interval must be at least 1 second")
		}
		if d > time.Hour {
			return errors.New("interval must not exceed 1 hour")
		}
		c.interval = d
		return nil
	}
}

// WithBackoff sets the wait after a failed check. Defaults to the interval.
func WithBackoff(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return errors.New("backoff must not be negative")
		}
		c.backoff = d
		return nil
	}
}

// WithMaxAge sets how old a response may get before it is reported stale.
// Defaults to three intervals.
func WithMaxAge(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return errors.New("max age must not be negative")
		}
		c.maxAge = d
		return nil
	}
}

// WithFailureLogging logs every failed check. Off by default.
func WithFailureLogging(enabled bool) Option {
	return func(c *config) error {
		c.logFailures = enabled
		return nil
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *config) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithClock replaces time.Now for poll bookkeeping and staleness.
func WithClock(now func() time.Time) Option {
	return func(c *config) error {
		if now != nil {
			c.clock = now
		}
		return nil
	}
}
