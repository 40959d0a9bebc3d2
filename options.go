package nodewatch

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type monitorConfig struct {
	title           string
	nodes           []Node
	port            int
	tick            time.Duration
	maxConcurrency  int
	pollRate        rate.Limit
	pollBurst       int
	logger          *zap.Logger
	statusCallbacks []func(StatusResult)
	registry        *prometheus.Registry
}

// Option configures a [Monitor]. Options are applied in order by [New];
// the first error aborts construction.
type Option func(*monitorConfig) error

// WithNode adds a node to monitor. Can be called multiple times.
func WithNode(n Node) Option {
	return func(cfg *monitorConfig) error {
		if n == nil || n.PollNode() == nil {
			return errors.New("node cannot be nil")
		}
		cfg.nodes = append(cfg.nodes, n)
		return nil
	}
}

// WithNodes adds several nodes at once. Can be combined with [WithNode].
func WithNodes(nodes ...Node) Option {
	return func(cfg *monitorConfig) error {
		for _, n := range nodes {
			if n == nil || n.PollNode() == nil {
				return errors.New("node cannot be nil")
			}
		}
		cfg.nodes = append(cfg.nodes, nodes...)
		return nil
	}
}

// WithPort sets the HTTP port for the query API. Port 0 picks a free port,
// reported by [Monitor.Addr] once started. Default: 8080.
func WithPort(port int) Option {
	return func(cfg *monitorConfig) error {
		if port < 0 || port > 65535 {
			return errors.New("port must be between 0 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithTickInterval fixes how often nodes are checked for being due. By
// default the tick is derived from the nodes' poll intervals and backoffs.
func WithTickInterval(d time.Duration) Option {
	return func(cfg *monitorConfig) error {
		if d <= 0 {
			return errors.New("tick interval must be positive")
		}
		cfg.tick = d
		return nil
	}
}

// WithMaxConcurrency limits how many nodes are polled at once. Default: 10.
func WithMaxConcurrency(n int) Option {
	return func(cfg *monitorConfig) error {
		if n <= 0 {
			return errors.New("max concurrency must be positive")
		}
		cfg.maxConcurrency = n
		return nil
	}
}

// WithPollRate caps node poll starts per second across the monitor, with
// bursts of up to burst polls. Unlimited by default.
func WithPollRate(perSecond float64, burst int) Option {
	return func(cfg *monitorConfig) error {
		if perSecond <= 0 {
			return errors.New("poll rate must be positive")
		}
		if burst <= 0 {
			return errors.New("poll burst must be positive")
		}
		cfg.pollRate = rate.Limit(perSecond)
		cfg.pollBurst = burst
		return nil
	}
}

// WithLogger sets the logger. Defaults to zap.L().
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *monitorConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithStatusCallback registers a function called after every completed
// poll, once the new status is stored. Callbacks run sequentially on the
// result loop, so slow callbacks delay later results. A panicking callback
// is logged and skipped. A nil callback is ignored.
func WithStatusCallback(cb func(StatusResult)) Option {
	return func(cfg *monitorConfig) error {
		if cb == nil {
			return nil
		}
		cfg.statusCallbacks = append(cfg.statusCallbacks, cb)
		return nil
	}
}

// WithTitle sets the title reported by the API.
func WithTitle(title string) Option {
	return func(cfg *monitorConfig) error {
		cfg.title = title
		return nil
	}
}

// WithRegistry registers metrics on reg and serves it at /metrics. By
// default each monitor uses its own registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(cfg *monitorConfig) error {
		if reg == nil {
			return errors.New("registry cannot be nil")
		}
		cfg.registry = reg
		return nil
	}
}
