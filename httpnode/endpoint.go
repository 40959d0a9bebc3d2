package httpnode

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jpalmerr/nodewatch/poll"
)

// NodeType is the type name of HTTP endpoint nodes.
const NodeType = "http"

const (
	DefaultInterval = 15 * time.Second
	DefaultTimeout  = 10 * time.Second
)

// Endpoint is a polled HTTP health URL.
//
// Each poll performs one request and stores the [Response] in the Check
// item. Health derives from the cached response:
//
//   - a failing check is Critical
//   - no response yet is Unknown
//   - a down, unknown or degraded status maps to Critical, Unknown or Warning
//   - a response older than the max age is a Warning
type Endpoint struct {
	*poll.Node

	Check *poll.CacheItem[Response]

	url       string
	method    string
	labels    map[string]string
	headers   map[string]string
	timeout   time.Duration
	extractor StatusExtractor
	maxAge    time.Duration
	client    *Client
}

// New creates an endpoint polled through client. The URL must be absolute
// with an http or https scheme.
func New(name, rawURL string, client *Client, opts ...Option) (*Endpoint, error) {
	if name == "" {
		return nil, &poll.ConfigurationError{Field: "name", Reason: "must not be empty"}
	}
	if client == nil {
		return nil, &poll.ConfigurationError{Field: "client", Reason: "must not be nil"}
	}
	host, port, err := splitURL(rawURL)
	if err != nil {
		return nil, &poll.ConfigurationError{Field: "url", Reason: err.Error()}
	}

	cfg := &config{
		labels:   make(map[string]string),
		headers:  make(map[string]string),
		timeout:  DefaultTimeout,
		interval: DefaultInterval,
		logger:   zap.L(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, &poll.ConfigurationError{Field: "endpoint " + name, Reason: err.Error()}
		}
	}
	if cfg.backoff == 0 {
		cfg.backoff = cfg.interval
	}
	if cfg.maxAge == 0 {
		cfg.maxAge = 3 * cfg.interval
	}
	if cfg.extractor == nil {
		cfg.extractor = DefaultExtractor
		cfg.extractorID = "default"
	}

	e := &Endpoint{
		url:       rawURL,
		method:    cfg.method,
		labels:    cfg.labels,
		headers:   cfg.headers,
		timeout:   cfg.timeout,
		extractor: cfg.extractor,
		maxAge:    cfg.maxAge,
		client:    client,
	}

	invoker := poll.NewInvoker(
		poll.WithInvokerLogger(cfg.logger),
		poll.WithFailureLogging(cfg.logFailures),
		poll.WithFetchTimeout(cfg.timeout),
	)
	node, err := poll.NewNode(NodeType,
		poll.Identity{Host: host, Port: port, Name: name},
		poll.WithMinPollInterval(cfg.interval),
		poll.WithBackoff(cfg.backoff),
		poll.WithInvoker(invoker),
		poll.WithTags(map[string]string{"URL": rawURL}),
		poll.WithFingerprint(cfg.fingerprint(rawURL)),
		poll.WithClock(cfg.clock),
		poll.WithLogger(cfg.logger),
		poll.WithEvaluator(poll.EvaluatorFunc(func() []poll.Signal {
			return e.rules().Signals()
		})),
	)
	if err != nil {
		return nil, err
	}
	e.Node = node
	e.Check = poll.NewCacheItem("check", e.fetch)
	node.Register(e.Check)
	return e, nil
}

// fingerprint summarizes the endpoint's settings. It is empty when the
// extractor has no id.
func (c *config) fingerprint(rawURL string) string {
	if c.extractorID == "" {
		return ""
	}
	// fmt prints maps in key order
	return fmt.Sprintf("%s|%s|%v|%v|%s|%s|%s|%s|%t|%s",
		rawURL, c.method, c.labels, c.headers,
		c.timeout, c.interval, c.backoff, c.maxAge,
		c.logFailures, c.extractorID,
	)
}

func splitURL(rawURL string) (string, int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", 0, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", 0, errors.New("URL must have a scheme (http:// or https://)")
	}
	if u.Hostname() == "" {
		return "", 0, errors.New("URL must have a host")
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("invalid port %q", p)
		}
		return u.Hostname(), port, nil
	}
	if u.Scheme == "https" {
		return u.Hostname(), 443, nil
	}
	return u.Hostname(), 80, nil
}

func (e *Endpoint) fetch(ctx context.Context) (Response, error) {
	resp, err := e.client.Fetch(ctx, e.method, e.url, e.headers)
	if err != nil {
		return Response{}, err
	}
	resp.Status = e.extractor(resp.Body, resp.StatusCode)
	return resp, nil
}

func (e *Endpoint) rules() poll.Rules {
	snap := e.Check.Snapshot()
	item := snap.ItemStatus()
	resp, ok := snap.Data, snap.HasData
	now := e.Now()

	is := func(s Status) func() bool {
		return func() bool { return ok && resp.Status == s }
	}
	return poll.Rules{
		{Name: "failing", Severity: poll.Critical, Reason: "Check failed", When: item.Failing},
		{Name: "no-data", Severity: poll.Unknown, Reason: "No data", When: func() bool { return !ok && !item.Failing() }},
		{Name: "down", Severity: poll.Critical, Reason: "Endpoint down", When: is(StatusDown)},
		{Name: "unknown", Severity: poll.Unknown, Reason: "Status unknown", When: is(StatusUnknown)},
		{Name: "degraded", Severity: poll.Warning, Reason: "Endpoint degraded", When: is(StatusDegraded)},
		poll.StaleRule(func() poll.ItemStatus { return item }, e.maxAge, func() time.Time { return now }, "Stale data"),
	}
}

// Status returns the last extracted status, StatusUnknown without data.
func (e *Endpoint) Status() Status {
	resp, ok := e.Check.Data()
	if !ok {
		return StatusUnknown
	}
	return resp.Status
}

func (e *Endpoint) URL() string { return e.url }
func (e *Endpoint) Timeout() time.Duration { return e.timeout }
func (e *Endpoint) MaxAge() time.Duration { return e.maxAge }
func (e *Endpoint) Labels() map[string]string { return copyMap(e.labels) }
func (e *Endpoint) Headers() map[string]string { return copyMap(e.headers) }

// Details returns display fields for status views: the URL, the last
// extracted status and the endpoint's labels.
func (e *Endpoint) Details() map[string]string {
	d := copyMap(e.labels)
	if d == nil {
		d = make(map[string]string, 2)
	}
	d["url"] = e.url
	d["status"] = e.Status().String()
	return d
}

// Method returns the request method, empty meaning GET.
func (e *Endpoint) Method() string { return e.method }

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
