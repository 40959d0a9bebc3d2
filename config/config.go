// Package config loads nodewatch YAML configuration and builds nodes from it.
//
// Example configuration:
//
//	title: Production Redis
//	port: 8080
//	logging:
//	  level: info
//	  format: json
//
//	redis:
//	  client_name: nodewatch
//	  min_poll_interval: 5s
//	  password: ${REDIS_PASSWORD:-}
//	  instances:
//	    - name: cache-a
//	      host: 10.0.0.5
//	      port: 6379
//	  grids:
//	    - name: sessions
//	      hosts: [10.0.1.1, 10.0.1.2]
//	      ports: [6379, 6380]
//
//	http:
//	  endpoints:
//	    - name: API
//	      url: https://api.example.com/health
//	      extractor: json:status
//	  grids:
//	    - name: Platform
//	      url_template: "https://{{.env}}.example.com/health"
//	      dimensions:
//	        env: [prod, staging]
//
//	names:
//	  10.0.0.5: cache-a
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort = 8080

	// minInterval guards polled servers against overly aggressive configs.
	minInterval = 1 * time.Second
	maxInterval = 1 * time.Hour
)

// Config is the root of the YAML configuration file. Use [Load] or [Parse]
// to create one.
type Config struct {
	// Title is reported by the API. Defaults to "nodewatch".
	Title string `yaml:"title"`

	// Port is the HTTP API port. Defaults to 8080.
	Port int `yaml:"port"`

	// Tick fixes the scheduler check interval. Zero derives it from the
	// nodes' poll intervals.
	Tick Duration `yaml:"tick"`

	// MaxConcurrency bounds concurrent node polls. Defaults to 10.
	MaxConcurrency int `yaml:"max_concurrency"`

	// PollRate caps node poll starts per second; zero is unlimited.
	// PollBurst defaults to 1 when a rate is set.
	PollRate  float64 `yaml:"poll_rate"`
	PollBurst int     `yaml:"poll_burst"`

	Logging LoggingConfig `yaml:"logging"`
	Redis   RedisConfig   `yaml:"redis"`
	HTTP    HTTPConfig    `yaml:"http"`

	// Names maps hosts or IPs to display names.
	Names map[string]string `yaml:"names"`
}

// LoggingConfig selects the log level and encoding. Command-line flags and
// environment variables override it.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RedisConfig holds settings shared by every Redis node plus the nodes
// themselves.
type RedisConfig struct {
	// ClientName is sent with CLIENT SETNAME on every connection.
	ClientName string `yaml:"client_name"`

	MinPollInterval Duration `yaml:"min_poll_interval"`
	Backoff         Duration `yaml:"backoff"`
	FetchTimeout    Duration `yaml:"fetch_timeout"`

	// LogFetchFailures logs every failed fetch. Off by default; failures
	// are always visible in node status.
	LogFetchFailures bool `yaml:"log_fetch_failures"`

	// MaxConnections caps live connections across all instances; zero is
	// unlimited.
	MaxConnections int `yaml:"max_connections"`

	// Password is the default for instances and grids that set none.
	// Supports ${VAR} substitution.
	Password string `yaml:"password"`

	Instances []RedisInstanceConfig `yaml:"instances"`
	Grids     []RedisGridConfig     `yaml:"grids"`
}

// RedisInstanceConfig is a single Redis server.
type RedisInstanceConfig struct {
	// Name defaults to host:port.
	Name string `yaml:"name"`

	// Host supports ${VAR} substitution.
	Host string `yaml:"host"`

	// Port defaults to 6379.
	Port int `yaml:"port"`

	Password string `yaml:"password"`
}

// RedisGridConfig expands to one instance per host and port pair.
type RedisGridConfig struct {
	// Name prefixes generated instance names: "<name> host:port".
	Name     string   `yaml:"name"`
	Hosts    []string `yaml:"hosts"`
	Ports    []int    `yaml:"ports"`
	Password string   `yaml:"password"`
}

// HTTPConfig holds HTTP endpoint nodes.
type HTTPConfig struct {
	Endpoints []EndpointConfig `yaml:"endpoints"`
	Grids     []GridConfig     `yaml:"grids"`
}

// EndpointConfig defines a single health check endpoint.
type EndpointConfig struct {
	Name string `yaml:"name"`

	// URL supports ${VAR} and ${VAR:-default} substitution.
	URL string `yaml:"url"`

	// Method is GET, HEAD or POST. Defaults to GET.
	Method string `yaml:"method"`

	// Timeout is the request timeout. Defaults to 10s.
	Timeout Duration `yaml:"timeout"`

	// Headers values support environment variable substitution.
	Headers map[string]string `yaml:"headers"`

	Labels map[string]string `yaml:"labels"`

	// Extractor determines how to interpret the response as a status.
	Extractor ExtractorConfig `yaml:"extractor"`

	// Interval is the minimum time between polls, 1s to 1h. Defaults to
	// 15s.
	Interval Duration `yaml:"interval"`

	// MaxAge marks data older than this stale. Defaults to three intervals.
	MaxAge Duration `yaml:"max_age"`
}

// GridConfig defines an endpoint grid that expands via cartesian product.
//
// With dimensions {env: [prod, staging], svc: [api, web]} the grid expands
// to 4 endpoints: prod/api, prod/web, staging/api, staging/web.
type GridConfig struct {
	// Name is the base name for generated endpoints.
	Name string `yaml:"name"`

	// URLTemplate is a Go template; dimension keys are available as
	// {{.env}}, {{.svc}}. Supports environment variable substitution.
	URLTemplate string `yaml:"url_template"`

	Dimensions map[string][]string `yaml:"dimensions"`

	Method    string            `yaml:"method"`
	Timeout   Duration          `yaml:"timeout"`
	Headers   map[string]string `yaml:"headers"`
	Labels    map[string]string `yaml:"labels"`
	Extractor ExtractorConfig   `yaml:"extractor"`
	Interval  Duration          `yaml:"interval"`
	MaxAge    Duration          `yaml:"max_age"`
}

// ExtractorConfig specifies how to determine health status from a response.
//
// Shorthand string:
//
//	extractor: json:status
//	extractor: contains:ok
//	extractor: regex:status=(\w+)
//	extractor: default
//
// Structured object:
//
//	extractor:
//	  type: json
//	  path: data.health.status
//
//	extractor:
//	  type: regex
//	  pattern: "state: (\\w+)"
//	  up: running
type ExtractorConfig struct {
	// Type is "default", "http", "json", "contains" or "regex".
	Type string

	// Path is the JSON field path (type json).
	Path string

	// Text is the substring to search for (type contains).
	Text string

	// Pattern is a regular expression with one capture group (type regex).
	Pattern string

	// Up is the capture value that means up (type regex). Defaults to "up".
	Up string
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler for ExtractorConfig.
func (e *ExtractorConfig) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		return e.parseShorthand(s)

	case yaml.MappingNode:
		// separate struct to avoid recursing into this method
		var raw struct {
			Type    string `yaml:"type"`
			Path    string `yaml:"path"`
			Text    string `yaml:"text"`
			Pattern string `yaml:"pattern"`
			Up      string `yaml:"up"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		*e = ExtractorConfig(raw)
		return nil
	}

	return fmt.Errorf("extractor must be a string or object, got %v", node.Kind)
}

// parseShorthand parses "default", "http", "json:path", "contains:text" and
// "regex:pattern".
func (e *ExtractorConfig) parseShorthand(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if kind, value, ok := strings.Cut(s, ":"); ok {
		e.Type = kind
		switch kind {
		case "json":
			e.Path = value
		case "contains":
			e.Text = value
		case "regex":
			e.Pattern = value
		default:
			return fmt.Errorf("unknown extractor type %q", kind)
		}
		return nil
	}

	switch s {
	case "default", "http":
		e.Type = s
	default:
		return fmt.Errorf("unknown extractor %q (expected 'default', 'http', 'json:path', 'contains:text' or 'regex:pattern')", s)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
// Group 1: variable name. Group 2: ":-default", present when a default is
// given. Group 3: the default value, possibly empty.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
// An unset variable without a default is an error.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		sub := envVarPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}

		name := sub[1]
		hasDefault := len(sub) > 2 && sub[2] != ""

		value, exists := os.LookupEnv(name)
		if !exists {
			if hasDefault {
				return sub[3]
			}
			firstErr = fmt.Errorf("environment variable %q is not set", name)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// afterLoader is implemented by types that finish setup after decoding.
type afterLoader interface {
	AfterLoad() error
}

// decode unmarshals data into a new T and runs its AfterLoad hook.
func decode[T any, PT interface {
	*T
	afterLoader
}](data []byte) (*T, error) {
	v := new(T)
	if err := yaml.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := PT(v).AfterLoad(); err != nil {
		return nil, err
	}
	return v, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data, applies defaults, expands
// environment variables and validates the result.
func Parse(data []byte) (*Config, error) {
	return decode[Config](data)
}

// AfterLoad applies defaults, expands environment variables and validates.
func (c *Config) AfterLoad() error {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.PollRate > 0 && c.PollBurst == 0 {
		c.PollBurst = 1
	}
	return c.expandAndValidate()
}

// NodeCount returns the number of nodes the configuration expands to,
// before de-duplication.
func (c *Config) NodeCount() (redis, http int) {
	redis = len(c.Redis.Instances)
	for _, g := range c.Redis.Grids {
		redis += len(g.Hosts) * len(g.Ports)
	}
	http = len(c.HTTP.Endpoints)
	for _, g := range c.HTTP.Grids {
		size := 1
		for _, vals := range g.Dimensions {
			size *= len(vals)
		}
		http += size
	}
	return redis, http
}

func (c *Config) expandAndValidate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Tick != 0 && c.Tick.Duration() < minInterval {
		return fmt.Errorf("tick must be at least %s, got %s", minInterval, c.Tick.Duration())
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency cannot be negative, got %d", c.MaxConcurrency)
	}
	if c.PollRate < 0 || c.PollBurst < 0 {
		return errors.New("poll_rate and poll_burst cannot be negative")
	}

	if err := c.Redis.expandAndValidate(); err != nil {
		return err
	}
	if err := c.HTTP.expandAndValidate(); err != nil {
		return err
	}

	for host, name := range c.Names {
		if strings.TrimSpace(host) == "" || strings.TrimSpace(name) == "" {
			return fmt.Errorf("names: empty host or name in %q: %q", host, name)
		}
	}

	if len(c.Redis.Instances) == 0 && len(c.Redis.Grids) == 0 &&
		len(c.HTTP.Endpoints) == 0 && len(c.HTTP.Grids) == 0 {
		return errors.New("at least one redis instance, redis grid, http endpoint or http grid must be defined")
	}
	return nil
}

func (r *RedisConfig) expandAndValidate() error {
	for field, d := range map[string]Duration{
		"min_poll_interval": r.MinPollInterval,
		"backoff":           r.Backoff,
		"fetch_timeout":     r.FetchTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("redis.%s cannot be negative, got %s", field, d.Duration())
		}
	}
	if r.MaxConnections < 0 {
		return fmt.Errorf("redis.max_connections cannot be negative, got %d", r.MaxConnections)
	}

	var err error
	if r.Password, err = expandEnvVars(r.Password); err != nil {
		return fmt.Errorf("redis.password: %w", err)
	}

	for i := range r.Instances {
		inst := &r.Instances[i]
		ctx := fmt.Sprintf("redis.instances[%d]", i)
		if inst.Name != "" {
			ctx = fmt.Sprintf("%s (%s)", ctx, inst.Name)
		}

		if inst.Host, err = expandEnvVars(inst.Host); err != nil {
			return fmt.Errorf("%s: host: %w", ctx, err)
		}
		if err := validateHost(inst.Host); err != nil {
			return fmt.Errorf("%s: %w", ctx, err)
		}
		if inst.Port == 0 {
			inst.Port = 6379
		}
		if inst.Port < 1 || inst.Port > 65535 {
			return fmt.Errorf("%s: port must be between 1 and 65535, got %d", ctx, inst.Port)
		}
		if inst.Password, err = expandEnvVars(inst.Password); err != nil {
			return fmt.Errorf("%s: password: %w", ctx, err)
		}
	}

	for i := range r.Grids {
		g := &r.Grids[i]
		ctx := fmt.Sprintf("redis.grids[%d]", i)
		if g.Name != "" {
			ctx = fmt.Sprintf("%s (%s)", ctx, g.Name)
		}

		if len(g.Hosts) == 0 {
			return fmt.Errorf("%s: at least one host is required", ctx)
		}
		if len(g.Ports) == 0 {
			return fmt.Errorf("%s: at least one port is required", ctx)
		}
		for j := range g.Hosts {
			if g.Hosts[j], err = expandEnvVars(g.Hosts[j]); err != nil {
				return fmt.Errorf("%s: hosts[%d]: %w", ctx, j, err)
			}
			if err := validateHost(g.Hosts[j]); err != nil {
				return fmt.Errorf("%s: hosts[%d]: %w", ctx, j, err)
			}
		}
		for j, p := range g.Ports {
			if p < 1 || p > 65535 {
				return fmt.Errorf("%s: ports[%d] must be between 1 and 65535, got %d", ctx, j, p)
			}
		}
		if g.Password, err = expandEnvVars(g.Password); err != nil {
			return fmt.Errorf("%s: password: %w", ctx, err)
		}
	}
	return nil
}

func validateHost(host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return errors.New("host is required")
	}
	if strings.ContainsAny(host, " \t/") {
		return fmt.Errorf("invalid host %q", host)
	}
	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return fmt.Errorf("invalid host %q: use the port field", host)
	}
	return nil
}

func (h *HTTPConfig) expandAndValidate() error {
	for i := range h.Endpoints {
		ep := &h.Endpoints[i]

		if ep.Name == "" {
			return fmt.Errorf("http.endpoints[%d]: name is required", i)
		}
		ctx := fmt.Sprintf("http.endpoints[%d] (%s)", i, ep.Name)

		if ep.URL == "" {
			return fmt.Errorf("%s: url is required", ctx)
		}
		expanded, err := expandEnvVars(ep.URL)
		if err != nil {
			return fmt.Errorf("%s: url: %w", ctx, err)
		}
		ep.URL = expanded

		parsedURL, err := url.Parse(ep.URL)
		if err != nil {
			return fmt.Errorf("%s: invalid url: %w", ctx, err)
		}
		if parsedURL.Scheme == "" {
			return fmt.Errorf("%s: url must have a scheme (http:// or https://)", ctx)
		}
		if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			return fmt.Errorf("%s: url scheme must be http or https, got %q", ctx, parsedURL.Scheme)
		}

		if err := expandHeaders(ep.Headers, ctx); err != nil {
			return err
		}
		if err := validateRequest(ep.Method, ep.Timeout, ep.Interval, ep.MaxAge, ctx); err != nil {
			return err
		}
		if err := validateExtractor(&ep.Extractor, ctx); err != nil {
			return err
		}
	}

	for i := range h.Grids {
		g := &h.Grids[i]

		if g.Name == "" {
			return fmt.Errorf("http.grids[%d]: name is required", i)
		}
		ctx := fmt.Sprintf("http.grids[%d] (%s)", i, g.Name)

		if g.URLTemplate == "" {
			return fmt.Errorf("%s: url_template is required", ctx)
		}
		expanded, err := expandEnvVars(g.URLTemplate)
		if err != nil {
			return fmt.Errorf("%s: url_template: %w", ctx, err)
		}
		g.URLTemplate = expanded

		if _, err := template.New("").Parse(g.URLTemplate); err != nil {
			return fmt.Errorf("%s: invalid url_template: %w", ctx, err)
		}

		if len(g.Dimensions) == 0 {
			return fmt.Errorf("%s: at least one dimension is required", ctx)
		}
		for dimName, dimValues := range g.Dimensions {
			if len(dimValues) == 0 {
				return fmt.Errorf("%s: dimension %q has no values", ctx, dimName)
			}
			seen := make(map[string]struct{}, len(dimValues))
			for _, v := range dimValues {
				if _, exists := seen[v]; exists {
					return fmt.Errorf("%s: dimension %q has duplicate value %q", ctx, dimName, v)
				}
				seen[v] = struct{}{}
			}
		}

		if err := expandHeaders(g.Headers, ctx); err != nil {
			return err
		}
		if err := validateRequest(g.Method, g.Timeout, g.Interval, g.MaxAge, ctx); err != nil {
			return err
		}
		if err := validateExtractor(&g.Extractor, ctx); err != nil {
			return err
		}
	}
	return nil
}

func expandHeaders(headers map[string]string, ctx string) error {
	for k, v := range headers {
		expanded, err := expandEnvVars(v)
		if err != nil {
			return fmt.Errorf("%s: headers[%s]: %w", ctx, k, err)
		}
		headers[k] = expanded
	}
	return nil
}

func validateRequest(method string, timeout, interval, maxAge Duration, ctx string) error {
	if method != "" && method != "GET" && method != "HEAD" && method != "POST" {
		return fmt.Errorf("%s: method must be GET, HEAD, or POST", ctx)
	}

	if timeout != 0 {
		if timeout.Duration() < 0 {
			return fmt.Errorf("%s: timeout cannot be negative, got %s", ctx, timeout.Duration())
		}
		if timeout.Duration() < time.Second {
			return fmt.Errorf("%s: timeout must be at least 1s if specified, got %s", ctx, timeout.Duration())
		}
	}

	if interval != 0 {
		if interval.Duration() < minInterval {
			return fmt.Errorf("%s: interval must be at least %s, got %s", ctx, minInterval, interval.Duration())
		}
		if interval.Duration() > maxInterval {
			return fmt.Errorf("%s: interval must not exceed %s, got %s", ctx, maxInterval, interval.Duration())
		}
	}

	if maxAge < 0 {
		return fmt.Errorf("%s: max_age cannot be negative, got %s", ctx, maxAge.Duration())
	}
	return nil
}

// validateExtractor validates an extractor configuration.
func validateExtractor(e *ExtractorConfig, ctx string) error {
	switch e.Type {
	case "", "default", "http":
	case "json":
		if e.Path == "" {
			return fmt.Errorf("%s: extractor type 'json' requires a path", ctx)
		}
	case "contains":
		if e.Text == "" {
			return fmt.Errorf("%s: extractor type 'contains' requires text", ctx)
		}
	case "regex":
		if e.Pattern == "" {
			return fmt.Errorf("%s: extractor type 'regex' requires a pattern", ctx)
		}
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return fmt.Errorf("%s: invalid extractor pattern: %w", ctx, err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("%s: extractor pattern needs a capture group", ctx)
		}
	default:
		return fmt.Errorf("%s: unknown extractor type %q", ctx, e.Type)
	}
	return nil
}
