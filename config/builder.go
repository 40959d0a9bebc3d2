package config

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/jpalmerr/nodewatch"
	"github.com/jpalmerr/nodewatch/httpnode"
	"github.com/jpalmerr/nodewatch/poll"
	"github.com/jpalmerr/nodewatch/redisnode"
)

// Deps are the shared collaborators nodes are built with.
type Deps struct {
	// Redis dials Redis connections, normally a *redisnode.ConnectionManager
	// from [Config.ConnectionManager]. Required when Redis nodes are
	// configured.
	Redis redisnode.Dialer

	// HTTP is the shared client for HTTP endpoints. Required when HTTP
	// nodes are configured.
	HTTP *httpnode.Client

	// Resolver maps hosts to display names. Optional.
	Resolver poll.NameResolver

	// Logger defaults to zap.L().
	Logger *zap.Logger
}

// ConnectionManager creates the shared Redis connection manager described
// by the redis section.
func (c *Config) ConnectionManager(logger *zap.Logger) *redisnode.ConnectionManager {
	opts := []redisnode.ManagerOption{}
	if c.Redis.ClientName != "" {
		opts = append(opts, redisnode.WithClientName(c.Redis.ClientName))
	}
	if c.Redis.MaxConnections > 0 {
		opts = append(opts, redisnode.WithMaxConnections(c.Redis.MaxConnections))
	}
	if logger != nil {
		opts = append(opts, redisnode.WithManagerLogger(logger))
	}
	return redisnode.NewConnectionManager(opts...)
}

// MonitorOptions converts the process-level settings into monitor options.
func (c *Config) MonitorOptions() []nodewatch.Option {
	opts := []nodewatch.Option{
		nodewatch.WithPort(c.Port),
		nodewatch.WithTitle(c.Title),
	}
	if c.Tick != 0 {
		opts = append(opts, nodewatch.WithTickInterval(c.Tick.Duration()))
	}
	if c.MaxConcurrency > 0 {
		opts = append(opts, nodewatch.WithMaxConcurrency(c.MaxConcurrency))
	}
	if c.PollRate > 0 {
		opts = append(opts, nodewatch.WithPollRate(c.PollRate, c.PollBurst))
	}
	return opts
}

// BuildNodes builds every configured node: Redis instances, then Redis
// grids, then HTTP endpoints, then HTTP grids.
//
// Redis nodes addressing the same host and port are de-duplicated; the
// first wins and a warning is logged. Node names must be unique after
// de-duplication.
func BuildNodes(cfg *Config, deps Deps) ([]nodewatch.Node, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.L()
	}

	redisInfos := cfg.Redis.connections()
	httpCount := len(cfg.HTTP.Endpoints) + len(cfg.HTTP.Grids)
	if len(redisInfos) > 0 && deps.Redis == nil {
		return nil, errors.New("redis nodes configured but no redis dialer provided")
	}
	if httpCount > 0 && deps.HTTP == nil {
		return nil, errors.New("http nodes configured but no http client provided")
	}

	var nodes []nodewatch.Node
	var instances []*redisnode.Instance
	for _, info := range redisInfos {
		inst, err := redisnode.New(info, deps.Redis, cfg.Redis.instanceOptions(logger, deps.Resolver)...)
		if err != nil {
			return nil, fmt.Errorf("redis instance %s: %w", info.Addr(), err)
		}
		if i := slices.IndexFunc(instances, inst.Equals); i >= 0 {
			logger.Warn("duplicate redis instance ignored",
				zap.String("addr", info.Addr()),
				zap.String("name", info.Name),
				zap.String("kept", instances[i].Name()),
			)
			continue
		}
		instances = append(instances, inst)
		nodes = append(nodes, inst)
	}

	for _, ec := range cfg.HTTP.Endpoints {
		ep, err := buildEndpoint(ec, deps.HTTP, logger)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, ep)
	}

	for _, gc := range cfg.HTTP.Grids {
		eps, err := buildGridEndpoints(gc, deps.HTTP, logger)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, eps...)
	}

	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		name := n.PollNode().Name()
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate node name %q", name)
		}
		seen[name] = struct{}{}
	}
	return nodes, nil
}

// connections expands instances and grids into connection infos.
func (r *RedisConfig) connections() []redisnode.ConnectionInfo {
	var out []redisnode.ConnectionInfo
	for _, inst := range r.Instances {
		out = append(out, redisnode.ConnectionInfo{
			Name:     inst.Name,
			Host:     strings.TrimSpace(inst.Host),
			Port:     inst.Port,
			Password: r.password(inst.Password),
		})
	}
	for _, g := range r.Grids {
		for _, host := range g.Hosts {
			host = strings.TrimSpace(host)
			for _, port := range g.Ports {
				name := ""
				if g.Name != "" {
					name = g.Name + " " + net.JoinHostPort(host, strconv.Itoa(port))
				}
				out = append(out, redisnode.ConnectionInfo{
					Name:     name,
					Host:     host,
					Port:     port,
					Password: r.password(g.Password),
				})
			}
		}
	}
	return out
}

func (r *RedisConfig) password(own string) string {
	if own != "" {
		return own
	}
	return r.Password
}

func (r *RedisConfig) instanceOptions(logger *zap.Logger, resolver poll.NameResolver) []redisnode.Option {
	opts := []redisnode.Option{
		redisnode.WithLogger(logger),
		redisnode.WithFailureLogging(r.LogFetchFailures),
	}
	if r.MinPollInterval > 0 {
		opts = append(opts, redisnode.WithMinPollInterval(r.MinPollInterval.Duration()))
	}
	if r.Backoff > 0 {
		opts = append(opts, redisnode.WithBackoff(r.Backoff.Duration()))
	}
	if r.FetchTimeout > 0 {
		opts = append(opts, redisnode.WithFetchTimeout(r.FetchTimeout.Duration()))
	}
	if resolver != nil {
		opts = append(opts, redisnode.WithResolver(resolver))
	}
	return opts
}

// buildEndpoint converts a single EndpointConfig to an HTTP node.
func buildEndpoint(ec EndpointConfig, client *httpnode.Client, logger *zap.Logger) (*httpnode.Endpoint, error) {
	opts := []httpnode.Option{httpnode.WithLogger(logger)}

	if ec.Method != "" {
		opts = append(opts, httpnode.WithMethod(ec.Method))
	}
	if ec.Timeout != 0 {
		opts = append(opts, httpnode.WithTimeout(ec.Timeout.Duration()))
	}
	if len(ec.Headers) > 0 {
		opts = append(opts, httpnode.WithHeaders(mapToKeyValuePairs(ec.Headers)...))
	}
	if len(ec.Labels) > 0 {
		opts = append(opts, httpnode.WithLabels(mapToKeyValuePairs(ec.Labels)...))
	}

	extractor, err := buildExtractor(ec.Extractor)
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", ec.Name, err)
	}
	if extractor != nil {
		opts = append(opts, httpnode.WithNamedExtractor(fmt.Sprintf("%+v", ec.Extractor), extractor))
	}

	if ec.Interval != 0 {
		opts = append(opts, httpnode.WithInterval(ec.Interval.Duration()))
	}
	if ec.MaxAge != 0 {
		opts = append(opts, httpnode.WithMaxAge(ec.MaxAge.Duration()))
	}

	ep, err := httpnode.New(ec.Name, ec.URL, client, opts...)
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", ec.Name, err)
	}
	return ep, nil
}

// mapToKeyValuePairs converts a map to key-value pairs sorted by key.
func mapToKeyValuePairs(m map[string]string) []string {
	pairs := make([]string, 0, len(m)*2)
	for _, k := range slices.Sorted(maps.Keys(m)) {
		pairs = append(pairs, k, m[k])
	}
	return pairs
}

// buildGridEndpoints expands a GridConfig into one endpoint per combination
// of dimension values.
func buildGridEndpoints(gc GridConfig, client *httpnode.Client, logger *zap.Logger) ([]nodewatch.Node, error) {
	// missingkey=error fails fast on template variables with no dimension
	tmpl, err := template.New("url").Option("missingkey=error").Parse(gc.URLTemplate)
	if err != nil {
		return nil, err
	}

	var nodes []nodewatch.Node
	for _, combo := range cartesianProduct(gc.Dimensions) {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, urlEncodeMap(combo)); err != nil {
			return nil, fmt.Errorf("grid (%s) with dimensions %v: template execution failed: %w", gc.Name, combo, err)
		}

		labels := maps.Clone(gc.Labels)
		if labels == nil {
			labels = make(map[string]string, len(combo))
		}
		maps.Copy(labels, combo)

		ep, err := buildEndpoint(EndpointConfig{
			Name:      buildGridName(gc.Name, combo),
			URL:       buf.String(),
			Method:    gc.Method,
			Timeout:   gc.Timeout,
			Headers:   gc.Headers,
			Labels:    labels,
			Extractor: gc.Extractor,
			Interval:  gc.Interval,
			MaxAge:    gc.MaxAge,
		}, client, logger)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, ep)
	}
	return nodes, nil
}

// buildGridName appends the combination's values, in key order, to the
// base name.
func buildGridName(baseName string, combo map[string]string) string {
	name := baseName
	for _, k := range slices.Sorted(maps.Keys(combo)) {
		name += " " + combo[k]
	}
	return name
}

// urlEncodeMap query-escapes every value for use inside a URL template.
func urlEncodeMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = url.QueryEscape(v)
	}
	return out
}

// cartesianProduct generates all combinations of dimension values in key
// order.
func cartesianProduct(dimensions map[string][]string) []map[string]string {
	if len(dimensions) == 0 {
		return nil
	}

	result := []map[string]string{{}}
	for _, key := range slices.Sorted(maps.Keys(dimensions)) {
		values := dimensions[key]
		next := make([]map[string]string, 0, len(result)*len(values))
		for _, combo := range result {
			for _, val := range values {
				c := maps.Clone(combo)
				c[key] = val
				next = append(next, c)
			}
		}
		result = next
	}
	return result
}

// buildExtractor converts ExtractorConfig to a StatusExtractor. It returns
// nil for the default extractor.
func buildExtractor(ec ExtractorConfig) (httpnode.StatusExtractor, error) {
	switch ec.Type {
	case "", "default":
		return nil, nil
	case "http":
		return httpnode.HTTPStatusExtractor, nil
	case "json":
		return httpnode.JSONFieldExtractor(ec.Path), nil
	case "contains":
		return httpnode.ContainsExtractor(ec.Text), nil
	case "regex":
		up := ec.Up
		if up == "" {
			up = string(httpnode.StatusUp)
		}
		return httpnode.RegexExtractor(ec.Pattern, up)
	default:
		return nil, fmt.Errorf("unknown extractor type %q", ec.Type)
	}
}
