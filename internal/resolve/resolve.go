// Package resolve maps hosts and IPs to short display names.
package resolve

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	defaultCacheSize = 1024
	defaultTTL       = 10 * time.Minute
)

// ErrNoName is returned when a host has no reverse DNS entry.
var ErrNoName = errors.New("resolve: no name")

// LookupAddrFunc performs a reverse lookup. net.DefaultResolver.LookupAddr
// satisfies it.
type LookupAddrFunc func(ctx context.Context, addr string) ([]string, error)

type entry struct {
	name string
	err  error
}

// Resolver implements poll.NameResolver with static overrides followed by a
// cached reverse DNS lookup.
type Resolver struct {
	mu     sync.RWMutex
	static map[string]string
	lookup LookupAddrFunc
	cache  *expirable.LRU[string, entry]
	logger *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStatic sets fixed host to name mappings. Keys are compared case
// insensitively.
func WithStatic(names map[string]string) Option {
	return func(r *Resolver) { r.static = lowerKeys(names) }
}

func lowerKeys(names map[string]string) map[string]string {
	out := make(map[string]string, len(names))
	for k, v := range names {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

// WithLookup replaces the reverse DNS lookup.
func WithLookup(fn LookupAddrFunc) Option {
	return func(r *Resolver) { r.lookup = fn }
}

// WithCache sets the cache size and entry lifetime.
func WithCache(size int, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = expirable.NewLRU[string, entry](size, nil, ttl)
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New creates a Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		static: make(map[string]string),
		lookup: net.DefaultResolver.LookupAddr,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = expirable.NewLRU[string, entry](defaultCacheSize, nil, defaultTTL)
	}
	return r
}

// LookupName returns the display name for hostOrIP. Static names win. IP
// addresses are reverse resolved and reduced to the first label of the PTR
// name. Hostnames are reduced to their first label without a lookup.
// Failed lookups are cached like successful ones.
func (r *Resolver) LookupName(ctx context.Context, hostOrIP string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(hostOrIP))
	if key == "" {
		return "", ErrNoName
	}
	r.mu.RLock()
	name, ok := r.static[key]
	r.mu.RUnlock()
	if ok {
		return name, nil
	}
	if net.ParseIP(key) == nil {
		return firstLabel(key), nil
	}
	if e, ok := r.cache.Get(key); ok {
		return e.name, e.err
	}

	e := r.reverse(ctx, key)
	if ctx.Err() == nil {
		r.cache.Add(key, e)
	}
	return e.name, e.err
}

// SetStatic replaces the static mappings. Cached lookups are kept; static
// names take precedence over them.
func (r *Resolver) SetStatic(names map[string]string) {
	static := lowerKeys(names)
	r.mu.Lock()
	r.static = static
	r.mu.Unlock()
}

// Len returns the number of cached lookups.
func (r *Resolver) Len() int {
	return r.cache.Len()
}

func (r *Resolver) reverse(ctx context.Context, ip string) entry {
	names, err := r.lookup(ctx, ip)
	if err != nil {
		r.logger.Debug("reverse lookup failed", zap.String("ip", ip), zap.Error(err))
		return entry{err: errors.Join(ErrNoName, err)}
	}
	for _, n := range names {
		if label := firstLabel(n); label != "" {
			return entry{name: label}
		}
	}
	return entry{err: ErrNoName}
}

func firstLabel(name string) string {
	name = strings.TrimSuffix(name, ".")
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}
