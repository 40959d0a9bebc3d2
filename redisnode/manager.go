package redisnode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jpalmerr/nodewatch/poll"
)

var (
	// ErrManagerClosed is returned by Dial after the manager is closed.
	ErrManagerClosed = errors.New("redisnode: connection manager closed")

	// ErrTooManyConnections is returned when the connection cap is reached.
	ErrTooManyConnections = errors.New("redisnode: connection limit reached")
)

const (
	defaultClientName   = "nodewatch"
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// ConnectionInfo addresses one Redis server.
type ConnectionInfo struct {
	Name     string
	Host     string
	Port     int
	Password string
}

// Addr returns host:port.
func (c ConnectionInfo) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Conn is a connection to one Redis server.
type Conn interface {
	poll.Handle
	Info(ctx context.Context) (string, error)
	ConfigGet(ctx context.Context) (map[string]string, error)
	ClientList(ctx context.Context) (string, error)
	SlowLogGet(ctx context.Context, n int64) ([]redis.SlowLog, error)
}

// Dialer opens connections. [*ConnectionManager] is the production
// implementation.
type Dialer interface {
	Dial(ctx context.Context, info ConnectionInfo) (Conn, error)
}

// ConnectionManager owns every Redis connection in the process.
//
// It is created once and handed to each [Instance]. All connections share
// its client options, count against its connection cap, and are closed
// together by [ConnectionManager.Close].
type ConnectionManager struct {
	clientName   string
	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	maxConns     int
	logger       *zap.Logger

	mu     sync.Mutex
	conns  map[*clientConn]struct{}
	closed bool
}

// ManagerOption configures a [ConnectionManager].
type ManagerOption func(*ConnectionManager)

// WithClientName sets the name reported by CLIENT SETNAME.
func WithClientName(name string) ManagerOption {
	return func(m *ConnectionManager) { m.clientName = name }
}

// WithTimeouts sets dial, read and write timeouts. Zero values keep the
// defaults.
func WithTimeouts(dial, read, write time.Duration) ManagerOption {
	return func(m *ConnectionManager) {
		if dial > 0 {
			m.dialTimeout = dial
		}
		if read > 0 {
			m.readTimeout = read
		}
		if write > 0 {
			m.writeTimeout = write
		}
	}
}

// WithMaxConnections caps the number of live connections. Zero means no cap.
func WithMaxConnections(n int) ManagerOption {
	return func(m *ConnectionManager) { m.maxConns = n }
}

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *ConnectionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewConnectionManager creates a manager with no open connections.
func NewConnectionManager(opts ...ManagerOption) *ConnectionManager {
	m := &ConnectionManager{
		clientName:   defaultClientName,
		dialTimeout:  defaultDialTimeout,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		logger:       zap.L(),
		conns:        make(map[*clientConn]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *ConnectionManager) options(info ConnectionInfo) *redis.Options {
	return &redis.Options{
		Addr:         info.Addr(),
		Password:     info.Password,
		ClientName:   m.clientName,
		DialTimeout:  m.dialTimeout,
		ReadTimeout:  m.readTimeout,
		WriteTimeout: m.writeTimeout,
		PoolSize:     1,
		MaxRetries:   -1,
	}
}

// Dial opens and verifies a connection to info.
func (m *ConnectionManager) Dial(ctx context.Context, info ConnectionInfo) (Conn, error) {
	c := &clientConn{manager: m, opts: m.options(info)}
	if _, err := m.acquire(c); err != nil {
		return nil, err
	}

	client := redis.NewClient(c.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		m.release(c)
		return nil, fmt.Errorf("connect %s: %w", info.Addr(), err)
	}
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	if m.isClosed() {
		_ = c.closeClient()
		return nil, ErrManagerClosed
	}

	m.logger.Debug("redis connected", zap.String("addr", info.Addr()))
	return c, nil
}

// Open returns the number of live connections.
func (m *ConnectionManager) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close closes every connection and rejects further dials.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*clientConn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[*clientConn]struct{})
	m.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.closeClient(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// acquire registers c, counting it against the cap unless it already
// holds a slot. added reports whether c was newly registered.
func (m *ConnectionManager) acquire(c *clientConn) (added bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrManagerClosed
	}
	if _, ok := m.conns[c]; ok {
		return false, nil
	}
	if m.maxConns > 0 && len(m.conns) >= m.maxConns {
		return false, ErrTooManyConnections
	}
	m.conns[c] = struct{}{}
	return true, nil
}

func (m *ConnectionManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *ConnectionManager) release(c *clientConn) {
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
}

// clientConn adapts a go-redis client to [Conn].
type clientConn struct {
	manager *ConnectionManager
	opts    *redis.Options

	mu     sync.RWMutex
	client *redis.Client
}

func (c *clientConn) current() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *clientConn) IsConnected(ctx context.Context) bool {
	client := c.current()
	return client != nil && client.Ping(ctx).Err() == nil
}

// Reconnect replaces the underlying client with a fresh one. A connection
// released by Close takes a new slot from the manager, so reconnecting
// fails once the manager is closed or its cap is reached.
func (c *clientConn) Reconnect(ctx context.Context) error {
	added, err := c.manager.acquire(c)
	if err != nil {
		return err
	}

	client := redis.NewClient(c.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if added {
			c.manager.release(c)
		}
		return fmt.Errorf("reconnect %s: %w", c.opts.Addr, err)
	}

	c.mu.Lock()
	old := c.client
	c.client = client
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if c.manager.isClosed() {
		// closed while pinging; the manager no longer tracks c
		_ = c.closeClient()
		return ErrManagerClosed
	}
	return nil
}

func (c *clientConn) Close() error {
	c.manager.release(c)
	return c.closeClient()
}

func (c *clientConn) closeClient() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

var errDisconnected = errors.New("redisnode: not connected")

func (c *clientConn) Info(ctx context.Context) (string, error) {
	client := c.current()
	if client == nil {
		return "", errDisconnected
	}
	return client.Info(ctx, "all").Result()
}

func (c *clientConn) ConfigGet(ctx context.Context) (map[string]string, error) {
	client := c.current()
	if client == nil {
		return nil, errDisconnected
	}
	return client.ConfigGet(ctx, "*").Result()
}

func (c *clientConn) ClientList(ctx context.Context) (string, error) {
	client := c.current()
	if client == nil {
		return "", errDisconnected
	}
	return client.ClientList(ctx).Result()
}

func (c *clientConn) SlowLogGet(ctx context.Context, n int64) ([]redis.SlowLog, error) {
	client := c.current()
	if client == nil {
		return nil, errDisconnected
	}
	return client.SlowLogGet(ctx, n).Result()
}
