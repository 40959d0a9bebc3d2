package redisnode

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jpalmerr/nodewatch/poll"
)

// NodeType is the type name of Redis nodes.
const NodeType = "redis"

const (
	DefaultMinPollInterval = 5 * time.Second
	DefaultBackoff         = 5 * time.Second
	DefaultFetchTimeout    = 5 * time.Second
	DefaultSlowLogCount    = 200
)

type settings struct {
	minInterval  time.Duration
	backoff      time.Duration
	fetchTimeout time.Duration
	logFailures  bool
	slowLogCount int64
	logger       *zap.Logger
	clock        func() time.Time
	resolver     poll.NameResolver
}

// Option configures an [Instance].
type Option func(*settings)

func WithMinPollInterval(d time.Duration) Option {
	return func(s *settings) { s.minInterval = d }
}

func WithBackoff(d time.Duration) Option {
	return func(s *settings) { s.backoff = d }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(s *settings) { s.fetchTimeout = d }
}

// WithFailureLogging logs every failed fetch. Off by default.
func WithFailureLogging(enabled bool) Option {
	return func(s *settings) { s.logFailures = enabled }
}

// WithSlowLogCount sets how many SLOWLOG entries are fetched.
func WithSlowLogCount(n int64) Option {
	return func(s *settings) {
		if n > 0 {
			s.slowLogCount = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces time.Now for poll bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.clock = now }
}

// WithResolver sets the resolver used by [Instance.ServerName].
func WithResolver(r poll.NameResolver) Option {
	return func(s *settings) { s.resolver = r }
}

// Instance is a polled Redis server.
//
// Each poll refreshes four cache items: the server config, INFO, the
// client list and the slow log. Health is derived from the cached INFO
// replication section.
type Instance struct {
	*poll.Node

	Config  *poll.CacheItem[map[string]string]
	Info    *poll.CacheItem[*Info]
	Clients *poll.CacheItem[[]ClientInfo]
	SlowLog *poll.CacheItem[[]redis.SlowLog]

	conn     ConnectionInfo
	session  *poll.Session[Conn]
	resolver poll.NameResolver
	slowLogN int64
	names    atomic.Pointer[displayNames]
}

// displayNames are resolved alongside each INFO fetch.
type displayNames struct {
	server string
	master string
}

// New creates an instance that connects through dialer on its first poll.
func New(info ConnectionInfo, dialer Dialer, opts ...Option) (*Instance, error) {
	if dialer == nil {
		return nil, &poll.ConfigurationError{Field: "dialer", Reason: "must not be nil"}
	}
	s := settings{
		minInterval:  DefaultMinPollInterval,
		backoff:      DefaultBackoff,
		fetchTimeout: DefaultFetchTimeout,
		slowLogCount: DefaultSlowLogCount,
		logger:       zap.L(),
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}

	inst := &Instance{
		conn:     info,
		resolver: s.resolver,
		slowLogN: s.slowLogCount,
	}
	inst.session = poll.NewSession(func(ctx context.Context) (Conn, error) {
		return dialer.Dial(ctx, info)
	})

	invoker := poll.NewInvoker(
		poll.WithInvokerLogger(s.logger),
		poll.WithFailureLogging(s.logFailures),
		poll.WithFetchTimeout(s.fetchTimeout),
	)

	node, err := poll.NewNode(NodeType,
		poll.Identity{Host: info.Host, Port: info.Port, Name: info.Name},
		poll.WithMinPollInterval(s.minInterval),
		poll.WithBackoff(s.backoff),
		poll.WithInvoker(invoker),
		poll.WithTags(map[string]string{"Server": serverTag(info)}),
		poll.WithFingerprint(s.fingerprint(info)),
		poll.WithClock(s.clock),
		poll.WithLogger(s.logger),
		poll.WithPrepare(func(ctx context.Context) error {
			_, err := inst.session.Ensure(ctx)
			return err
		}),
		poll.WithCloser(inst.session.Close),
		poll.WithEvaluator(poll.EvaluatorFunc(inst.signals)),
	)
	if err != nil {
		return nil, err
	}
	inst.Node = node

	inst.Config = poll.NewCacheItem("config", inst.fetchConfig)
	inst.Info = poll.NewCacheItem("info", inst.fetchInfo)
	inst.Clients = poll.NewCacheItem("clients", inst.fetchClients)
	inst.SlowLog = poll.NewCacheItem("slowlog", inst.fetchSlowLog)
	node.Register(inst.Config, inst.Info, inst.Clients, inst.SlowLog)

	return inst, nil
}

// fingerprint summarizes everything that changes how info is polled. The
// password is hashed.
func (s settings) fingerprint(info ConnectionInfo) string {
	return fmt.Sprintf("%s|%s|%x|%s|%s|%s|%t|%d",
		info.Name,
		strings.ToLower(info.Addr()),
		sha256.Sum256([]byte(info.Password)),
		s.minInterval, s.backoff, s.fetchTimeout,
		s.logFailures,
		s.slowLogCount,
	)
}

func serverTag(info ConnectionInfo) string {
	if info.Name != "" {
		return info.Name
	}
	return info.Addr()
}

func (i *Instance) current() (Conn, error) {
	c, ok := i.session.Current()
	if !ok {
		return nil, errDisconnected
	}
	return c, nil
}

func (i *Instance) fetchConfig(ctx context.Context) (map[string]string, error) {
	c, err := i.current()
	if err != nil {
		return nil, err
	}
	return c.ConfigGet(ctx)
}

func (i *Instance) fetchInfo(ctx context.Context) (*Info, error) {
	c, err := i.current()
	if err != nil {
		return nil, err
	}
	text, err := c.Info(ctx)
	if err != nil {
		return nil, err
	}
	info, err := ParseInfo(text)
	if err != nil {
		return nil, err
	}
	i.resolveNames(ctx, info)
	return info, nil
}

func (i *Instance) resolveNames(ctx context.Context, info *Info) {
	n := displayNames{server: i.ServerName(ctx, i.conn.Host)}
	if info.Replication.Role == RoleSlave {
		n.master = i.ServerName(ctx, info.Replication.MasterHost)
	}
	i.names.Store(&n)
}

func (i *Instance) fetchClients(ctx context.Context) ([]ClientInfo, error) {
	c, err := i.current()
	if err != nil {
		return nil, err
	}
	text, err := c.ClientList(ctx)
	if err != nil {
		return nil, err
	}
	return ParseClientList(text), nil
}

func (i *Instance) fetchSlowLog(ctx context.Context) ([]redis.SlowLog, error) {
	c, err := i.current()
	if err != nil {
		return nil, err
	}
	return c.SlowLogGet(ctx, i.slowLogN)
}

func (i *Instance) signals() []poll.Signal {
	snap := i.Info.Snapshot()
	return HealthRules(snap.Data, snap.Failing()).Signals()
}

// ConnectionInfo returns the address the instance polls.
func (i *Instance) ConnectionInfo() ConnectionInfo {
	return i.conn
}

// Replication returns the cached replication section.
func (i *Instance) Replication() ReplicationInfo {
	info, ok := i.Info.Data()
	if !ok || info == nil {
		return ReplicationInfo{}
	}
	return info.Replication
}

// Role returns the cached replication role, RoleUnknown without data.
func (i *Instance) Role() Role {
	return i.Replication().Role
}

func (i *Instance) IsMaster() bool { return i.Role() == RoleMaster }
func (i *Instance) IsSlave() bool { return i.Role() == RoleSlave }

// SlaveCount is the number of connected slaves reported by a master.
func (i *Instance) SlaveCount() int {
	return i.Replication().ConnectedSlaves
}

// Version returns the cached server version, empty without data.
func (i *Instance) Version() string {
	info, ok := i.Info.Data()
	if !ok || info == nil {
		return ""
	}
	return info.Server.Version
}

// ServerName resolves hostOrIP to a display name. It falls back to the
// input when no resolver is set or the lookup fails.
func (i *Instance) ServerName(ctx context.Context, hostOrIP string) string {
	if i.resolver == nil || hostOrIP == "" {
		return hostOrIP
	}
	name, err := i.resolver.LookupName(ctx, hostOrIP)
	if err != nil || name == "" {
		return hostOrIP
	}
	return name
}

// MasterName is the display name of this instance's master, empty unless
// the instance is a slave.
func (i *Instance) MasterName(ctx context.Context) string {
	repl := i.Replication()
	if repl.Role != RoleSlave {
		return ""
	}
	return i.ServerName(ctx, repl.MasterHost)
}

// Equals reports whether both instances address the same host and port.
func (i *Instance) Equals(other *Instance) bool {
	if i == nil || other == nil {
		return i == other
	}
	return i.Node.Equals(other.Node)
}

// Details returns display fields for status views. server_name and
// master_name appear when the resolver maps the address to another name.
func (i *Instance) Details() map[string]string {
	d := map[string]string{"role": i.Role().String()}
	if v := i.Version(); v != "" {
		d["version"] = v
	}
	repl := i.Replication()
	switch repl.Role {
	case RoleMaster:
		d["slaves"] = strconv.Itoa(repl.ConnectedSlaves)
	case RoleSlave:
		d["master"] = net.JoinHostPort(repl.MasterHost, strconv.Itoa(repl.MasterPort))
		d["master_link"] = repl.MasterLinkStatus
	}
	if n := i.names.Load(); n != nil {
		if n.server != "" && n.server != i.conn.Host {
			d["server_name"] = n.server
		}
		if repl.Role == RoleSlave && n.master != "" && n.master != repl.MasterHost {
			d["master_name"] = n.master
		}
	}
	return d
}

func (i *Instance) String() string {
	return fmt.Sprintf("%s (%s)", i.Identity().DisplayName(), i.Role())
}
