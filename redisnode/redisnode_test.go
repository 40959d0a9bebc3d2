package redisnode

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jpalmerr/nodewatch/poll"
)

const masterInfo = `# Server
redis_version:7.2.4
redis_mode:standalone
os:Linux 6.1.0 x86_64
uptime_in_seconds:86400
tcp_port:6379

# Clients
connected_clients:12
blocked_clients:1

# Memory
used_memory:1048576
used_memory_human:1.00M
used_memory_peak:2097152
maxmemory:0

# Replication
role:master
connected_slaves:2
slave0:ip=10.0.0.2,port=6379,state=online,offset=1234,lag=0
slave1:ip=10.0.0.3,port=6380,state=wait_bgsave,offset=0,lag=3
master_repl_offset:1234

# Keyspace
db1:keys=5,expires=1,avg_ttl=100
db0:keys=10,expires=0,avg_ttl=0
`

const slaveInfo = `# Server
redis_version:6.0.9
# Replication
role:slave
master_host:10.0.0.1
master_port:6379
master_link_status:down
master_last_io_seconds_ago:-1
master_sync_in_progress:0
`

func TestParseInfo_Master(t *testing.T) {
	info, err := ParseInfo(masterInfo)
	require.NoError(t, err)

	assert.Equal(t, "7.2.4", info.Server.Version)
	assert.Equal(t, int64(86400), info.Server.UptimeSeconds)
	assert.Equal(t, 12, info.Clients.Connected)
	assert.Equal(t, int64(1048576), info.Memory.Used)

	repl := info.Replication
	assert.Equal(t, RoleMaster, repl.Role)
	assert.Equal(t, 2, repl.ConnectedSlaves)
	require.Len(t, repl.Slaves, 2)
	assert.Equal(t, SlaveInfo{IP: "10.0.0.2", Port: 6379, Status: "online", Offset: 1234}, repl.Slaves[0])
	assert.Equal(t, "wait_bgsave", repl.Slaves[1].Status)
	assert.Equal(t, int64(3), repl.Slaves[1].Lag)

	require.Len(t, info.Keyspace, 2)
	assert.Equal(t, 0, info.Keyspace[0].Index)
	assert.Equal(t, int64(10), info.Keyspace[0].Keys)

	v, ok := info.Get("Server", "redis_mode")
	assert.True(t, ok)
	assert.Equal(t, "standalone", v)
}

func TestParseInfo_Slave(t *testing.T) {
	info, err := ParseInfo(slaveInfo)
	require.NoError(t, err)
	assert.Equal(t, RoleSlave, info.Replication.Role)
	assert.Equal(t, "10.0.0.1", info.Replication.MasterHost)
	assert.Equal(t, 6379, info.Replication.MasterPort)
	assert.Equal(t, "down", info.Replication.MasterLinkStatus)
}

func TestParseInfo_LegacySlaveLine(t *testing.T) {
	info, err := ParseInfo("# Replication\r\nrole:master\r\nslave0:10.0.0.9,6379,online\r\n")
	require.NoError(t, err)
	require.Len(t, info.Replication.Slaves, 1)
	assert.Equal(t, SlaveInfo{IP: "10.0.0.9", Port: 6379, Status: "online"}, info.Replication.Slaves[0])
}

func TestParseInfo_Empty(t *testing.T) {
	_, err := ParseInfo("\r\n")
	assert.Error(t, err)
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in   string
		want Role
	}{
		{"master", RoleMaster},
		{"slave", RoleSlave},
		{"replica", RoleSlave},
		{"MASTER", RoleMaster},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	got, err := ParseRole("sentinel")
	assert.Equal(t, RoleUnknown, got)
	assert.ErrorIs(t, err, ErrUnknownRole)
	var roleErr *UnknownRoleError
	require.ErrorAs(t, err, &roleErr)
	assert.Equal(t, "sentinel", roleErr.Role)
}

func TestParseClientList(t *testing.T) {
	text := "id=3 addr=127.0.0.1:52555 laddr=127.0.0.1:6379 fd=8 name=nodewatch age=10 idle=2 flags=N db=0 cmd=client|list\n" +
		"id=4 addr=10.0.0.5:40000 fd=9 name= age=300 idle=300 flags=S db=1 cmd=replconf\n"
	clients := ParseClientList(text)
	require.Len(t, clients, 2)
	assert.Equal(t, int64(3), clients[0].ID)
	assert.Equal(t, "nodewatch", clients[0].Name)
	assert.Equal(t, "client|list", clients[0].Cmd)
	assert.Equal(t, "127.0.0.1:6379", clients[0].Fields["laddr"])
	assert.Equal(t, "", clients[1].Name)
	assert.Equal(t, 1, clients[1].DB)
	assert.Equal(t, int64(300), clients[1].Idle)
}

func TestHealthRules(t *testing.T) {
	parse := func(text string) *Info {
		info, err := ParseInfo(text)
		require.NoError(t, err)
		return info
	}

	tests := []struct {
		name    string
		info    *Info
		failing bool
		want    poll.Signal
	}{
		{"no data", nil, false, poll.Signal{Severity: poll.Critical, Reason: "Unknown role"}},
		{"no data failing", nil, true, poll.Signal{Severity: poll.Critical, Reason: "Unknown role"}},
		{"unknown role", parse("# Replication\nrole:sentinel\n"), false, poll.Signal{Severity: poll.Critical, Reason: "Unknown role"}},
		{"slave link down", parse(slaveInfo), false, poll.Signal{Severity: poll.Warning, Reason: "Master link down"}},
		{"slave link up", parse("# Replication\nrole:slave\nmaster_link_status:up\n"), false, poll.Signal{Severity: poll.OK}},
		{"master slave offline", parse(masterInfo), false, poll.Signal{Severity: poll.Warning, Reason: "Slave offline"}},
		{"master healthy", parse(healthyMasterInfo), false, poll.Signal{Severity: poll.OK}},
		{"master no slaves", parse("# Replication\nrole:master\nconnected_slaves:0\n"), false, poll.Signal{Severity: poll.OK}},
		{"master unreachable", parse(healthyMasterInfo), true, poll.Signal{Severity: poll.Critical, Reason: "Connection failed"}},
		{"slave link down unreachable", parse(slaveInfo), true, poll.Signal{Severity: poll.Critical, Reason: "Connection failed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, poll.Aggregate(HealthRules(tt.info, tt.failing).Signals()))
		})
	}
}

const healthyMasterInfo = "# Server\nredis_version:7.2.4\n# Replication\nrole:master\nconnected_slaves:1\nslave0:ip=10.0.0.2,port=6379,state=online,offset=1,lag=0\n"

type fakeConn struct {
	mu        sync.Mutex
	info      string
	infoErr   error
	connected bool
	closed    bool
	reconnect int
	refuse    error
}

func (c *fakeConn) IsConnected(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Reconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect++
	if c.refuse != nil {
		return c.refuse
	}
	c.connected = true
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Info(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info, c.infoErr
}

func (c *fakeConn) ConfigGet(context.Context) (map[string]string, error) {
	return map[string]string{"maxmemory": "0"}, nil
}

func (c *fakeConn) ClientList(context.Context) (string, error) {
	return "id=1 addr=127.0.0.1:1 name=a age=1 idle=0 flags=N db=0 cmd=ping\n", nil
}

func (c *fakeConn) SlowLogGet(_ context.Context, n int64) ([]redis.SlowLog, error) {
	return []redis.SlowLog{{ID: 1, Duration: 15 * time.Millisecond, Args: []string{"KEYS", "*"}}}, nil
}

type fakeDialer struct {
	conn  *fakeConn
	err   error
	dials atomic.Int32
}

func (d *fakeDialer) Dial(context.Context, ConnectionInfo) (Conn, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	d.conn.connected = true
	return d.conn, nil
}

func newTestInstance(t *testing.T, d Dialer, opts ...Option) *Instance {
	t.Helper()
	base := []Option{WithLogger(zap.NewNop())}
	inst, err := New(ConnectionInfo{Name: "cache-1", Host: "10.0.0.1", Port: 6379}, d, append(base, opts...)...)
	require.NoError(t, err)
	return inst
}

func TestInstance_Defaults(t *testing.T) {
	inst := newTestInstance(t, &fakeDialer{conn: &fakeConn{}})

	assert.Equal(t, NodeType, inst.Type())
	assert.Equal(t, DefaultMinPollInterval, inst.MinPollInterval())
	assert.Equal(t, DefaultBackoff, inst.Backoff())
	assert.Equal(t, DefaultFetchTimeout, inst.Invoker().Timeout())
	assert.False(t, inst.Invoker().LogsFailures())

	items := inst.DataPollers()
	require.Len(t, items, 4)
	assert.Equal(t, "config", items[0].Description())
	assert.Equal(t, "info", items[1].Description())
	assert.Equal(t, "clients", items[2].Description())
	assert.Equal(t, "slowlog", items[3].Description())

	tags := inst.Tags()
	assert.Equal(t, "cache-1", tags["Server"])
	assert.Equal(t, "10.0.0.1", tags["Host"])
	assert.Equal(t, "6379", tags["Port"])
}

func TestInstance_NilDialer(t *testing.T) {
	_, err := New(ConnectionInfo{Host: "h", Port: 6379}, nil)
	assert.ErrorIs(t, err, poll.ErrInvalidConfiguration)

	_, err = New(ConnectionInfo{Host: "h", Port: 0}, &fakeDialer{})
	assert.ErrorIs(t, err, poll.ErrInvalidConfiguration)
}

func TestInstance_PollPopulatesItems(t *testing.T) {
	conn := &fakeConn{info: masterInfo}
	d := &fakeDialer{conn: conn}
	inst := newTestInstance(t, d)

	assert.Zero(t, d.dials.Load(), "lazy connection")
	require.True(t, inst.PollIfDue(context.Background(), time.Now()))
	assert.Equal(t, int32(1), d.dials.Load())

	assert.True(t, inst.Config.HasData())
	assert.True(t, inst.Info.HasData())
	assert.True(t, inst.Clients.HasData())
	assert.True(t, inst.SlowLog.HasData())

	assert.Equal(t, RoleMaster, inst.Role())
	assert.True(t, inst.IsMaster())
	assert.Equal(t, 2, inst.SlaveCount())
	assert.Equal(t, "7.2.4", inst.Version())
	assert.Equal(t, poll.Signal{Severity: poll.Warning, Reason: "Slave offline"}, inst.MonitorStatus())
}

func TestInstance_ReconnectsWhenDisconnected(t *testing.T) {
	conn := &fakeConn{info: masterInfo}
	d := &fakeDialer{conn: conn}
	inst := newTestInstance(t, d, WithMinPollInterval(0))

	now := time.Now()
	require.True(t, inst.PollIfDue(context.Background(), now))

	conn.mu.Lock()
	conn.connected = false
	conn.mu.Unlock()

	require.True(t, inst.PollIfDue(context.Background(), now.Add(time.Second)))
	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, 1, conn.reconnect)
}

func TestInstance_StaleDataDuringOutage(t *testing.T) {
	conn := &fakeConn{info: slaveInfo}
	inst := newTestInstance(t, &fakeDialer{conn: conn}, WithMinPollInterval(0), WithBackoff(0))

	now := time.Now()
	require.True(t, inst.PollIfDue(context.Background(), now))
	require.Equal(t, RoleSlave, inst.Role())

	conn.mu.Lock()
	conn.infoErr = errors.New("i/o timeout")
	conn.mu.Unlock()
	require.True(t, inst.PollIfDue(context.Background(), now.Add(time.Second)))

	status := inst.Info.Status()
	assert.True(t, status.Failing())
	assert.True(t, status.HasData)
	assert.Equal(t, RoleSlave, inst.Role(), "accessors keep the last good snapshot")
	assert.Equal(t, poll.Signal{Severity: poll.Critical, Reason: "Connection failed"}, inst.MonitorStatus())
	assert.Contains(t, inst.MonitorSignals(), poll.Signal{Severity: poll.Warning, Reason: "Master link down"})

	var fe *poll.FetchError
	require.ErrorAs(t, status.LastError, &fe)
	assert.Equal(t, "cache-1", fe.Tags["Server"])
}

func TestInstance_UnreachableMasterIsCritical(t *testing.T) {
	conn := &fakeConn{info: healthyMasterInfo}
	inst := newTestInstance(t, &fakeDialer{conn: conn}, WithMinPollInterval(0), WithBackoff(0))

	now := time.Now()
	require.True(t, inst.PollIfDue(context.Background(), now))
	require.Equal(t, poll.Signal{Severity: poll.OK}, inst.MonitorStatus())

	conn.mu.Lock()
	conn.connected = false
	conn.refuse = errors.New("connection refused")
	conn.mu.Unlock()

	for n := 1; n <= 5; n++ {
		require.True(t, inst.PollIfDue(context.Background(), now.Add(time.Duration(n)*time.Second)))
	}
	for _, item := range inst.DataPollers() {
		assert.True(t, item.Status().Failing(), item.Description())
	}
	assert.True(t, inst.Info.HasData(), "last good data stays available")
	assert.Equal(t, poll.Signal{Severity: poll.Critical, Reason: "Connection failed"}, inst.MonitorStatus())

	conn.mu.Lock()
	conn.refuse = nil
	conn.mu.Unlock()
	require.True(t, inst.PollIfDue(context.Background(), now.Add(10*time.Second)))
	assert.Equal(t, poll.Signal{Severity: poll.OK}, inst.MonitorStatus(), "recovers on the next good poll")
}

func TestInstance_DialFailure(t *testing.T) {
	d := &fakeDialer{err: errors.New("dial tcp 10.0.0.1:6379: connection refused")}
	inst := newTestInstance(t, d)

	require.True(t, inst.PollIfDue(context.Background(), time.Now()))
	for _, item := range inst.DataPollers() {
		assert.ErrorContains(t, item.Status().LastError, "connection refused", item.Description())
	}
	assert.Equal(t, poll.Signal{Severity: poll.Critical, Reason: "Unknown role"}, inst.MonitorStatus())
	assert.False(t, inst.IsDue(time.Now().Add(time.Second)), "backoff after failure")
}

func TestInstance_CloseClosesConnection(t *testing.T) {
	conn := &fakeConn{info: masterInfo}
	inst := newTestInstance(t, &fakeDialer{conn: conn})
	require.True(t, inst.PollIfDue(context.Background(), time.Now()))

	require.NoError(t, inst.Close(context.Background()))
	assert.True(t, conn.closed)
}

type staticResolver map[string]string

func (r staticResolver) LookupName(_ context.Context, host string) (string, error) {
	if n, ok := r[host]; ok {
		return n, nil
	}
	return "", errors.New("not found")
}

func TestInstance_ServerName(t *testing.T) {
	conn := &fakeConn{info: "# Replication\nrole:slave\nmaster_host:10.0.0.1\nmaster_link_status:up\n"}
	inst := newTestInstance(t, &fakeDialer{conn: conn}, WithResolver(staticResolver{"10.0.0.1": "ny-redis01"}))

	assert.Equal(t, "ny-redis01", inst.ServerName(context.Background(), "10.0.0.1"))
	assert.Equal(t, "10.9.9.9", inst.ServerName(context.Background(), "10.9.9.9"))

	require.True(t, inst.PollIfDue(context.Background(), time.Now()))
	assert.Equal(t, "ny-redis01", inst.MasterName(context.Background()))
}

func TestInstance_Equals(t *testing.T) {
	d := &fakeDialer{conn: &fakeConn{}}
	a, err := New(ConnectionInfo{Name: "a", Host: "redis-1", Port: 6379}, d)
	require.NoError(t, err)
	b, err := New(ConnectionInfo{Name: "b", Host: "REDIS-1", Port: 6379}, d)
	require.NoError(t, err)
	c, err := New(ConnectionInfo{Name: "a", Host: "redis-1", Port: 6380}, d)
	require.NoError(t, err)

	assert.True(t, a.Equals(b))
	assert.False(t, a.Equals(c))
}

func TestConnectionManager_DialFailureReleasesSlot(t *testing.T) {
	m := NewConnectionManager(
		WithManagerLogger(zap.NewNop()),
		WithTimeouts(200*time.Millisecond, 0, 0),
		WithMaxConnections(1),
	)
	defer m.Close()

	_, err := m.Dial(context.Background(), ConnectionInfo{Host: "127.0.0.1", Port: 1})
	require.Error(t, err)
	assert.Zero(t, m.Open())

	_, err = m.Dial(context.Background(), ConnectionInfo{Host: "127.0.0.1", Port: 1})
	assert.NotErrorIs(t, err, ErrTooManyConnections)
}

func TestConnectionManager_Closed(t *testing.T) {
	m := NewConnectionManager(WithManagerLogger(zap.NewNop()))
	require.NoError(t, m.Close())

	_, err := m.Dial(context.Background(), ConnectionInfo{Host: "127.0.0.1", Port: 6379})
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestConnectionManager_ReconnectAfterClose(t *testing.T) {
	m := NewConnectionManager(WithManagerLogger(zap.NewNop()))
	c := &clientConn{manager: m, opts: m.options(ConnectionInfo{Host: "127.0.0.1", Port: 6379})}
	require.NoError(t, m.Close())

	err := c.Reconnect(context.Background())
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.Zero(t, m.Open())
	assert.Nil(t, c.current())
}

func TestConnectionManager_ReconnectRespectsCap(t *testing.T) {
	m := NewConnectionManager(
		WithManagerLogger(zap.NewNop()),
		WithTimeouts(200*time.Millisecond, 0, 0),
		WithMaxConnections(1),
	)
	defer m.Close()

	held := &clientConn{manager: m, opts: m.options(ConnectionInfo{Host: "127.0.0.1", Port: 1})}
	added, err := m.acquire(held)
	require.NoError(t, err)
	require.True(t, added)

	released := &clientConn{manager: m, opts: m.options(ConnectionInfo{Host: "127.0.0.1", Port: 2})}
	err = released.Reconnect(context.Background())
	assert.ErrorIs(t, err, ErrTooManyConnections)
	assert.Equal(t, 1, m.Open())

	// a registered connection keeps its slot across failed reconnects
	err = held.Reconnect(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTooManyConnections)
	assert.Equal(t, 1, m.Open())

	require.NoError(t, held.Close())
	err = released.Reconnect(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTooManyConnections, "slot freed by Close")
	assert.Zero(t, m.Open(), "failed reconnect gives the slot back")
}

func TestInstance_Details(t *testing.T) {
	inst := newTestInstance(t, &fakeDialer{conn: &fakeConn{info: masterInfo}})
	assert.Equal(t, map[string]string{"role": "unknown"}, inst.Details())

	require.True(t, inst.PollIfDue(context.Background(), time.Now()))
	assert.Equal(t, map[string]string{
		"role":    "master",
		"version": "7.2.4",
		"slaves":  "2",
	}, inst.Details())

	slave := newTestInstance(t, &fakeDialer{conn: &fakeConn{info: slaveInfo}})
	require.True(t, slave.PollIfDue(context.Background(), time.Now()))
	assert.Equal(t, map[string]string{
		"role":        "slave",
		"version":     "6.0.9",
		"master":      "10.0.0.1:6379",
		"master_link": "down",
	}, slave.Details())
}

func TestInstance_DetailsResolvedNames(t *testing.T) {
	resolver := staticResolver{"10.0.0.1": "ny-redis01", "10.0.0.9": "ny-redis09"}
	conn := &fakeConn{info: "# Replication\nrole:slave\nmaster_host:10.0.0.9\nmaster_port:6379\nmaster_link_status:up\n"}
	inst := newTestInstance(t, &fakeDialer{conn: conn}, WithResolver(resolver))

	assert.NotContains(t, inst.Details(), "master_name", "names resolve on the first INFO fetch")

	require.True(t, inst.PollIfDue(context.Background(), time.Now()))
	d := inst.Details()
	assert.Equal(t, "ny-redis01", d["server_name"])
	assert.Equal(t, "ny-redis09", d["master_name"])
	assert.Equal(t, "10.0.0.9:6379", d["master"])
}

func TestInstance_Fingerprint(t *testing.T) {
	d := &fakeDialer{conn: &fakeConn{}}
	info := ConnectionInfo{Name: "cache-1", Host: "10.0.0.1", Port: 6379, Password: "secret"}
	build := func(info ConnectionInfo, opts ...Option) *Instance {
		inst, err := New(info, d, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
		require.NoError(t, err)
		return inst
	}

	a := build(info)
	assert.NotEmpty(t, a.Fingerprint())
	assert.NotContains(t, a.Fingerprint(), "secret")
	assert.True(t, a.SameAs(build(info).Node))
	assert.True(t, a.SameAs(build(info, WithResolver(staticResolver{})).Node), "resolver is shared, not a setting")

	changed := info
	changed.Password = "rotated"
	assert.False(t, a.SameAs(build(changed).Node))
	assert.False(t, a.SameAs(build(info, WithBackoff(time.Minute)).Node))
	assert.False(t, a.SameAs(build(info, WithSlowLogCount(10)).Node))
}
