package redisnode

import (
	"bufio"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrUnknownRole is wrapped by [*UnknownRoleError].
var ErrUnknownRole = errors.New("redisnode: unknown role")

// UnknownRoleError reports a replication role the parser does not know.
type UnknownRoleError struct {
	Role string
}

func (e *UnknownRoleError) Error() string {
	return fmt.Sprintf("redisnode: unknown role %q", e.Role)
}

func (e *UnknownRoleError) Unwrap() error { return ErrUnknownRole }

// Role is a replication role.
type Role int

const (
	RoleUnknown Role = iota
	RoleMaster
	RoleSlave
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	default:
		return "unknown"
	}
}

// ParseRole maps the INFO role field. "replica" is treated as slave.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "master":
		return RoleMaster, nil
	case "slave", "replica":
		return RoleSlave, nil
	default:
		return RoleUnknown, &UnknownRoleError{Role: s}
	}
}

// Info is a parsed INFO reply.
type Info struct {
	Server      ServerInfo
	Clients     ClientsInfo
	Memory      MemoryInfo
	Replication ReplicationInfo
	Keyspace    []KeyspaceDB

	// Sections holds every field by lowercase section name.
	Sections map[string]map[string]string
}

type ServerInfo struct {
	Version       string
	Mode          string
	OS            string
	UptimeSeconds int64
	TCPPort       int
}

type ClientsInfo struct {
	Connected int
	Blocked   int
}

type MemoryInfo struct {
	Used      int64
	UsedHuman string
	Peak      int64
	MaxMemory int64
}

// ReplicationInfo is the replication section. Role stays RoleUnknown when
// the reported role is not recognised.
type ReplicationInfo struct {
	RoleText               string
	Role                   Role
	MasterHost             string
	MasterPort             int
	MasterLinkStatus       string
	MasterLastIOSecondsAgo int
	MasterSyncInProgress   bool
	ConnectedSlaves        int
	Slaves                 []SlaveInfo
	MasterReplOffset       int64
}

// SlaveInfo is one slaveN line as seen from a master.
type SlaveInfo struct {
	IP     string
	Port   int
	Status string
	Offset int64
	Lag    int64
}

type KeyspaceDB struct {
	Index   int
	Keys    int64
	Expires int64
	AvgTTL  int64
}

// Get returns a raw field from a section.
func (i *Info) Get(section, key string) (string, bool) {
	s, ok := i.Sections[strings.ToLower(section)]
	if !ok {
		return "", false
	}
	v, ok := s[key]
	return v, ok
}

// ParseInfo parses the text of an INFO reply.
func ParseInfo(text string) (*Info, error) {
	info := &Info{Sections: make(map[string]map[string]string)}
	section := "default"
	fields := 0

	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			section = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "#")))
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if info.Sections[section] == nil {
			info.Sections[section] = make(map[string]string)
		}
		info.Sections[section][key] = value
		fields++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read info: %w", err)
	}
	if fields == 0 {
		return nil, errors.New("redisnode: empty info reply")
	}

	info.fill()
	return info, nil
}

func (i *Info) fill() {
	server := i.Sections["server"]
	i.Server = ServerInfo{
		Version:       server["redis_version"],
		Mode:          server["redis_mode"],
		OS:            server["os"],
		UptimeSeconds: atoi64(server["uptime_in_seconds"]),
		TCPPort:       atoi(server["tcp_port"]),
	}

	clients := i.Sections["clients"]
	i.Clients = ClientsInfo{
		Connected: atoi(clients["connected_clients"]),
		Blocked:   atoi(clients["blocked_clients"]),
	}

	mem := i.Sections["memory"]
	i.Memory = MemoryInfo{
		Used:      atoi64(mem["used_memory"]),
		UsedHuman: mem["used_memory_human"],
		Peak:      atoi64(mem["used_memory_peak"]),
		MaxMemory: atoi64(mem["maxmemory"]),
	}

	i.Replication = parseReplication(i.Sections["replication"])
	i.Keyspace = parseKeyspace(i.Sections["keyspace"])
}

func parseReplication(fields map[string]string) ReplicationInfo {
	r := ReplicationInfo{
		RoleText:               fields["role"],
		MasterHost:             fields["master_host"],
		MasterPort:             atoi(fields["master_port"]),
		MasterLinkStatus:       fields["master_link_status"],
		MasterLastIOSecondsAgo: atoi(fields["master_last_io_seconds_ago"]),
		MasterSyncInProgress:   fields["master_sync_in_progress"] == "1",
		ConnectedSlaves:        atoi(fields["connected_slaves"]),
		MasterReplOffset:       atoi64(fields["master_repl_offset"]),
	}
	r.Role, _ = ParseRole(r.RoleText)

	for n := 0; ; n++ {
		line, ok := fields["slave"+strconv.Itoa(n)]
		if !ok {
			break
		}
		r.Slaves = append(r.Slaves, parseSlave(line))
	}
	return r
}

// parseSlave handles both "ip=..,port=..,state=.." and the older
// "ip,port,state" forms.
func parseSlave(line string) SlaveInfo {
	parts := strings.Split(line, ",")
	if !strings.Contains(line, "=") {
		var s SlaveInfo
		if len(parts) > 0 {
			s.IP = parts[0]
		}
		if len(parts) > 1 {
			s.Port = atoi(parts[1])
		}
		if len(parts) > 2 {
			s.Status = parts[2]
		}
		return s
	}

	var s SlaveInfo
	for _, p := range parts {
		k, v, _ := strings.Cut(p, "=")
		switch k {
		case "ip":
			s.IP = v
		case "port":
			s.Port = atoi(v)
		case "state":
			s.Status = v
		case "offset":
			s.Offset = atoi64(v)
		case "lag":
			s.Lag = atoi64(v)
		}
	}
	return s
}

func parseKeyspace(fields map[string]string) []KeyspaceDB {
	var out []KeyspaceDB
	for key, value := range fields {
		idx, err := strconv.Atoi(strings.TrimPrefix(key, "db"))
		if err != nil || !strings.HasPrefix(key, "db") {
			continue
		}
		db := KeyspaceDB{Index: idx}
		for _, p := range strings.Split(value, ",") {
			k, v, _ := strings.Cut(p, "=")
			switch k {
			case "keys":
				db.Keys = atoi64(v)
			case "expires":
				db.Expires = atoi64(v)
			case "avg_ttl":
				db.AvgTTL = atoi64(v)
			}
		}
		out = append(out, db)
	}
	slices.SortFunc(out, func(a, b KeyspaceDB) int { return a.Index - b.Index })
	return out
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}
