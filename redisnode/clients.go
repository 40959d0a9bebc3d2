package redisnode

import (
	"strings"
)

// ClientInfo is one connection from a CLIENT LIST reply.
type ClientInfo struct {
	ID    int64
	Addr  string
	Name  string
	Age   int64
	Idle  int64
	Flags string
	DB    int
	Cmd   string

	// Fields holds every key=value pair on the line.
	Fields map[string]string
}

// ParseClientList parses a CLIENT LIST reply, one client per line.
func ParseClientList(text string) []ClientInfo {
	var out []ClientInfo
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		c := ClientInfo{Fields: make(map[string]string)}
		for _, pair := range strings.Fields(line) {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				continue
			}
			c.Fields[k] = v
			switch k {
			case "id":
				c.ID = atoi64(v)
			case "addr":
				c.Addr = v
			case "name":
				c.Name = v
			case "age":
				c.Age = atoi64(v)
			case "idle":
				c.Idle = atoi64(v)
			case "flags":
				c.Flags = v
			case "db":
				c.DB = atoi(v)
			case "cmd":
				c.Cmd = v
			}
		}
		out = append(out, c)
	}
	return out
}
