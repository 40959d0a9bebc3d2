package poll

import (
	"context"
	"net"
	"strconv"
	"strings"
)

// Identity names a monitored resource. Two identities refer to the same
// resource when host and port match; Name is for display only.
type Identity struct {
	Host string
	Port int
	Name string
}

// NewIdentity validates host and port. An empty name defaults to host:port.
func NewIdentity(host string, port int, name string) (Identity, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Identity{}, &ConfigurationError{Field: "host", Reason: "must not be empty"}
	}
	if strings.ContainsAny(host, " \t\r\n") {
		return Identity{}, &ConfigurationError{Field: "host", Reason: "must not contain whitespace"}
	}
	if port < 1 || port > 65535 {
		return Identity{}, &ConfigurationError{
			Field:  "port",
			Reason: "must be between 1 and 65535, got " + strconv.Itoa(port),
		}
	}
	id := Identity{Host: host, Port: port, Name: strings.TrimSpace(name)}
	if id.Name == "" {
		id.Name = id.Addr()
	}
	return id, nil
}

// Addr returns host:port, bracketing IPv6 literals.
func (id Identity) Addr() string {
	return net.JoinHostPort(id.Host, strconv.Itoa(id.Port))
}

// Equals reports whether both identities address the same host and port.
func (id Identity) Equals(other Identity) bool {
	return id.Port == other.Port && strings.EqualFold(id.Host, other.Host)
}

// DisplayName is "host:port - name", or just the address when unnamed.
func (id Identity) DisplayName() string {
	if id.Name == "" || id.Name == id.Addr() {
		return id.Addr()
	}
	return id.Addr() + " - " + id.Name
}

func (id Identity) String() string {
	return id.DisplayName()
}

// NameResolver maps a host or IP to a friendly server name.
type NameResolver interface {
	LookupName(ctx context.Context, hostOrIP string) (string, error)
}
