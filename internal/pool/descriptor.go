package pool

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// Scheme is the protocol spoken to a proxy endpoint.
type Scheme string

const (
	SchemeHTTP   Scheme = "http"
	SchemeHTTPS  Scheme = "https"
	SchemeSOCKS4 Scheme = "socks4"
	SchemeSOCKS5 Scheme = "socks5"
)

// ParseScheme normalises a scheme name and rejects unknown values.
func ParseScheme(s string) (Scheme, error) {
	switch sc := Scheme(strings.ToLower(strings.TrimSpace(s))); sc {
	case SchemeHTTP, SchemeHTTPS, SchemeSOCKS4, SchemeSOCKS5:
		return sc, nil
	default:
		return "", &ConfigError{Field: "scheme", Value: s}
	}
}

// Credentials are handed to the transport as a value, never re-parsed from a URL.
type Credentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// Endpoint is everything a transport needs to dial through one proxy.
type Endpoint struct {
	Scheme      Scheme
	Host        string
	Port        int
	Credentials Credentials
}

// Address returns host:port, or just the host when no port is set.
func (e Endpoint) Address() string {
	if e.Port == 0 {
		return e.Host
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Target is a caller-supplied (ip, port) pair.
type Target struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// Descriptor is one proxy endpoint plus its health flags.
type Descriptor struct {
	ID          uint64      `json:"id"`
	Address     string      `json:"address"`
	Port        int         `json:"port"`
	Scheme      Scheme      `json:"scheme"`
	Credentials Credentials `json:"-"`
	URL         string      `json:"url"`
	Working     bool        `json:"working"`
	Blacklisted bool        `json:"blacklisted"`
	LastChecked time.Time   `json:"last_checked,omitempty"`
}

// Usable reports whether the descriptor may be handed out by GetProxy or the
// random selector.
func (d Descriptor) Usable() bool {
	return d.Working && !d.Blacklisted
}

func (d Descriptor) Endpoint() Endpoint {
	return Endpoint{
		Scheme:      d.Scheme,
		Host:        d.Address,
		Port:        d.Port,
		Credentials: d.Credentials,
	}
}
