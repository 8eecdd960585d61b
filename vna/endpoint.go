package vna

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// Endpoint is the TCP address of the instrument.
type Endpoint struct {
	Host string
	Port uint16
}

// DefaultEndpoint is where instruments listen for SCPI over raw sockets by default.
var DefaultEndpoint = Endpoint{Host: "127.0.0.1", Port: 5025}

var hostLabelRegexp = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

func validHost(host string) bool {
	if host == "" {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" || len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if !hostLabelRegexp.MatchString(label) {
			return false
		}
	}
	return true
}

// NewEndpoint validates host and port. Host must be an IP address or a host name, and port within
// 1-65535.
func NewEndpoint(host string, port int) (Endpoint, error) {
	if !validHost(host) {
		return Endpoint{}, fmt.Errorf("%w: bad host: %#v", ErrInvalidEndpoint, host)
	}
	if port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("%w: port out of range: %d", ErrInvalidEndpoint, port)
	}
	return Endpoint{Host: host, Port: uint16(port)}, nil
}

// ParseEndpoint parses a "host:port" address.
func ParseEndpoint(address string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: bad port: %#v", ErrInvalidEndpoint, portStr)
	}
	return NewEndpoint(host, port)
}

// Validate checks an Endpoint built without NewEndpoint.
func (e Endpoint) Validate() error {
	_, err := NewEndpoint(e.Host, int(e.Port))
	return err
}

// Address returns the "host:port" dial address.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

func (e Endpoint) String() string {
	return e.Address()
}
