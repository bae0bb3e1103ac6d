package addresspool

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is assumed for list entries that carry only a host.
const DefaultPort = 9880

// Endpoint is one candidate DRM server.
type Endpoint struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Weight  int    `json:"weight,omitempty"` // Weight for load balancing
	Healthy bool   `json:"-"`                // Cleared by MarkFailed, reset on every refresh
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseEndpoint parses "host:port" or a bare host.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("addresspool: empty endpoint")
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// Bare host without port
		if strings.Contains(err.Error(), "missing port") {
			return Endpoint{Host: strings.Trim(s, "[]"), Port: DefaultPort, Healthy: true}, nil
		}
		return Endpoint{}, fmt.Errorf("addresspool: parse endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("addresspool: invalid port in %q", s)
	}
	return Endpoint{Host: host, Port: port, Healthy: true}, nil
}

// ParseEndpoints parses every entry of list, failing on the first malformed one.
func ParseEndpoints(list []string) ([]Endpoint, error) {
	endpoints := make([]Endpoint, 0, len(list))
	for _, s := range list {
		if strings.TrimSpace(s) == "" {
			continue
		}
		ep, err := ParseEndpoint(s)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Discoverer resolves the current set of endpoints.
type Discoverer interface {
	Discover(ctx context.Context) ([]Endpoint, error)
}

// Watcher is implemented by discoverers that can push set changes.
type Watcher interface {
	Watch(ctx context.Context) <-chan []Endpoint
}

// DiscovererFunc adapts a function to Discoverer.
type DiscovererFunc func(ctx context.Context) ([]Endpoint, error)

func (f DiscovererFunc) Discover(ctx context.Context) ([]Endpoint, error) {
	return f(ctx)
}

// StaticDiscoverer always returns the same list.
type StaticDiscoverer struct {
	endpoints []Endpoint
}

// NewStaticDiscoverer parses addrs ("host:port") into a fixed list.
func NewStaticDiscoverer(addrs []string) (*StaticDiscoverer, error) {
	endpoints, err := ParseEndpoints(addrs)
	if err != nil {
		return nil, err
	}
	return &StaticDiscoverer{endpoints: endpoints}, nil
}

func (d *StaticDiscoverer) Discover(ctx context.Context) ([]Endpoint, error) {
	if len(d.endpoints) == 0 {
		return nil, fmt.Errorf("addresspool: static list is empty")
	}
	return append([]Endpoint(nil), d.endpoints...), nil
}
