package connector

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
)

// Pool holds one connector per broker endpoint. Connectors are created on
// first use and reused afterwards.
type Pool struct {
	template   Builder
	mux        sync.Mutex
	connectors map[string]*Connector
	closed     bool
}

// NewPool returns a pool which creates its connectors from the template.
// Host and Port of the template are replaced by the endpoint.
func NewPool(template *Builder) *Pool {
	return &Pool{
		template:   *template,
		connectors: make(map[string]*Connector),
	}
}

// Get returns the connector for endpoint "host:port" or "host". A missing
// port is taken from the template.
func (p *Pool) Get(endpoint string) (*Connector, error) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if c, ok := p.connectors[endpoint]; ok {
		return c, nil
	}

	bb := p.template
	host, port, err := splitEndpoint(endpoint, bb.Port)
	if err != nil {
		return nil, err
	}
	bb.Host = host
	bb.Port = port
	if bb.ClientID != "" {
		bb.ClientID = bb.ClientID + "-" + endpoint
	}
	c := New(&bb)
	p.connectors[endpoint] = c
	return c, nil
}

// Publisher returns the connector for endpoint as a Publisher
func (p *Pool) Publisher(endpoint string) (Publisher, error) {
	c, err := p.Get(endpoint)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Endpoints returns the endpoints with a connector, sorted
func (p *Pool) Endpoints() []string {
	p.mux.Lock()
	defer p.mux.Unlock()
	endpoints := make([]string, 0, len(p.connectors))
	for endpoint := range p.connectors {
		endpoints = append(endpoints, endpoint)
	}
	sort.Strings(endpoints)
	return endpoints
}

// Close closes all connectors of the pool
func (p *Pool) Close() {
	p.mux.Lock()
	connectors := p.connectors
	p.connectors = make(map[string]*Connector)
	p.closed = true
	p.mux.Unlock()

	for _, c := range connectors {
		c.Close()
	}
}

func splitEndpoint(endpoint string, defaultPort int) (string, int, error) {
	if endpoint == "" {
		return "", 0, fmt.Errorf("empty endpoint")
	}
	host, portString, err := net.SplitHostPort(endpoint)
	if err != nil {
		// no port
		return endpoint, defaultPort, nil
	}
	port, err := strconv.Atoi(portString)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in endpoint %s: %w", endpoint, err)
	}
	return host, port, nil
}
