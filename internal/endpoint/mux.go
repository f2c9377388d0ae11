package endpoint

import (
	"fmt"
	"net"
	"sync"

	"github.com/businka/go-coap-engine/internal/logging"
)

// Multiplexer holds the two containers from spec §4.6:
//
//	unicast[scheme][family][host][port]  = endpoint
//	multicast[scheme][family][host]      = endpoint
type Multiplexer struct {
	handler PacketHandler
	logger  logging.Logger

	mu        sync.RWMutex
	unicast   map[Scheme]map[string]map[string]map[int]*Endpoint
	multicast map[Scheme]map[string]map[string]*Endpoint
}

func NewMultiplexer(handler PacketHandler, logger logging.Logger) *Multiplexer {
	return &Multiplexer{
		handler:   handler,
		logger:    logger,
		unicast:   make(map[Scheme]map[string]map[string]map[int]*Endpoint),
		multicast: make(map[Scheme]map[string]map[string]*Endpoint),
	}
}

// AddEndpoint binds a URI and begins listening (spec §6 add_endpoint).
// An empty host, or "::"/"0.0.0.0", expands to every local address of that
// family.
func (mux *Multiplexer) AddEndpoint(uri string, opts Options) ([]*Endpoint, error) {
	scheme, hostport := parseURI(uri)
	host, port := splitHostPort(hostport, scheme.DefaultPort())

	hosts := []string{host}
	if host == "" || host == "::" || host == "0.0.0.0" {
		hosts = localAddresses(familyOf(host))
	}

	var bound []*Endpoint
	for _, h := range hosts {
		e, err := mux.bindOne(scheme, h, port, opts)
		if err != nil {
			return bound, fmt.Errorf("endpoint: bind %s://%s:%d: %w", scheme, h, port, err)
		}
		mux.registerUnicast(e)
		bound = append(bound, e)
	}

	if opts.Multicast {
		groups := opts.MulticastAddresses
		if len(groups) == 0 {
			groups = []string{MulticastIPv4, MulticastIPv6LinkLocal}
		}
		mport := opts.MulticastPort
		if mport == 0 {
			mport = port
		}
		for _, g := range groups {
			e, err := bindUDP(host, mport, true, g, mux.handler, mux.logger)
			if err != nil {
				return bound, fmt.Errorf("endpoint: bind multicast group %s: %w", g, err)
			}
			e.Multicast = true
			mux.registerMulticast(scheme, g, e)
			bound = append(bound, e)
		}
	}

	return bound, nil
}

func (mux *Multiplexer) bindOne(scheme Scheme, host string, port int, opts Options) (*Endpoint, error) {
	switch {
	case scheme == SchemeCoAPS:
		return bindDTLS(host, port, opts.CertFile, opts.KeyFile, mux.handler, mux.logger)
	case scheme.Stream():
		return bindStream(host, port, scheme.Secure(), opts.CertFile, opts.KeyFile, mux.handler, mux.logger)
	default:
		return bindUDP(host, port, false, "", mux.handler, mux.logger)
	}
}

func (mux *Multiplexer) registerUnicast(e *Endpoint) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	bySch, ok := mux.unicast[e.Scheme]
	if !ok {
		bySch = make(map[string]map[string]map[int]*Endpoint)
		mux.unicast[e.Scheme] = bySch
	}
	byFam, ok := bySch[e.Family]
	if !ok {
		byFam = make(map[string]map[int]*Endpoint)
		bySch[e.Family] = byFam
	}
	byHost, ok := byFam[e.Host]
	if !ok {
		byHost = make(map[int]*Endpoint)
		byFam[e.Host] = byHost
	}
	byHost[e.Port] = e
}

func (mux *Multiplexer) registerMulticast(scheme Scheme, group string, e *Endpoint) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	bySch, ok := mux.multicast[scheme]
	if !ok {
		bySch = make(map[string]map[string]*Endpoint)
		mux.multicast[scheme] = bySch
	}
	byFam, ok := bySch[e.Family]
	if !ok {
		byFam = make(map[string]*Endpoint)
		bySch[e.Family] = byFam
	}
	byFam[group] = e
}

// SelectSource picks the outbound source endpoint for a message: if src is
// non-empty, looks it up exactly; otherwise picks any unicast endpoint of
// dst's address family (spec §4.6).
func (mux *Multiplexer) SelectSource(scheme Scheme, src, dst string) (*Endpoint, bool) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	bySch, ok := mux.unicast[scheme]
	if !ok {
		return nil, false
	}
	if src != "" {
		host, port := splitHostPort(src, 0)
		if byFam, ok := bySch[familyOf(host)]; ok {
			if byHost, ok := byFam[host]; ok {
				if e, ok := byHost[port]; ok {
					return e, true
				}
			}
		}
		return nil, false
	}
	family := familyOf(hostOf(dst))
	if byFam, ok := bySch[family]; ok {
		for _, byHost := range byFam {
			for _, e := range byHost {
				return e, true
			}
		}
	}
	return nil, false
}

func hostOf(addr string) string {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return h
}

// Close closes every bound endpoint (spec §6 close()).
func (mux *Multiplexer) Close() error {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	var firstErr error
	for _, bySch := range mux.unicast {
		for _, byFam := range bySch {
			for _, byHost := range byFam {
				for _, e := range byHost {
					if err := e.Close(); err != nil && firstErr == nil {
						firstErr = err
					}
				}
			}
		}
	}
	for _, bySch := range mux.multicast {
		for _, byFam := range bySch {
			for _, e := range byFam {
				if err := e.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

func localAddresses(family string) []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		if family == "ip6" {
			return []string{"::"}
		}
		return []string{"0.0.0.0"}
	}
	var out []string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		isV4 := ipnet.IP.To4() != nil
		if (family == "ip4") != isV4 {
			continue
		}
		out = append(out, ipnet.IP.String())
	}
	if len(out) == 0 {
		if family == "ip6" {
			return []string{"::1"}
		}
		return []string{"127.0.0.1"}
	}
	return out
}
