// Package endpoint implements the endpoint multiplexer (spec §4.6): bound
// sockets per scheme/family/address, multicast groups, and the DTLS/stream
// transport variants, modeled on the teacher's own ListenAndServe/Serve
// loop in server.go but generalized to multiple concurrently bound sockets.
package endpoint

import (
	"net"
	"strconv"
	"strings"
	"sync"
)

// Scheme identifies the transport + security combination (spec §6).
type Scheme string

const (
	SchemeCoAP      Scheme = "coap"
	SchemeCoAPS     Scheme = "coaps"
	SchemeCoAPTCP   Scheme = "coap+tcp"
	SchemeCoAPSTCP  Scheme = "coaps+tcp"
)

// DefaultPort returns the scheme's default UDP/TCP port (spec §6).
func (s Scheme) DefaultPort() int {
	switch s {
	case SchemeCoAP, SchemeCoAPTCP:
		return 5683
	case SchemeCoAPS, SchemeCoAPSTCP:
		return 5684
	}
	return 0
}

func (s Scheme) Secure() bool { return s == SchemeCoAPS || s == SchemeCoAPSTCP }
func (s Scheme) Stream() bool { return s == SchemeCoAPTCP || s == SchemeCoAPSTCP }

// Multicast group addresses (spec §6).
const (
	MulticastIPv4 = "224.0.1.187"
	MulticastIPv6LinkLocal = "ff02::fd"
	MulticastIPv6SiteLocal = "ff05::fd"
)

// PacketHandler processes one inbound datagram/stream message.
type PacketHandler interface {
	// HandlePacket is called with the raw bytes and originating peer
	// address for a UDP/DTLS endpoint.
	HandlePacket(e *Endpoint, peer net.Addr, data []byte)
	// HandleStreamConn is called once per accepted stream connection; the
	// handler owns the connection's lifetime (reads/writes/CSM exchange).
	HandleStreamConn(e *Endpoint, conn net.Conn)
}

// Options configures a bound endpoint (spec §6 add_endpoint).
type Options struct {
	Multicast          bool
	MulticastAddresses []string
	MulticastPort      int
	CertFile           string
	KeyFile            string
}

// Endpoint is a bound socket with scheme/family/address metadata (spec §3
// Data Model, Endpoint).
type Endpoint struct {
	Scheme    Scheme
	Family    string // "ip4" or "ip6"
	Host      string
	Port      int
	Multicast bool

	pc     net.PacketConn
	ln     net.Listener
	closer func() error

	mu    sync.Mutex
	conns map[string]net.Conn // peer addr -> connection-oriented transport (DTLS, stream)
}

func (e *Endpoint) LocalAddr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// registerConn associates a connection-oriented transport (DTLS
// association, stream connection) with its peer address so WriteTo can
// find it for outbound sends.
func (e *Endpoint) registerConn(peer string, conn net.Conn) {
	e.mu.Lock()
	if e.conns == nil {
		e.conns = make(map[string]net.Conn)
	}
	e.conns[peer] = conn
	e.mu.Unlock()
}

func (e *Endpoint) removeConn(peer string) {
	e.mu.Lock()
	delete(e.conns, peer)
	e.mu.Unlock()
}

// WriteTo sends data to peer, either over this endpoint's shared packet
// connection (plain UDP unicast/multicast) or, for DTLS/stream endpoints,
// over the per-peer net.Conn registered when the association/connection
// was accepted.
func (e *Endpoint) WriteTo(peer net.Addr, data []byte) error {
	e.mu.Lock()
	conn, ok := e.conns[peer.String()]
	e.mu.Unlock()
	if ok {
		_, err := conn.Write(data)
		return err
	}
	if e.pc == nil {
		return net.ErrClosed
	}
	_, err := e.pc.WriteTo(data, peer)
	return err
}

func (e *Endpoint) Close() error {
	var err error
	if e.pc != nil {
		err = e.pc.Close()
	}
	if e.ln != nil {
		if cerr := e.ln.Close(); err == nil {
			err = cerr
		}
	}
	if e.closer != nil {
		_ = e.closer()
	}
	return err
}

func familyOf(host string) string {
	ip := net.ParseIP(host)
	if ip == nil {
		return "ip4"
	}
	if ip.To4() != nil {
		return "ip4"
	}
	return "ip6"
}

func splitHostPort(addr string, defaultPort int) (host string, port int) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, defaultPort
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		n = defaultPort
	}
	return h, n
}

// parseURI splits a coap(s)[+tcp]://host[:port] URI into its scheme and
// host:port, without pulling in net/url's query-string machinery this
// engine never needs.
func parseURI(uri string) (scheme Scheme, hostport string) {
	parts := strings.SplitN(uri, "://", 2)
	if len(parts) != 2 {
		return SchemeCoAP, uri
	}
	return Scheme(parts[0]), parts[1]
}
