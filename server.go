// Package coap wires the wire codec, message layer, block layer, observe
// layer, request layer and endpoint multiplexer (internal/*) into a single
// engine, generalizing the teacher's own ListenAndServe/handlePacket loop to
// the layered architecture this specification describes.
package coap

import (
	"encoding/hex"
	"net"
	"sync"

	"github.com/businka/go-coap-engine/internal/await"
	"github.com/businka/go-coap-engine/internal/block"
	"github.com/businka/go-coap-engine/internal/config"
	"github.com/businka/go-coap-engine/internal/endpoint"
	"github.com/businka/go-coap-engine/internal/logging"
	"github.com/businka/go-coap-engine/internal/metrics"
	"github.com/businka/go-coap-engine/internal/observe"
	"github.com/businka/go-coap-engine/internal/resource"
	"github.com/businka/go-coap-engine/internal/transaction"
	"github.com/businka/go-coap-engine/message"
)

// peerRoute is how the engine sends bytes back to a peer it has already
// heard from, without re-resolving an endpoint/address pair on every push
// (deferred responses, observe notifications).
type peerRoute struct {
	write  func([]byte) error
	stream bool
}

// Server is the assembled engine: one resource tree, one message layer, one
// block layer, one observe layer, fronted by an arbitrary number of bound
// endpoints (spec §2 System Overview, §4).
type Server struct {
	cfg     config.Config
	mux     *endpoint.Multiplexer
	tx      *transaction.Manager
	blocks  *block.Store
	observe *observe.Manager
	tree    *resource.Tree
	awaits  *await.Registry
	metrics *metrics.Collector
	log     logging.Logger

	mu               sync.RWMutex
	routes           map[string]peerRoute
	observeCallbacks map[string]func(*message.Message)
	streamMaxMessage map[string]uint32
	closed           bool
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithConfig overrides the default RFC 7252 section 4.8 timing parameters.
func WithConfig(cfg config.Config) Option { return func(s *Server) { s.cfg = cfg } }

// WithMetrics registers a Prometheus collector for engine-internal gauges
// (spec §9; grounded on runZeroInc-conniver's exporter.TCPInfoCollector shape).
func WithMetrics(c *metrics.Collector) Option { return func(s *Server) { s.metrics = c } }

// WithLogger sets the structured operational logger (internal/obslog wraps
// logrus into this interface). The teacher's own beego/logs wire tracer
// (debug.go, GLog) is independent of this and always active when Debug(true)
// has been called.
func WithLogger(l logging.Logger) Option { return func(s *Server) { s.log = l } }

// NewServer builds an unbound engine; call AddEndpoint to start listening.
func NewServer(opts ...Option) *Server {
	s := &Server{
		cfg:              config.Default(),
		log:              logging.Nop{},
		blocks:           block.New(),
		observe:          observe.New(),
		tree:             resource.NewTree(),
		awaits:           await.New(),
		routes:           make(map[string]peerRoute),
		observeCallbacks: make(map[string]func(*message.Message)),
		streamMaxMessage: make(map[string]uint32),
	}
	for _, o := range opts {
		o(s)
	}
	s.tx = transaction.New(s.cfg, s.metrics, s.log)
	s.mux = endpoint.NewMultiplexer(s, s.log)
	return s
}

// AddEndpoint binds a coap(s)[+tcp] URI (spec §6 add_endpoint).
func (s *Server) AddEndpoint(uri string, opts endpoint.Options) ([]*endpoint.Endpoint, error) {
	return s.mux.AddEndpoint(uri, opts)
}

// AddResource creates (or returns the existing) resource at path, creating
// intermediate path segments as needed (spec §4.5, §6 add_resource).
func (s *Server) AddResource(path string) *resource.Resource {
	return s.tree.Insert(path)
}

// RemoveResource unlinks path from the tree and drops its subscribers
// (spec §6 remove_resource).
func (s *Server) RemoveResource(path string) bool {
	for _, sub := range s.observe.Subscribers(path) {
		s.observe.Unsubscribe(path, sub.Peer, sub.Token)
	}
	s.refreshSubscriptionGauge()
	return s.tree.Remove(path)
}

// Close shuts the engine down: cancels outstanding waits and transactions,
// then closes every bound endpoint. Idempotent (spec §6 close()).
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.awaits.CancelAll()
	s.tx.Close()
	return s.mux.Close()
}

// refreshSubscriptionGauge syncs the active-subscription gauge after any
// Subscribe/Unsubscribe/RemoveByPeerToken call (spec §9 observability).
func (s *Server) refreshSubscriptionGauge() {
	if s.metrics != nil {
		s.metrics.SetActiveSubscriptions(s.observe.Count())
	}
}

func (s *Server) registerRoute(peerKey string, r peerRoute) {
	s.mu.Lock()
	s.routes[peerKey] = r
	s.mu.Unlock()
}

func (s *Server) route(peerKey string) (peerRoute, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[peerKey]
	return r, ok
}

func encodeFor(r peerRoute, m *message.Message) ([]byte, error) {
	if r.stream {
		return message.EncodeStream(m)
	}
	return m.Encode()
}

// sendConfirmable assigns a fresh MID, registers a transaction and schedules
// retransmission (if not a stream route) for an asynchronously produced
// message — a separate/deferred response or an observe notification.
func (s *Server) sendConfirmable(peerKey string, resp *message.Message) {
	r, ok := s.route(peerKey)
	if !ok {
		s.log.Warnf("no route to %s for asynchronous response", peerKey)
		return
	}
	resp.Type = message.Confirmable
	resp.MessageID = s.tx.NextMID()
	enc, err := encodeFor(r, resp)
	if err != nil {
		s.log.Errorf("encoding asynchronous response to %s: %v", peerKey, err)
		return
	}
	t := s.tx.NewOutgoing(peerKey, resp)
	if err := r.write(enc); err != nil {
		s.log.Warnf("writing asynchronous response to %s: %v", peerKey, err)
		return
	}
	if !r.stream {
		s.tx.ScheduleRetransmit(t, enc, r.write, nil)
	}
}

// HandlePacket implements endpoint.PacketHandler for UDP/DTLS endpoints.
func (s *Server) HandlePacket(e *endpoint.Endpoint, peer net.Addr, data []byte) {
	// aliyun-style health probe (teacher's debug.go/HealthMonitor): a bare
	// 4-byte RUOK datagram gets IMOK back, bypassing the CoAP codec entirely.
	if healthMonitorEnable && len(data) == 4 && data[0] == 'R' && data[1] == 'U' && data[2] == 'O' && data[3] == 'K' {
		_ = e.WriteTo(peer, []byte("IMOK"))
		return
	}
	if debugEnable {
		GLog.Debug("coap: recv %d bytes from %s on %s", len(data), peer, e.LocalAddr())
	}
	msg, err := message.Decode(data)
	if err != nil {
		s.rejectMalformed(e, peer, data, err)
		return
	}
	msg.Src = peer.String()
	msg.Scheme = string(e.Scheme)
	msg.Multicast = e.Multicast
	s.dispatch(e, peer, msg)
}

func (s *Server) rejectMalformed(e *endpoint.Endpoint, peer net.Addr, data []byte, cause error) {
	s.log.Warnf("malformed datagram from %s: %v", peer, cause)
	mid, ok := message.PeekMID(data)
	if !ok {
		return
	}
	s.sendReset(e, peer, mid, message.BadRequest)
}

func (s *Server) sendReset(e *endpoint.Endpoint, peer net.Addr, mid uint16, code message.Code) {
	rst := &message.Message{Version: 1, Type: message.Reset, Code: code, MessageID: mid}
	enc, err := rst.Encode()
	if err != nil {
		return
	}
	_ = e.WriteTo(peer, enc)
}

// dispatch routes a decoded message by its class: empty (Ack/Reset),
// request, response, or stream-only signalling (ignored over UDP/DTLS —
// spec §6 restricts CSM exchange to the stream transports).
func (s *Server) dispatch(e *endpoint.Endpoint, peer net.Addr, msg *message.Message) {
	switch {
	case msg.IsEmpty():
		s.tx.HandleEmpty(peer.String(), msg, s.onNotificationReset)
	case msg.Code.IsRequest():
		s.handleRequest(e, peer, msg)
	case msg.Code.IsResponse():
		s.handleResponse(e, peer, msg)
	case msg.Code.IsSignal():
		s.log.Debugf("ignoring signalling code %s from %s on non-stream transport", msg.Code, peer)
	}
}

// onNotificationReset drops an observe subscription whose notification was
// answered with a Reset (spec §4.2, §4.4).
func (s *Server) onNotificationReset(t *transaction.Transaction) {
	tok, _ := hex.DecodeString(t.Token)
	s.observe.RemoveByPeerToken(t.Peer, tok)
	s.refreshSubscriptionGauge()
}
