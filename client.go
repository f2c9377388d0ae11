package coap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/businka/go-coap-engine/internal/coaperr"
	"github.com/businka/go-coap-engine/internal/endpoint"
	"github.com/businka/go-coap-engine/internal/transaction"
	"github.com/businka/go-coap-engine/message"
)

// sendOptions configures SendMessage (spec §6 send_message).
type sendOptions struct {
	timeout            time.Duration
	onNotify           func(*message.Message)
	insecureSkipVerify bool
}

// SendOption configures a single SendMessage call.
type SendOption func(*sendOptions)

// WithTimeout bounds how long SendMessage waits for a response before
// returning transaction.ErrTimeout/await.ErrTimeout.
func WithTimeout(d time.Duration) SendOption { return func(o *sendOptions) { o.timeout = d } }

// WithObserveCallback registers a callback for notifications that arrive
// after the initial response to a GET with Observe=0 (spec §4.4, §4.7).
func WithObserveCallback(cb func(*message.Message)) SendOption {
	return func(o *sendOptions) { o.onNotify = cb }
}

// WithInsecureSkipVerify skips certificate verification for a coaps+tcp
// dial; exists for test fixtures using self-signed certificates.
func WithInsecureSkipVerify() SendOption { return func(o *sendOptions) { o.insecureSkipVerify = true } }

// SendMessage transmits msg (its Scheme/Dst annotations select the transport
// and destination) and blocks for the matching response (spec §6
// send_message, §4.7 Callback/Await Layer).
func (s *Server) SendMessage(ctx context.Context, msg *message.Message, opts ...SendOption) (*message.Message, error) {
	so := sendOptions{timeout: s.cfg.ExchangeLifetime}
	for _, o := range opts {
		o(&so)
	}

	scheme := endpoint.Scheme(msg.Scheme)
	if scheme == "" {
		scheme = endpoint.SchemeCoAP
	}
	// Token uniqueness (spec property 7: "tokens unique among in-flight
	// requests to the same peer") is checked against msg.Dst. On the UDP/DTLS
	// path NewOutgoing keys sentToken by the resolved address string, which
	// equals msg.Dst when Dst is a literal ip:port. The stream path never
	// registers in sentToken, so this check does not see stream requests.
	if len(msg.Token) == 0 {
		msg.Token = transaction.NewToken()
		for s.tx.TokenInFlight(msg.Dst, msg.Token) {
			msg.Token = transaction.NewToken()
		}
	}
	if msg.Type == 0 {
		msg.Type = message.Confirmable
	}

	if scheme.Stream() {
		return s.sendStream(ctx, scheme, msg, so)
	}

	e, ok := s.mux.SelectSource(scheme, msg.Src, msg.Dst)
	if !ok {
		return nil, coaperr.New(coaperr.ServiceUnavailable, fmt.Errorf("no bound endpoint for scheme %s", scheme))
	}

	network := "udp4"
	if e.Family == "ip6" {
		network = "udp6"
	}
	peerAddr, err := net.ResolveUDPAddr(network, msg.Dst)
	if err != nil {
		return nil, err
	}
	peerKey := peerAddr.String()
	write := func(b []byte) error { return e.WriteTo(peerAddr, b) }
	s.registerRoute(peerKey, peerRoute{write: write})

	if msg.Type == message.Confirmable {
		// NSTART (RFC 7252 section 4.7): wait for a free exchange slot with
		// this peer before minting a MID and registering the transaction.
		if err := s.tx.AcquireSlot(ctx, peerKey); err != nil {
			return nil, err
		}
		defer s.tx.ReleaseSlot(peerKey)
	}

	msg.MessageID = s.tx.NextMID()
	enc, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	if msg.Type == message.NonConfirmable {
		s.tx.ThrottleNonConfirmable(peerKey, len(enc))
	}

	t := s.tx.NewOutgoing(peerKey, msg)
	if v, ok := msg.Options.First(message.Observe); ok {
		if u, _ := v.(uint32); u == 0 {
			t.Notification = true
		}
	}
	if so.onNotify != nil {
		s.mu.Lock()
		s.observeCallbacks[peerKey+"\x00"+string(msg.Token)] = so.onNotify
		s.mu.Unlock()
	}

	resultCh := make(chan transaction.Result, 1)
	t.Await(resultCh)

	if err := write(enc); err != nil {
		return nil, err
	}
	if msg.Type == message.Confirmable {
		s.tx.ScheduleRetransmit(t, enc, write, nil)
	}

	var timeoutC <-chan time.Time
	if so.timeout > 0 {
		timer := time.NewTimer(so.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return s.completeBlockwise(peerKey, write, msg, res.Response)
	case <-timeoutC:
		return nil, transaction.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// completeBlockwise transparently fetches the remaining Block2 blocks of a
// multi-block response and stitches the payload back together (spec §4.3).
func (s *Server) completeBlockwise(peerKey string, write func([]byte) error, req, resp *message.Message) (*message.Message, error) {
	v, ok := resp.Options.First(message.Block2)
	if !ok {
		return resp, nil
	}
	bv := message.DecodeBlockValue(v.(uint32))
	payload := append([]byte(nil), resp.Payload...)

	for bv.More {
		next := req.Clone()
		next.MessageID = s.tx.NextMID()
		next.SetOption(message.Block2, message.BlockValue{Num: bv.Num + 1, SZX: bv.SZX}.Encode())
		enc, err := next.Encode()
		if err != nil {
			return nil, err
		}

		t := s.tx.NewOutgoing(peerKey, next)
		resultCh := make(chan transaction.Result, 1)
		t.Await(resultCh)

		if err := write(enc); err != nil {
			return nil, err
		}
		if next.Type == message.Confirmable {
			s.tx.ScheduleRetransmit(t, enc, write, nil)
		}

		res := <-resultCh
		if res.Err != nil {
			return nil, res.Err
		}
		nv, ok := res.Response.Options.First(message.Block2)
		if !ok {
			payload = append(payload, res.Response.Payload...)
			break
		}
		bv = message.DecodeBlockValue(nv.(uint32))
		payload = append(payload, res.Response.Payload...)
	}

	final := resp.Clone()
	final.Payload = payload
	final.Options = final.Options.Without(message.Block2)
	return final, nil
}

// sendStream dials a coap+tcp/coaps+tcp peer, exchanges CSM, sends msg and
// waits for its response by token (stream transports carry no message-ID).
func (s *Server) sendStream(ctx context.Context, scheme endpoint.Scheme, msg *message.Message, so sendOptions) (*message.Message, error) {
	var conn net.Conn
	var err error
	if scheme.Secure() {
		var d tls.Dialer
		d.Config = &tls.Config{InsecureSkipVerify: so.insecureSkipVerify}
		conn, err = d.DialContext(ctx, "tcp", msg.Dst)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", msg.Dst)
	}
	if err != nil {
		return nil, coaperr.Transport("dial "+msg.Dst, err)
	}

	peerKey := conn.RemoteAddr().String()
	s.registerRoute(peerKey, peerRoute{stream: true, write: func(b []byte) error {
		_, err := conn.Write(b)
		return err
	}})

	csm := &message.Message{Code: message.CSM}
	csm.SetOption(message.MaxMessageSize, s.cfg.MaxMessageSize)
	if enc, err := message.EncodeStream(csm); err == nil {
		_, _ = conn.Write(enc)
	}

	go func() {
		defer conn.Close()
		s.streamReadLoop(conn, peerKey)
	}()

	reqEnc, err := message.EncodeStream(msg)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(reqEnc); err != nil {
		return nil, err
	}

	if so.onNotify != nil {
		s.mu.Lock()
		s.observeCallbacks[peerKey+"\x00"+string(msg.Token)] = so.onNotify
		s.mu.Unlock()
	}

	return s.awaits.Wait(ctx, peerKey, msg.Token, so.timeout)
}
