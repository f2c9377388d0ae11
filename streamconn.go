package coap

import (
	"net"

	"github.com/businka/go-coap-engine/internal/endpoint"
	"github.com/businka/go-coap-engine/message"
)

// HandleStreamConn implements endpoint.PacketHandler for coap+tcp/coaps+tcp
// listeners: exchange CSM, then read framed messages until the connection
// closes (spec §4.6, §6 "Stream framing"; RFC 8323).
func (s *Server) HandleStreamConn(e *endpoint.Endpoint, conn net.Conn) {
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

	_ = endpoint.ReadLoop(conn, s.cfg.MaxMessageSize, func(m *message.Message) error {
		m.Scheme = string(e.Scheme)
		s.dispatchStream(conn, peerKey, m)
		return nil
	})
}

// dispatchStream routes a decoded stream message by class (signal, request,
// response); shared by the listener path above and the dialer's own read
// loop (streamReadLoop below), both of which decode via
// endpoint.ReadLoop.
func (s *Server) dispatchStream(conn net.Conn, peerKey string, m *message.Message) {
	switch {
	case m.Code.IsSignal():
		s.handleSignal(conn, peerKey, m)
	case m.Code.IsRequest():
		s.handleStreamRequest(conn, peerKey, m)
	case m.Code.IsResponse():
		// The first response completes the SendMessage wait; later ones
		// carrying Observe are notifications.
		completed := s.awaits.Complete(peerKey, m.Token, m)
		if _, ok := m.Options.First(message.Observe); ok && !completed {
			s.deliverObserveUpdate(peerKey, m)
		}
	}
}

func (s *Server) handleSignal(conn net.Conn, peerKey string, m *message.Message) {
	switch m.Code {
	case message.CSM:
		if v, ok := m.Options.First(message.MaxMessageSize); ok {
			u, _ := v.(uint32)
			s.mu.Lock()
			s.streamMaxMessage[peerKey] = u
			s.mu.Unlock()
		}
	case message.Ping:
		pong := &message.Message{Code: message.Pong, Token: m.Token}
		if enc, err := message.EncodeStream(pong); err == nil {
			_, _ = conn.Write(enc)
		}
	case message.Release, message.Abort:
		_ = conn.Close()
	}
}

// handleStreamRequest dispatches a request arriving over a reliable stream
// transport: no message-ID, no duplicate suppression and no Ack (the
// transport itself guarantees ordered, at-most-once delivery).
func (s *Server) handleStreamRequest(conn net.Conn, peerKey string, msg *message.Message) {
	if !s.cfg.KnownMethods[msg.Code] {
		resp := &message.Message{Code: message.BadRequest, Token: msg.Token}
		if enc, err := message.EncodeStream(resp); err == nil {
			_, _ = conn.Write(enc)
		}
		return
	}

	resp := s.buildResponse(peerKey, msg)
	if resp == nil {
		// Separate-response mode: deliverDeferred sends the real response
		// later via sendConfirmable, which finds this stream route.
		return
	}
	if suppressResponse(msg, resp.Code) {
		return
	}
	enc, err := message.EncodeStream(resp)
	if err != nil {
		s.log.Errorf("encoding stream response to %s: %v", peerKey, err)
		return
	}
	if _, err := conn.Write(enc); err != nil {
		s.log.Warnf("writing stream response to %s: %v", peerKey, err)
	}
}

// streamReadLoop drains framed messages off a client-initiated connection,
// completing awaits for responses and routing requests/signals the same way
// a server-accepted connection would (a stream peer may itself push
// notifications or requests back to the dialer).
func (s *Server) streamReadLoop(conn net.Conn, peerKey string) {
	_ = endpoint.ReadLoop(conn, s.cfg.MaxMessageSize, func(m *message.Message) error {
		s.dispatchStream(conn, peerKey, m)
		return nil
	})
}
