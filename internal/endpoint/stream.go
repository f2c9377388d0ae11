package endpoint

import (
	"bufio"
	"crypto/tls"
	"net"
	"strconv"

	"github.com/businka/go-coap-engine/internal/logging"
	"github.com/businka/go-coap-engine/message"
)

// bindStream listens for stream-transport connections (coap+tcp,
// coaps+tcp). Each accepted connection is handed to handler.HandleStreamConn,
// which owns the CSM exchange and request/response loop for that connection
// (spec §4.6, §6 "Stream framing").
//
// coaps+tcp uses ordinary crypto/tls rather than pion/dtls: DTLS is a
// datagram-transport security protocol and does not apply over a byte
// stream. No TLS library appears anywhere in the retrieval pack for this
// shape of server, so the standard library's crypto/tls is used directly
// (see DESIGN.md).
func bindStream(host string, port int, secure bool, certFile, keyFile string, handler PacketHandler, logger logging.Logger) (*Endpoint, error) {
	family := familyOf(host)
	network := "tcp4"
	if family == "ip6" {
		network = "tcp6"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var ln net.Listener
	var err error
	if secure {
		cert, cerr := tls.LoadX509KeyPair(certFile, keyFile)
		if cerr != nil {
			return nil, cerr
		}
		ln, err = tls.Listen(network, addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen(network, addr)
	}
	if err != nil {
		return nil, err
	}

	scheme := SchemeCoAPTCP
	if secure {
		scheme = SchemeCoAPSTCP
	}
	e := &Endpoint{Scheme: scheme, Family: family, Host: host, Port: port, ln: ln}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if logger != nil {
					logger.Debugf("stream listener exiting on %s: %v", e.LocalAddr(), err)
				}
				return
			}
			e.registerConn(conn.RemoteAddr().String(), conn)
			go func(c net.Conn) {
				defer e.removeConn(c.RemoteAddr().String())
				handler.HandleStreamConn(e, c)
			}(conn)
		}
	}()

	return e, nil
}

// ReadLoop is a helper HandleStreamConn implementations can use to decode
// framed messages off conn until it closes or errors.
func ReadLoop(conn net.Conn, maxMessageSize uint32, onMessage func(*message.Message) error) error {
	r := bufio.NewReader(conn)
	for {
		m, err := message.DecodeStream(r, maxMessageSize)
		if err != nil {
			return err
		}
		m.Src = conn.RemoteAddr().String()
		if err := onMessage(m); err != nil {
			return err
		}
	}
}
