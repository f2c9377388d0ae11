package endpoint

import (
	"crypto/tls"
	"net"

	"github.com/businka/go-coap-engine/internal/logging"
	"github.com/pion/dtls/v2"
)

// bindDTLS wraps a unicast UDP socket in a DTLS context, per spec §4.6 ("the
// secure variant wraps its unicast sockets in a DTLS context"). Each
// accepted association is a net.Conn the engine reads/writes as if it were
// a connected peer on an otherwise-ordinary datagram endpoint.
func bindDTLS(host string, port int, certFile, keyFile string, handler PacketHandler, logger logging.Logger) (*Endpoint, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	cfg := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	}

	family := familyOf(host)
	network := "udp4"
	if family == "ip6" {
		network = "udp6"
	}
	laddr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	ln, err := dtls.Listen(network, laddr, cfg)
	if err != nil {
		return nil, err
	}

	e := &Endpoint{Scheme: SchemeCoAPS, Family: family, Host: host, Port: port, ln: ln}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if logger != nil {
					logger.Debugf("dtls listener exiting on %s: %v", e.LocalAddr(), err)
				}
				return
			}
			go dtlsConnLoop(e, conn, handler, logger)
		}
	}()

	return e, nil
}

func dtlsConnLoop(e *Endpoint, conn net.Conn, handler PacketHandler, logger logging.Logger) {
	defer conn.Close()
	e.registerConn(conn.RemoteAddr().String(), conn)
	defer e.removeConn(conn.RemoteAddr().String())
	buf := make([]byte, maxDatagram)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if logger != nil {
				logger.Debugf("dtls association %s closed: %v", conn.RemoteAddr(), err)
			}
			return
		}
		data := append([]byte(nil), buf[:n]...)
		handler.HandlePacket(e, conn.RemoteAddr(), data)
	}
}
