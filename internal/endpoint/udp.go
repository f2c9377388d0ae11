package endpoint

import (
	"net"

	"github.com/businka/go-coap-engine/internal/logging"
)

const maxDatagram = 1500

// bindUDP opens a unicast or multicast UDP socket and starts its read loop,
// mirroring the teacher's own Serve() loop in server.go but feeding packets
// to handler instead of a single global callback.
func bindUDP(host string, port int, multicast bool, group string, handler PacketHandler, logger logging.Logger) (*Endpoint, error) {
	family := familyOf(host)
	network := "udp4"
	if family == "ip6" {
		network = "udp6"
	}

	var pc net.PacketConn
	var err error
	if multicast {
		gaddr := &net.UDPAddr{IP: net.ParseIP(group), Port: port}
		pc, err = net.ListenMulticastUDP(network, nil, gaddr)
	} else {
		laddr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
		pc, err = net.ListenUDP(network, laddr)
	}
	if err != nil {
		return nil, err
	}

	actualPort := port
	if udpAddr, ok := pc.LocalAddr().(*net.UDPAddr); ok {
		actualPort = udpAddr.Port
	}
	e := &Endpoint{Scheme: SchemeCoAP, Family: family, Host: host, Port: actualPort, Multicast: multicast, pc: pc}

	go func() {
		buf := make([]byte, maxDatagram)
		for {
			n, peer, err := pc.ReadFrom(buf)
			if err != nil {
				if logger != nil {
					logger.Debugf("udp read loop exiting on %s: %v", e.LocalAddr(), err)
				}
				return
			}
			data := append([]byte(nil), buf[:n]...)
			handler.HandlePacket(e, peer, data)
		}
	}()

	return e, nil
}
