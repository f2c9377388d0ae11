package coap

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/businka/go-coap-engine/internal/config"
	"github.com/businka/go-coap-engine/internal/endpoint"
	"github.com/businka/go-coap-engine/internal/resource"
	"github.com/businka/go-coap-engine/message"
)

func bindLoopback(t *testing.T, srv *Server) *endpoint.Endpoint {
	t.Helper()
	eps, err := srv.AddEndpoint("coap://127.0.0.1:0", endpoint.Options{})
	if err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}
	if len(eps) != 1 {
		t.Fatalf("want 1 bound endpoint, got %d", len(eps))
	}
	return eps[0]
}

func dstOf(e *endpoint.Endpoint) string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// TestRequestResponseRoundTrip exercises the full Reception->Dispatch->
// response path over a real loopback UDP socket (spec §8 scenario S1).
func TestRequestResponseRoundTrip(t *testing.T) {
	server := NewServer()
	defer server.Close()
	serverEP := bindLoopback(t, server)

	hello := server.AddResource("hello")
	hello.Handle(message.GET, func(req *resource.Request) (*resource.Result, error) {
		return &resource.Result{Code: message.Content, Payload: []byte("world"), ContentFormat: message.TextPlain}, nil
	})

	client := NewServer()
	defer client.Close()
	bindLoopback(t, client)

	req := &message.Message{Code: message.GET, Dst: dstOf(serverEP), Scheme: string(endpoint.SchemeCoAP)}
	req.SetPath("hello")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.SendMessage(ctx, req)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.Code != message.Content {
		t.Fatalf("want 2.05 Content, got %v", resp.Code)
	}
	if !bytes.Equal(resp.Payload, []byte("world")) {
		t.Fatalf("want payload %q, got %q", "world", resp.Payload)
	}
}

// TestMethodNotAllowedOnUnhandledMethod covers spec §8 scenario S1's
// negative case: a known method with no registered handler.
func TestMethodNotAllowedOnUnhandledMethod(t *testing.T) {
	server := NewServer()
	defer server.Close()
	serverEP := bindLoopback(t, server)
	server.AddResource("hello").Handle(message.GET, func(*resource.Request) (*resource.Result, error) {
		return &resource.Result{Code: message.Content}, nil
	})

	client := NewServer()
	defer client.Close()
	bindLoopback(t, client)

	req := &message.Message{Code: message.DELETE, Dst: dstOf(serverEP), Scheme: string(endpoint.SchemeCoAP)}
	req.SetPath("hello")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.SendMessage(ctx, req)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.Code != message.MethodNotAllowed {
		t.Fatalf("want 4.05 MethodNotAllowed, got %v", resp.Code)
	}
}

// TestObserveNotification covers spec §8 scenario S4/§4.4: subscribe, then
// receive a push once the resource's representation changes.
func TestObserveNotification(t *testing.T) {
	server := NewServer()
	defer server.Close()
	serverEP := bindLoopback(t, server)

	temp := server.AddResource("temp")
	temp.SetObservable(true)
	temp.SetRepresentation(message.TextPlain, []byte("20"))
	temp.Handle(message.GET, func(req *resource.Request) (*resource.Result, error) {
		payload, _ := temp.Representation(message.TextPlain)
		return &resource.Result{Code: message.Content, Payload: payload, ContentFormat: message.TextPlain}, nil
	})

	client := NewServer()
	defer client.Close()
	bindLoopback(t, client)

	req := &message.Message{Code: message.GET, Dst: dstOf(serverEP), Scheme: string(endpoint.SchemeCoAP)}
	req.SetPath("temp")
	req.SetOption(message.Observe, uint32(0))

	notifications := make(chan *message.Message, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, err := client.SendMessage(ctx, req, WithObserveCallback(func(m *message.Message) {
		notifications <- m
	}))
	if err != nil {
		t.Fatalf("initial GET: %v", err)
	}
	if string(first.Payload) != "20" {
		t.Fatalf("want initial payload 20, got %q", first.Payload)
	}

	temp.SetRepresentation(message.TextPlain, []byte("21"))
	server.NotifyChanged("temp")

	select {
	case n := <-notifications:
		if string(n.Payload) != "21" {
			t.Fatalf("want notification payload 21, got %q", n.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received observe notification")
	}
}

// TestBlockwiseClientReassembly covers spec §8 scenario S3/§4.3: a response
// too large for one datagram is split into Block2 blocks and the client
// reassembles them transparently.
func TestBlockwiseClientReassembly(t *testing.T) {
	cfg := config.Default()
	cfg.PreferredBlockSZX = 0 // 16-byte blocks, to force multiple blocks cheaply
	server := NewServer(WithConfig(cfg))
	defer server.Close()
	serverEP := bindLoopback(t, server)

	big := bytes.Repeat([]byte("0123456789"), 10) // 100 bytes
	server.AddResource("big").Handle(message.GET, func(req *resource.Request) (*resource.Result, error) {
		return &resource.Result{Code: message.Content, Payload: big, ContentFormat: message.TextPlain}, nil
	})

	client := NewServer()
	defer client.Close()
	bindLoopback(t, client)

	req := &message.Message{Code: message.GET, Dst: dstOf(serverEP), Scheme: string(endpoint.SchemeCoAP)}
	req.SetPath("big")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.SendMessage(ctx, req)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !bytes.Equal(resp.Payload, big) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(resp.Payload), len(big))
	}
}

// TestMalformedDatagramGetsReset covers spec §8 scenario S6: a datagram
// with an unsupported version is answered with a Reset, not silently
// dropped or crashing the engine.
func TestMalformedDatagramGetsReset(t *testing.T) {
	server := NewServer()
	defer server.Close()
	serverEP := bindLoopback(t, server)

	conn, err := net.Dial("udp", dstOf(serverEP))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// version bits (top 2 of byte 0) set to 0, an unsupported version;
	// message-id bytes are 0x00 0x2A so PeekMID can still recover it.
	bad := []byte{0x00, byte(message.GET), 0x00, 0x2A}
	if _, err := conn.Write(bad); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	resp, err := message.Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode reset: %v", err)
	}
	if resp.Type != message.Reset {
		t.Fatalf("want Reset, got %v", resp.Type)
	}
	if resp.MessageID != 0x2A {
		t.Fatalf("want echoed message-id 0x2A, got %#x", resp.MessageID)
	}
}
