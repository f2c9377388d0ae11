package message

import (
	"bufio"
	"bytes"
	"testing"
)

func TestEncodeDecodeStreamRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
	}{
		{"no-payload", nil},
		{"short-payload", []byte("hi")},
		{"payload-crossing-13-byte-boundary", bytes.Repeat([]byte("x"), 20)},
		{"payload-crossing-269-byte-boundary", bytes.Repeat([]byte("y"), 400)},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := &Message{Code: GET, Token: []byte{0x11, 0x22}, Payload: c.payload}
			m.SetPath("a/b")

			enc, err := EncodeStream(m)
			if err != nil {
				t.Fatalf("EncodeStream: %v", err)
			}
			got, err := DecodeStream(bufio.NewReader(bytes.NewReader(enc)), 0)
			if err != nil {
				t.Fatalf("DecodeStream: %v", err)
			}
			if got.Code != m.Code || !bytes.Equal(got.Token, m.Token) || !bytes.Equal(got.Payload, m.Payload) {
				t.Fatalf("round-trip mismatch: got %+v", got)
			}
			if got.Path() != "a/b" {
				t.Fatalf("path mismatch: got %q", got.Path())
			}
		})
	}
}

func TestDecodeStreamEnforcesMaxMessageSize(t *testing.T) {
	m := &Message{Code: GET, Payload: bytes.Repeat([]byte("z"), 100)}
	enc, err := EncodeStream(m)
	if err != nil {
		t.Fatalf("EncodeStream: %v", err)
	}
	_, err = DecodeStream(bufio.NewReader(bytes.NewReader(enc)), 10)
	if err != ErrStreamFrameTooLarge {
		t.Fatalf("want ErrStreamFrameTooLarge, got %v", err)
	}
}

func TestEncodeStreamOmitsMessageID(t *testing.T) {
	m := &Message{Code: GET, MessageID: 0xBEEF}
	enc, err := EncodeStream(m)
	if err != nil {
		t.Fatalf("EncodeStream: %v", err)
	}
	got, err := DecodeStream(bufio.NewReader(bytes.NewReader(enc)), 0)
	if err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if got.MessageID != 0 {
		t.Fatalf("want zero message-id over stream transport, got %d", got.MessageID)
	}
}
