package message

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  *Message
	}{
		{"get-no-options", &Message{Type: Confirmable, Code: GET, MessageID: 1, Token: []byte{0x01, 0x02}}},
		{"content-with-payload", &Message{Type: Acknowledgement, Code: Content, MessageID: 42, Token: []byte{0xAB}, Payload: []byte("hello")}},
		{"multiple-uri-path-segments", func() *Message {
			m := &Message{Type: NonConfirmable, Code: GET, MessageID: 7}
			m.SetPath("sensors/temp")
			return m
		}()},
		{"observe-option", func() *Message {
			m := &Message{Type: Confirmable, Code: GET, MessageID: 9}
			m.SetOption(Observe, uint32(0))
			return m
		}()},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			enc, err := c.msg.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(enc)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Type != c.msg.Type || got.Code != c.msg.Code || got.MessageID != c.msg.MessageID {
				t.Fatalf("header mismatch: got %+v, want %+v", got, c.msg)
			}
			if !bytes.Equal(got.Token, c.msg.Token) {
				t.Fatalf("token mismatch: got %x, want %x", got.Token, c.msg.Token)
			}
			if !bytes.Equal(got.Payload, c.msg.Payload) {
				t.Fatalf("payload mismatch: got %q, want %q", got.Payload, c.msg.Payload)
			}
		})
	}
}

func TestDecodeOptionsAreOrderedOnEncode(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET, MessageID: 1}
	// Appended out of numeric order; Encode must still emit ascending deltas.
	m.AddOption(ContentFormat, MediaType(0))
	m.AddOption(URIPath, "a")
	m.AddOption(Accept, MediaType(0))

	enc, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	// Decode keeps wire order, so got.Options shows the order Encode emitted.
	for i := 1; i < len(got.Options); i++ {
		if got.Options[i].ID < got.Options[i-1].ID {
			t.Fatalf("options not ascending on the wire: %+v", got.Options)
		}
	}
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	if _, err := Decode([]byte{0x40, 0x01}); err != ErrShort {
		t.Fatalf("want ErrShort, got %v", err)
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	data := []byte{0x00, byte(GET), 0x00, 0x01}
	if _, err := Decode(data); err != ErrVersion {
		t.Fatalf("want ErrVersion, got %v", err)
	}
}

func TestDecodeRejectsUnknownCriticalOption(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET, MessageID: 1}
	// Option 9 is odd (critical) and absent from the registry.
	m.AddOption(OptionID(9), []byte{0x01})
	enc, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, err = Decode(enc)
	ucoe, ok := err.(*UnknownCriticalOptionError)
	if !ok {
		t.Fatalf("want *UnknownCriticalOptionError, got %T (%v)", err, err)
	}
	if ucoe.ID != 9 {
		t.Fatalf("want option id 9, got %d", ucoe.ID)
	}
}

func TestDecodeIgnoresUnknownElectiveOption(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET, MessageID: 1}
	// Option 1000 is even (elective) and absent from the registry.
	m.AddOption(OptionID(1000), []byte{0x01})
	enc, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Options) != 0 {
		t.Fatalf("want unknown elective option dropped, got %+v", got.Options)
	}
}

func TestPeekMID(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET, MessageID: 0x1234}
	enc, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	mid, ok := PeekMID(enc)
	if !ok || mid != 0x1234 {
		t.Fatalf("PeekMID: got (%d, %v), want (0x1234, true)", mid, ok)
	}
	if _, ok := PeekMID([]byte{0x01}); ok {
		t.Fatal("PeekMID on short data should fail")
	}
}
