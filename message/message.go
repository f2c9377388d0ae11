package message

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
)

// Decode errors surfaced to the message layer (§4.1 Failure behavior).
var (
	ErrShort            = errors.New("message: truncated header")
	ErrVersion          = errors.New("message: unsupported version")
	ErrTokenLength      = errors.New("message: token length exceeds 8 bytes")
	ErrTruncatedToken   = errors.New("message: truncated token")
	ErrTruncatedOption  = errors.New("message: truncated option")
	ErrOptionNibble     = errors.New("message: illegal option nibble 15 outside payload marker")
	ErrTruncatedPayload = errors.New("message: truncated payload marker")
)

// UnknownCriticalOptionError is returned by Decode when a critical
// (odd-numbered) option is not present in the Registry.
type UnknownCriticalOptionError struct {
	ID OptionID
}

func (e *UnknownCriticalOptionError) Error() string {
	return "message: unrecognized critical option " + optionName(e.ID)
}

func optionName(id OptionID) string {
	if def, ok := Registry[id]; ok {
		return def.Name
	}
	return "?"
}

// Message is a CoAP protocol data unit (§3 Data Model).
type Message struct {
	Version   uint8
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   Options
	Payload   []byte

	// Endpoint annotations, not transmitted on the wire.
	Src       string
	Dst       string
	Scheme    string
	Multicast bool
}

// Clone returns a deep copy safe to mutate independently of m.
func (m *Message) Clone() *Message {
	c := *m
	c.Token = append([]byte(nil), m.Token...)
	c.Options = append(Options(nil), m.Options...)
	c.Payload = append([]byte(nil), m.Payload...)
	return &c
}

// IsConfirmable reports whether the message demands an acknowledgement.
func (m *Message) IsConfirmable() bool { return m.Type == Confirmable }

// IsEmpty reports whether the message carries Ack/Reset semantics only (code 0).
func (m *Message) IsEmpty() bool { return m.Code == Empty }

// Path returns the joined Uri-Path option values.
func (m *Message) Path() string {
	parts := m.Options.Get(URIPath)
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if s, ok := p.(string); ok {
			segs = append(segs, s)
		}
	}
	return strings.Join(segs, "/")
}

// SetPath replaces the Uri-Path options with the segments of a "/"-joined path.
func (m *Message) SetPath(p string) {
	m.Options = m.Options.Without(URIPath)
	p = strings.Trim(p, "/")
	if p == "" {
		return
	}
	for _, seg := range strings.Split(p, "/") {
		m.Options = append(m.Options, Option{URIPath, seg})
	}
}

// AddOption appends an option, preserving insertion order for repeatable options.
func (m *Message) AddOption(id OptionID, v interface{}) {
	m.Options = append(m.Options, Option{id, v})
}

// SetOption discards any previous value(s) for id and sets a single new one.
func (m *Message) SetOption(id OptionID, v interface{}) {
	m.Options = m.Options.Without(id)
	m.AddOption(id, v)
}

const (
	extByte      = 13
	extByteBase  = 13
	extWord      = 14
	extWordBase  = 269
	nibbleError  = 15
	payloadMark  = 0xff
)

// Encode produces the binary form of m (RFC 7252 section 3).
func (m *Message) Encode() ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, ErrTokenLength
	}
	var buf bytes.Buffer
	ver := m.Version
	if ver == 0 {
		ver = 1
	}
	buf.WriteByte((ver << 6) | (uint8(m.Type) << 4) | uint8(len(m.Token)&0xf))
	buf.WriteByte(byte(m.Code))
	var mid [2]byte
	binary.BigEndian.PutUint16(mid[:], m.MessageID)
	buf.Write(mid[:])
	buf.Write(m.Token)

	opts := m.Options.Sorted()
	prev := 0
	writeExt := func(v int) (nibble int, ext []byte) {
		switch {
		case v < extByteBase:
			return v, nil
		case v < extWordBase:
			return extByte, []byte{byte(v - extByteBase)}
		default:
			var b [2]byte
			binary.BigEndian.PutUint16(b[:], uint16(v-extWordBase))
			return extWord, b[:]
		}
	}
	for _, o := range opts {
		val := o.Bytes()
		delta := int(o.ID) - prev
		dn, dext := writeExt(delta)
		ln, lext := writeExt(len(val))
		buf.WriteByte(byte(dn<<4) | byte(ln))
		buf.Write(dext)
		buf.Write(lext)
		buf.Write(val)
		prev = int(o.ID)
	}

	if len(m.Payload) > 0 {
		buf.WriteByte(payloadMark)
		buf.Write(m.Payload)
	}
	return buf.Bytes(), nil
}

// PeekMID extracts the message-ID from a datagram without validating the
// rest of the header, for building a Reset reply to a datagram whose
// version or other header field failed validation (spec §4.1, §8 S6).
func PeekMID(data []byte) (uint16, bool) {
	if len(data) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint16(data[2:4]), true
}

// Decode parses a Message from raw datagram bytes.
//
// A truncated header/option/token, a token over 8 bytes, an illegal nibble
// 15 outside the payload marker, or an unrecognized critical option number
// returns an error (the caller replies with Reset, per §4.1).
func Decode(data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, ErrShort
	}
	if data[0]>>6 != 1 {
		return nil, ErrVersion
	}
	m := &Message{Version: 1}
	m.Type = Type((data[0] >> 4) & 0x3)
	tkl := int(data[0] & 0xf)
	if tkl > 8 {
		return nil, ErrTokenLength
	}
	m.Code = Code(data[1])
	m.MessageID = binary.BigEndian.Uint16(data[2:4])

	b := data[4:]
	if len(b) < tkl {
		return nil, ErrTruncatedToken
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), b[:tkl]...)
	}
	b = b[tkl:]

	prev := 0
	readExt := func(nibble int) (int, error) {
		switch nibble {
		case extByte:
			if len(b) < 1 {
				return 0, ErrTruncatedOption
			}
			v := int(b[0]) + extByteBase
			b = b[1:]
			return v, nil
		case extWord:
			if len(b) < 2 {
				return 0, ErrTruncatedOption
			}
			v := int(binary.BigEndian.Uint16(b[:2])) + extWordBase
			b = b[2:]
			return v, nil
		default:
			return nibble, nil
		}
	}

	for len(b) > 0 {
		if b[0] == payloadMark {
			b = b[1:]
			if len(b) == 0 {
				return nil, ErrTruncatedPayload
			}
			break
		}
		deltaNibble := int(b[0] >> 4)
		lenNibble := int(b[0] & 0xf)
		if deltaNibble == nibbleError || lenNibble == nibbleError {
			return nil, ErrOptionNibble
		}
		b = b[1:]
		delta, err := readExt(deltaNibble)
		if err != nil {
			return nil, err
		}
		length, err := readExt(lenNibble)
		if err != nil {
			return nil, err
		}
		if len(b) < length {
			return nil, ErrTruncatedOption
		}
		id := OptionID(prev + delta)
		raw := b[:length]
		b = b[length:]
		prev = int(id)

		val, ok := ParseValue(id, raw)
		if !ok {
			if id.IsCritical() {
				return nil, &UnknownCriticalOptionError{ID: id}
			}
			// Unknown elective option: ignored silently (RFC 7252 5.4.1).
			continue
		}
		m.Options = append(m.Options, Option{ID: id, Value: val})
	}
	m.Payload = append([]byte(nil), b...)
	return m, nil
}
