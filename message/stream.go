package message

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// Stream framing (RFC 8323 section 3.2): a message on a byte-stream
// transport is preceded by a frame whose first byte's high nibble selects
// a length class and whose low nibble is the token length. No message-ID
// is transmitted; matching on stream transports is by token only.
//
//	len nibble 0-12   : literal length
//	len nibble 13      : 1-byte extension, offset 13
//	len nibble 14      : 2-byte extension, offset 269
//	len nibble 15      : 4-byte extension, offset 65805
const (
	lenExt1      = 13
	lenExt1Base  = 13
	lenExt2      = 14
	lenExt2Base  = 269
	lenExt4      = 15
	lenExt4Base  = 65805
)

var ErrStreamFrameTooLarge = errors.New("message: stream frame exceeds configured maximum")

// EncodeStream renders m as a length-prefixed frame for a stream transport.
// The message's MessageID is not transmitted.
func EncodeStream(m *Message) ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, ErrTokenLength
	}
	body, err := encodeStreamBody(m)
	if err != nil {
		return nil, err
	}
	length := len(body)

	var head []byte
	switch {
	case length < lenExt1Base:
		head = []byte{byte(length<<4) | byte(len(m.Token))}
	case length < lenExt2Base:
		head = []byte{byte(lenExt1<<4) | byte(len(m.Token)), byte(length - lenExt1Base)}
	case length < lenExt4Base:
		head = make([]byte, 3)
		head[0] = byte(lenExt2<<4) | byte(len(m.Token))
		binary.BigEndian.PutUint16(head[1:3], uint16(length-lenExt2Base))
	default:
		head = make([]byte, 5)
		head[0] = byte(lenExt4<<4) | byte(len(m.Token))
		binary.BigEndian.PutUint32(head[1:5], uint32(length-lenExt4Base))
	}
	return append(head, body...), nil
}

// encodeStreamBody renders code, token, options and payload marker/payload
// without the 4-byte UDP header or message-ID.
func encodeStreamBody(m *Message) ([]byte, error) {
	full, err := m.Encode()
	if err != nil {
		return nil, err
	}
	// full = [header(4)][token][options][marker+payload]; strip the 4-byte
	// UDP header and move Code in front of the token.
	code := full[1]
	rest := full[4+len(m.Token):]
	out := make([]byte, 0, 1+len(m.Token)+len(rest))
	out = append(out, code)
	out = append(out, m.Token...)
	out = append(out, rest...)
	return out, nil
}

// DecodeStream reads one framed message from r. maxMessageSize bounds the
// frame body length (0 disables the bound).
func DecodeStream(r *bufio.Reader, maxMessageSize uint32) (*Message, error) {
	first, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	lenNibble := int(first >> 4)
	tkl := int(first & 0xf)
	if tkl > 8 {
		return nil, ErrTokenLength
	}

	var length int
	switch lenNibble {
	case lenExt1:
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		length = int(b) + lenExt1Base
	case lenExt2:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		length = int(binary.BigEndian.Uint16(b[:])) + lenExt2Base
	case lenExt4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		length = int(binary.BigEndian.Uint32(b[:])) + lenExt4Base
	default:
		length = lenNibble
	}
	if maxMessageSize > 0 && uint32(length) > maxMessageSize {
		return nil, ErrStreamFrameTooLarge
	}

	// length is the size of [code][token][options+marker+payload] as a
	// single run (the same body EncodeStream measured).
	if length < 1+tkl {
		return nil, ErrShort
	}
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}
	// body holds [code][token][rest]; re-pack into the shape Decode expects:
	// [ver/type/tkl][code][mid=0,0][token][rest]
	code := body[0]
	token := body[1 : 1+tkl]
	rest := body[1+tkl:]
	packed := make([]byte, 0, 4+tkl+len(rest))
	packed = append(packed, (1<<6)|uint8(tkl&0xf), code, 0, 0)
	packed = append(packed, token...)
	packed = append(packed, rest...)
	return Decode(packed)
}
