// Package message implements the CoAP wire codec: the fixed header, token,
// option stream and payload marker described by RFC 7252 section 3, plus
// the stream-transport framing of RFC 8323 section 3.2.
package message

import "fmt"

// Type is the 2-bit message type field.
type Type uint8

const (
	Confirmable    Type = 0
	NonConfirmable Type = 1
	Acknowledgement Type = 2
	Reset          Type = 3
)

var typeNames = [4]string{"CON", "NON", "ACK", "RST"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", t)
}

// Code is the 8-bit request/response/signalling code, split class.detail.
type Code uint8

func (c Code) Class() int  { return int(c) >> 5 }
func (c Code) Detail() int { return int(c) & 0x1f }

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// IsRequest reports whether the code is a request method (class 0, detail != 0).
func (c Code) IsRequest() bool { return c.Class() == 0 && c.Detail() != 0 }

// IsResponse reports whether the code is a response (class 2-5).
func (c Code) IsResponse() bool { cl := c.Class(); return cl >= 2 && cl <= 5 }

// IsSignal reports whether the code is a stream-transport signalling code (class 7).
func (c Code) IsSignal() bool { return c.Class() == 7 }

func code(class, detail int) Code { return Code(class<<5 | detail) }

// Request method codes.
const (
	Empty  Code = 0
	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4
	FETCH  Code = 5
	PATCH  Code = 6
	IPATCH Code = 7
)

// Response codes.
var (
	Created               = code(2, 1)
	Deleted               = code(2, 2)
	Valid                 = code(2, 3)
	Changed               = code(2, 4)
	Content               = code(2, 5)
	Continue              = code(2, 31)
	BadRequest            = code(4, 0)
	Unauthorized          = code(4, 1)
	BadOption             = code(4, 2)
	Forbidden             = code(4, 3)
	NotFound              = code(4, 4)
	MethodNotAllowed      = code(4, 5)
	NotAcceptable         = code(4, 6)
	RequestEntityIncomplete = code(4, 8)
	Conflict              = code(4, 9)
	PreconditionFailed    = code(4, 12)
	RequestEntityTooLarge = code(4, 13)
	UnsupportedMediaType  = code(4, 15)
	InternalServerError   = code(5, 0)
	NotImplemented        = code(5, 1)
	BadGateway            = code(5, 2)
	ServiceUnavailable    = code(5, 3)
	GatewayTimeout        = code(5, 4)
	ProxyingNotSupported  = code(5, 5)
)

// Signalling codes (RFC 8323 section 5), class 7, stream transport only.
var (
	CSM     = code(7, 1) // Capabilities and Settings Message
	Ping    = code(7, 2)
	Pong    = code(7, 3)
	Release = code(7, 4)
	Abort   = code(7, 5)
)

var codeNames = map[Code]string{
	Empty: "0.00", GET: "GET", POST: "POST", PUT: "PUT", DELETE: "DELETE",
	FETCH: "FETCH", PATCH: "PATCH", IPATCH: "iPATCH",
	Created: "2.01 Created", Deleted: "2.02 Deleted", Valid: "2.03 Valid",
	Changed: "2.04 Changed", Content: "2.05 Content", Continue: "2.31 Continue",
	BadRequest: "4.00 BadRequest", Unauthorized: "4.01 Unauthorized",
	BadOption: "4.02 BadOption", Forbidden: "4.03 Forbidden",
	NotFound: "4.04 NotFound", MethodNotAllowed: "4.05 MethodNotAllowed",
	NotAcceptable: "4.06 NotAcceptable",
	RequestEntityIncomplete: "4.08 RequestEntityIncomplete",
	Conflict: "4.09 Conflict",
	PreconditionFailed: "4.12 PreconditionFailed",
	RequestEntityTooLarge: "4.13 RequestEntityTooLarge",
	UnsupportedMediaType: "4.15 UnsupportedMediaType",
	InternalServerError: "5.00 InternalServerError",
	NotImplemented: "5.01 NotImplemented",
	BadGateway: "5.02 BadGateway",
	ServiceUnavailable: "5.03 ServiceUnavailable",
	GatewayTimeout: "5.04 GatewayTimeout",
	ProxyingNotSupported: "5.05 ProxyingNotSupported",
	CSM: "7.01 CSM", Ping: "7.02 Ping", Pong: "7.03 Pong",
	Release: "7.04 Release", Abort: "7.05 Abort",
}

// MediaType is a Content-Format/Accept identifier (RFC 7252 section 12.3).
type MediaType uint16

const (
	TextPlain     MediaType = 0
	AppLinkFormat MediaType = 40
	AppXML        MediaType = 41
	AppOctets     MediaType = 42
	AppExi        MediaType = 47
	AppJSON       MediaType = 50
	AppCBOR       MediaType = 60
)
