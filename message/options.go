package message

import (
	"encoding/binary"
	"sort"
)

// OptionID identifies an option number (RFC 7252 section 5.10, RFC 7959,
// RFC 7641, RFC 7967, RFC 9175).
type OptionID uint16

const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
	NoResponse    OptionID = 258
	Echo          OptionID = 252
	RequestTag    OptionID = 292

	// Stream-transport signalling options (RFC 8323 section 5.3-5.4).
	MaxMessageSize     OptionID = 2
	BlockWiseTransfer  OptionID = 4
	CustodyOption      OptionID = 2
	AlternativeAddress OptionID = 2
	HoldOff            OptionID = 4
	BadCSMOption       OptionID = 2
)

// ValueFormat is the wire encoding type of an option value (RFC 7252 section 3.2).
type ValueFormat uint8

const (
	ValueUnknown ValueFormat = iota
	ValueEmpty
	ValueOpaque
	ValueUint
	ValueString
)

// Definition records registry metadata for a known option number (§3 Data Model).
type Definition struct {
	Name       string
	Format     ValueFormat
	MinLen     int
	MaxLen     int
	Repeatable bool
	// Critical options are odd-numbered; unrecognized ones must reject the message.
	Critical bool
	// SafeToForward / CacheKey describe proxy behavior; carried for completeness
	// even though proxying itself is a Non-goal.
	SafeToForward bool
	CacheKey      bool
	Default       interface{}
}

func (o OptionID) IsCritical() bool { return o&1 == 1 }

// Registry is the immutable, process-scoped option table built at startup
// (Design Note "Global state").
var Registry = map[OptionID]Definition{
	IfMatch:       {Name: "If-Match", Format: ValueOpaque, MinLen: 0, MaxLen: 8, Repeatable: true, Critical: true, CacheKey: true},
	URIHost:       {Name: "Uri-Host", Format: ValueString, MinLen: 1, MaxLen: 255, Critical: true, SafeToForward: true, CacheKey: true},
	ETag:          {Name: "ETag", Format: ValueOpaque, MinLen: 1, MaxLen: 8, Repeatable: true},
	IfNoneMatch:   {Name: "If-None-Match", Format: ValueEmpty, MinLen: 0, MaxLen: 0, Critical: true, CacheKey: true},
	Observe:       {Name: "Observe", Format: ValueUint, MinLen: 0, MaxLen: 3},
	URIPort:       {Name: "Uri-Port", Format: ValueUint, MinLen: 0, MaxLen: 2, Critical: true, SafeToForward: true, CacheKey: true},
	LocationPath:  {Name: "Location-Path", Format: ValueString, MinLen: 0, MaxLen: 255, Repeatable: true},
	URIPath:       {Name: "Uri-Path", Format: ValueString, MinLen: 0, MaxLen: 255, Repeatable: true, Critical: true, SafeToForward: true, CacheKey: true},
	ContentFormat: {Name: "Content-Format", Format: ValueUint, MinLen: 0, MaxLen: 2, CacheKey: true},
	MaxAge:        {Name: "Max-Age", Format: ValueUint, MinLen: 0, MaxLen: 4, SafeToForward: true, Default: uint32(60)},
	URIQuery:      {Name: "Uri-Query", Format: ValueString, MinLen: 0, MaxLen: 255, Repeatable: true, Critical: true, SafeToForward: true, CacheKey: true},
	Accept:        {Name: "Accept", Format: ValueUint, MinLen: 0, MaxLen: 2, Critical: true, CacheKey: true},
	LocationQuery: {Name: "Location-Query", Format: ValueString, MinLen: 0, MaxLen: 255, Repeatable: true},
	Block2:        {Name: "Block2", Format: ValueUint, MinLen: 0, MaxLen: 3, Critical: true, SafeToForward: true, CacheKey: true},
	Block1:        {Name: "Block1", Format: ValueUint, MinLen: 0, MaxLen: 3, Critical: true, SafeToForward: true, CacheKey: true},
	Size2:         {Name: "Size2", Format: ValueUint, MinLen: 0, MaxLen: 4, SafeToForward: true},
	ProxyURI:      {Name: "Proxy-Uri", Format: ValueString, MinLen: 1, MaxLen: 1034, Critical: true, SafeToForward: true, CacheKey: true},
	ProxyScheme:   {Name: "Proxy-Scheme", Format: ValueString, MinLen: 1, MaxLen: 255, Critical: true, SafeToForward: true, CacheKey: true},
	Size1:         {Name: "Size1", Format: ValueUint, MinLen: 0, MaxLen: 4},
	NoResponse:    {Name: "No-Response", Format: ValueUint, MinLen: 0, MaxLen: 1, SafeToForward: true},
	Echo:          {Name: "Echo", Format: ValueOpaque, MinLen: 0, MaxLen: 40},
	RequestTag:    {Name: "Request-Tag", Format: ValueOpaque, MinLen: 0, MaxLen: 8, Repeatable: true, Critical: true, CacheKey: true},

	// CSM's Max-Message-Size (RFC 8323 section 5.3.1). Signalling codes each
	// have their own option-number space (Ping/Pong's Custody, Release's
	// Alternative-Address/Hold-Off and Abort's Bad-CSM-Option also reuse
	// number 2 or 4), but this registry is keyed by number alone and none of
	// those others are produced or consumed anywhere in this module.
	MaxMessageSize: {Name: "Max-Message-Size", Format: ValueUint, MinLen: 0, MaxLen: 4, Default: uint32(1152)},
}

// Option is a (number, value) pair as carried on the wire or in a Message.
type Option struct {
	ID    OptionID
	Value interface{}
}

func encodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		return b
	case v < 1<<24:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b[1:]
	default:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b
	}
}

func decodeUint(b []byte) uint32 {
	var tmp [4]byte
	copy(tmp[4-len(b):], b)
	return binary.BigEndian.Uint32(tmp[:])
}

// Bytes renders the option's value in its wire encoding.
func (o Option) Bytes() []byte {
	switch v := o.Value.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	case nil:
		return nil
	case MediaType:
		return encodeUint(uint32(v))
	case int:
		return encodeUint(uint32(v))
	case uint32:
		return encodeUint(v)
	case uint16:
		return encodeUint(uint32(v))
	case uint8:
		return encodeUint(uint32(v))
	default:
		return nil
	}
}

// ParseValue decodes a raw option value according to the registry, or
// returns (nil, false) for an unrecognized option (elective options are
// then ignored per RFC 7252 section 5.4.1, critical ones rejected by the caller).
func ParseValue(id OptionID, raw []byte) (interface{}, bool) {
	def, known := Registry[id]
	if !known {
		return nil, false
	}
	if len(raw) < def.MinLen || len(raw) > def.MaxLen {
		return nil, false
	}
	switch def.Format {
	case ValueUint:
		u := decodeUint(raw)
		if id == ContentFormat || id == Accept {
			return MediaType(u), true
		}
		return u, true
	case ValueString:
		return string(raw), true
	case ValueOpaque, ValueEmpty:
		return append([]byte(nil), raw...), true
	}
	return nil, false
}

// Options is a sortable collection honoring the wire ordering invariant:
// numbers ascending, repeated options in insertion order (stable sort).
type Options []Option

func (o Options) Len() int      { return len(o) }
func (o Options) Swap(i, j int) { o[i], o[j] = o[j], o[i] }
func (o Options) Less(i, j int) bool {
	if o[i].ID == o[j].ID {
		return false
	}
	return o[i].ID < o[j].ID
}

// Sorted returns a stably-sorted copy, satisfying the option-ordering invariant.
func (o Options) Sorted() Options {
	out := make(Options, len(o))
	copy(out, o)
	sort.Stable(out)
	return out
}

// Get returns all values for a given option number, in insertion order.
func (o Options) Get(id OptionID) []interface{} {
	var out []interface{}
	for _, opt := range o {
		if opt.ID == id {
			out = append(out, opt.Value)
		}
	}
	return out
}

// First returns the first value for a given option number, if any.
func (o Options) First(id OptionID) (interface{}, bool) {
	for _, opt := range o {
		if opt.ID == id {
			return opt.Value, true
		}
	}
	return nil, false
}

// Without returns a copy with every instance of id removed.
func (o Options) Without(id OptionID) Options {
	out := make(Options, 0, len(o))
	for _, opt := range o {
		if opt.ID != id {
			out = append(out, opt)
		}
	}
	return out
}
