package message

import "errors"

// ErrInvalidBlockSizeExponent describes an szx outside 0-6 (7 is reserved
// for the stream variant's BERT blocks, not implemented here, §4.1/§4.3).
// No function in this package returns it: DecodeBlockValue passes a raw
// szx of 7 through unchanged, and SZXForSize always yields 0-6.
var ErrInvalidBlockSizeExponent = errors.New("message: block size exponent out of range 0-6")

// BlockValue is the decoded form of a Block1/Block2 option (RFC 7959 section 2.1).
type BlockValue struct {
	Num  uint32
	More bool
	SZX  uint8 // size exponent; size = 2^(SZX+4)
}

// Size returns 2^(SZX+4), the block payload size in bytes.
func (b BlockValue) Size() int { return 1 << (uint(b.SZX) + 4) }

// Encode packs the block value into its compact uint encoding.
func (b BlockValue) Encode() uint32 {
	v := b.Num << 4
	if b.More {
		v |= 0x8
	}
	v |= uint32(b.SZX)
	return v
}

// DecodeBlockValue unpacks a Block1/Block2 option's raw uint value.
func DecodeBlockValue(raw uint32) BlockValue {
	return BlockValue{
		Num:  raw >> 4,
		More: raw&0x8 != 0,
		SZX:  uint8(raw & 0x7),
	}
}

// SZXForSize returns the largest valid exponent whose block size does not
// exceed want, clamped to the legal range 0-6.
func SZXForSize(want int) uint8 {
	szx := 6
	for szx > 0 && (1<<(szx+4)) > want {
		szx--
	}
	return uint8(szx)
}
