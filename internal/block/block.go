// Package block implements the block-wise transfer layer (spec §4.3):
// segmenting outbound payloads and reassembling inbound ones across
// Block1/Block2 exchanges, keyed by (peer, token) as specified.
package block

import (
	"sync"

	"github.com/businka/go-coap-engine/internal/coaperr"
	"github.com/businka/go-coap-engine/message"
)

type storeKey struct {
	peer  string
	token string
}

// outbound holds the remainder of a payload being served one block at a time.
type outbound struct {
	data []byte
	szx  uint8
	size int // total length, advertised via Size1/Size2
}

// inbound holds a reassembly buffer for an in-progress transfer.
type inbound struct {
	buf      []byte
	nextNum  uint32
	size     uint32 // last-seen Size1/Size2 advertisement, must be non-decreasing
}

// Store is the per-endpoint block-layer state: one outbound split store and
// one inbound reassembly store, both keyed by (peer, token).
type Store struct {
	mu       sync.Mutex
	outbound map[storeKey]*outbound
	inbound  map[storeKey]*inbound
}

func New() *Store {
	return &Store{
		outbound: make(map[storeKey]*outbound),
		inbound:  make(map[storeKey]*inbound),
	}
}

// InboundCount reports the number of open reassembly buffers (for metrics).
func (s *Store) InboundCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbound)
}

// StartOutbound splits payload into blocks of size 2^(szx+4) and retains
// everything past the first block, keyed by (peer, token). Returns the
// first block's bytes and its BlockValue.
func (s *Store) StartOutbound(peer, token string, payload []byte, szx uint8) ([]byte, message.BlockValue) {
	size := 1 << (uint(szx) + 4)
	first := payload
	more := false
	if len(payload) > size {
		first = payload[:size]
		more = true
	}
	if more {
		s.mu.Lock()
		s.outbound[storeKey{peer, token}] = &outbound{data: payload[size:], szx: szx, size: len(payload)}
		s.mu.Unlock()
	}
	return first, message.BlockValue{Num: 0, More: more, SZX: szx}
}

// ContinueOutbound serves block number num from the retained remainder.
// Exhaustion (more=false) clears the store entry, per spec §4.3.
func (s *Store) ContinueOutbound(peer, token string, num uint32, szx uint8) ([]byte, message.BlockValue, bool) {
	k := storeKey{peer, token}
	s.mu.Lock()
	defer s.mu.Unlock()
	ob, ok := s.outbound[k]
	if !ok {
		return nil, message.BlockValue{}, false
	}
	size := 1 << (uint(szx) + 4)
	blockSize := 1 << (uint(ob.szx) + 4)
	offset := (int(num) - 1) * blockSize
	if offset < 0 || offset > len(ob.data) {
		return nil, message.BlockValue{}, false
	}
	end := offset + size
	more := true
	if end >= len(ob.data) {
		end = len(ob.data)
		more = false
	}
	chunk := ob.data[offset:end]
	if !more {
		delete(s.outbound, k)
	}
	return chunk, message.BlockValue{Num: num, More: more, SZX: szx}, true
}

// OutboundTotal returns the total payload length of an in-progress outbound
// split transfer, for stamping Size1/Size2 on every block.
func (s *Store) OutboundTotal(peer, token string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ob, ok := s.outbound[storeKey{peer, token}]
	if !ok {
		return 0, false
	}
	return ob.size, true
}

// ClearOutbound discards a retained outbound remainder (e.g. on reset/restart).
func (s *Store) ClearOutbound(peer, token string) {
	s.mu.Lock()
	delete(s.outbound, storeKey{peer, token})
	s.mu.Unlock()
}

// AcceptInbound appends an accepted block to the (peer, token) reassembly
// buffer. A block number other than the next expected one is rejected with
// RequestEntityIncomplete (block ordering invariant). When the block's
// more-flag is false, the assembled payload is returned complete=true and
// the buffer is cleared. sizeHint is the Size1/Size2 option value, if present.
func (s *Store) AcceptInbound(peer, token string, bv message.BlockValue, payload []byte, sizeHint *uint32) (complete []byte, done bool, err error) {
	k := storeKey{peer, token}
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.inbound[k]
	if buf == nil {
		if bv.Num != 0 {
			return nil, false, coaperr.New(coaperr.RequestEntityIncomplete, nil)
		}
		buf = &inbound{}
		s.inbound[k] = buf
	}
	if bv.Num != buf.nextNum {
		return nil, false, coaperr.New(coaperr.RequestEntityIncomplete, nil)
	}
	if sizeHint != nil {
		if *sizeHint < buf.size {
			return nil, false, coaperr.New(coaperr.RequestEntityTooLarge, nil)
		}
		buf.size = *sizeHint
	}
	buf.buf = append(buf.buf, payload...)
	buf.nextNum++

	if !bv.More {
		out := buf.buf
		delete(s.inbound, k)
		return out, true, nil
	}
	return nil, false, nil
}

// ClearInbound discards a reassembly buffer, e.g. after a restart signal.
func (s *Store) ClearInbound(peer, token string) {
	s.mu.Lock()
	delete(s.inbound, storeKey{peer, token})
	s.mu.Unlock()
}
