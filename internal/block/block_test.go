package block

import (
	"bytes"
	"testing"

	"github.com/businka/go-coap-engine/internal/coaperr"
	"github.com/businka/go-coap-engine/message"
)

func TestStartAndContinueOutbound(t *testing.T) {
	s := New()
	payload := bytes.Repeat([]byte("0123456789"), 5) // 50 bytes
	szx := message.SZXForSize(16)                     // block size 16

	first, bv := s.StartOutbound("peer", "tok", payload, szx)
	if !bv.More || bv.Num != 0 {
		t.Fatalf("want more=true num=0 for first block, got %+v", bv)
	}
	got := append([]byte(nil), first...)

	num := uint32(1)
	for {
		chunk, next, ok := s.ContinueOutbound("peer", "tok", num, szx)
		if !ok {
			t.Fatalf("block %d: expected a chunk", num)
		}
		got = append(got, chunk...)
		if !next.More {
			break
		}
		num++
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}

	if _, _, ok := s.ContinueOutbound("peer", "tok", num, szx); ok {
		t.Fatal("outbound store should be cleared after the last block")
	}
}

func TestAcceptInboundReassemblesInOrder(t *testing.T) {
	s := New()
	szx := message.SZXForSize(16)

	b1, done, err := s.AcceptInbound("peer", "tok", message.BlockValue{Num: 0, More: true, SZX: szx}, []byte("0123456789012345"), nil)
	if err != nil || done {
		t.Fatalf("first block: done=%v err=%v", done, err)
	}
	if b1 != nil {
		t.Fatal("incomplete transfer must not return a payload")
	}

	full, done, err := s.AcceptInbound("peer", "tok", message.BlockValue{Num: 1, More: false, SZX: szx}, []byte("end"), nil)
	if err != nil {
		t.Fatalf("final block: %v", err)
	}
	if !done {
		t.Fatal("want done=true on the final block")
	}
	if string(full) != "0123456789012345end" {
		t.Fatalf("reassembled payload = %q", full)
	}
}

func TestAcceptInboundRejectsOutOfOrderBlock(t *testing.T) {
	s := New()
	szx := message.SZXForSize(16)

	if _, _, err := s.AcceptInbound("peer", "tok", message.BlockValue{Num: 1, More: true, SZX: szx}, []byte("x"), nil); !coaperr.Is(err, coaperr.RequestEntityIncomplete) {
		t.Fatalf("want RequestEntityIncomplete starting mid-sequence, got %v", err)
	}

	if _, _, err := s.AcceptInbound("peer", "tok2", message.BlockValue{Num: 0, More: true, SZX: szx}, []byte("x"), nil); err != nil {
		t.Fatalf("block 0 should be accepted: %v", err)
	}
	if _, _, err := s.AcceptInbound("peer", "tok2", message.BlockValue{Num: 2, More: false, SZX: szx}, []byte("y"), nil); !coaperr.Is(err, coaperr.RequestEntityIncomplete) {
		t.Fatalf("want RequestEntityIncomplete skipping a block number, got %v", err)
	}
}

func TestAcceptInboundRejectsShrinkingSizeHint(t *testing.T) {
	s := New()
	szx := message.SZXForSize(16)
	size := uint32(100)

	if _, _, err := s.AcceptInbound("peer", "tok", message.BlockValue{Num: 0, More: true, SZX: szx}, []byte("0123456789012345"), &size); err != nil {
		t.Fatalf("first block: %v", err)
	}
	smaller := uint32(10)
	if _, _, err := s.AcceptInbound("peer", "tok", message.BlockValue{Num: 1, More: false, SZX: szx}, []byte("x"), &smaller); !coaperr.Is(err, coaperr.RequestEntityTooLarge) {
		t.Fatalf("want RequestEntityTooLarge on a shrinking Size1/Size2, got %v", err)
	}
}
