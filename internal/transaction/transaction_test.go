package transaction

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/businka/go-coap-engine/internal/config"
	"github.com/businka/go-coap-engine/internal/logging"
	"github.com/businka/go-coap-engine/message"
)

func newTestManager() *Manager {
	cfg := config.Default()
	cfg.AckTimeout = 10 * time.Millisecond
	cfg.AckRandomFactor = 1
	cfg.MaxRetransmit = 2
	mgr := New(cfg, nil, logging.Nop{})
	return mgr
}

func TestMatchIncomingRequestSuppressesDuplicate(t *testing.T) {
	mgr := newTestManager()
	defer mgr.Close()

	req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 5}
	t1, dup1 := mgr.MatchIncomingRequest("peer", req)
	if dup1 {
		t.Fatal("first arrival should not be a duplicate")
	}
	t2, dup2 := mgr.MatchIncomingRequest("peer", req)
	if !dup2 {
		t.Fatal("retransmitted request with same MID should be a duplicate")
	}
	if t1 != t2 {
		t.Fatal("duplicate should resolve to the same transaction")
	}
}

func TestMatchIncomingRequestDistinguishesPeers(t *testing.T) {
	mgr := newTestManager()
	defer mgr.Close()

	req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 5}
	_, dupA := mgr.MatchIncomingRequest("peerA", req)
	_, dupB := mgr.MatchIncomingRequest("peerB", req)
	if dupA || dupB {
		t.Fatal("same MID from distinct peers must not collide")
	}
}

func TestScheduleRetransmitStopsOnAck(t *testing.T) {
	mgr := newTestManager()
	defer mgr.Close()

	req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 9}
	var sends atomic.Int32
	tx := mgr.NewOutgoing("peer", req)
	resultCh := make(chan Result, 1)
	tx.Await(resultCh)
	mgr.ScheduleRetransmit(tx, []byte{0x00}, func([]byte) error {
		sends.Add(1)
		return nil
	}, nil)

	time.Sleep(15 * time.Millisecond)
	ack := &message.Message{Type: message.Acknowledgement, Code: message.Empty, MessageID: 9}
	mgr.HandleEmpty("peer", ack, nil)

	select {
	case res := <-resultCh:
		if res.Err != nil {
			t.Fatalf("want nil error on ack, got %v", res.Err)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("waiter never resolved after ack")
	}

	before := sends.Load()
	time.Sleep(50 * time.Millisecond)
	if sends.Load() != before {
		t.Fatal("retransmission continued after ack")
	}
}

func TestScheduleRetransmitTimesOutAfterMaxRetransmit(t *testing.T) {
	mgr := newTestManager()
	defer mgr.Close()

	req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 3}
	tx := mgr.NewOutgoing("peer", req)
	resultCh := make(chan Result, 1)
	tx.Await(resultCh)
	mgr.ScheduleRetransmit(tx, []byte{0x00}, func([]byte) error { return nil }, nil)

	select {
	case res := <-resultCh:
		if res.Err != ErrTimeout {
			t.Fatalf("want ErrTimeout, got %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transaction never timed out")
	}
}

func TestCompleteResponseMatchesByToken(t *testing.T) {
	mgr := newTestManager()
	defer mgr.Close()

	req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 1, Token: []byte{0x42}}
	mgr.NewOutgoing("peer", req)

	resp := &message.Message{Type: message.NonConfirmable, Code: message.Content, MessageID: 999, Token: []byte{0x42}}
	tx, ok := mgr.CompleteResponse("peer", resp)
	if !ok {
		t.Fatal("want match on token when MID differs (separate response)")
	}
	if !tx.Completed {
		t.Fatal("want transaction marked completed")
	}
}

func TestTokenInFlightDetectsCollision(t *testing.T) {
	mgr := newTestManager()
	defer mgr.Close()

	req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 1, Token: []byte{0x7}}
	mgr.NewOutgoing("peer", req)

	if !mgr.TokenInFlight("peer", []byte{0x7}) {
		t.Fatal("token registered via NewOutgoing should be reported in flight")
	}
	if mgr.TokenInFlight("peer", []byte{0x8}) {
		t.Fatal("a different token should not be reported in flight")
	}
	if mgr.TokenInFlight("otherpeer", []byte{0x7}) {
		t.Fatal("the same token to a different peer should not collide")
	}
}

func TestAcquireSlotGatesByNStart(t *testing.T) {
	mgr := newTestManager()
	defer mgr.Close()
	mgr.cfg.NStart = 1

	if err := mgr.AcquireSlot(context.Background(), "peer"); err != nil {
		t.Fatalf("first AcquireSlot: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := mgr.AcquireSlot(ctx, "peer"); err == nil {
		t.Fatal("second AcquireSlot should block until the first slot is released")
	}

	mgr.ReleaseSlot("peer")
	if err := mgr.AcquireSlot(context.Background(), "peer"); err != nil {
		t.Fatalf("AcquireSlot after release: %v", err)
	}
}

func TestThrottleNonConfirmableDelaysOverBudget(t *testing.T) {
	mgr := newTestManager()
	defer mgr.Close()
	mgr.cfg.ProbingRate = 100 // bytes/sec

	start := time.Now()
	mgr.ThrottleNonConfirmable("peer", 50)  // within budget, no wait
	mgr.ThrottleNonConfirmable("peer", 200) // exceeds remaining budget, must wait
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected ThrottleNonConfirmable to delay the oversized send, elapsed %v", elapsed)
	}
}

func TestPurgeDropsOldTransactions(t *testing.T) {
	mgr := newTestManager()
	mgr.cfg.ExchangeLifetime = time.Millisecond
	defer mgr.Close()

	req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 1}
	mgr.NewOutgoing("peer", req)
	time.Sleep(5 * time.Millisecond)
	mgr.Purge()

	if mgr.liveCount() != 0 {
		t.Fatalf("want 0 live transactions after purge, got %d", mgr.liveCount())
	}
}
