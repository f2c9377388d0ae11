package transaction

import (
	"errors"
	"time"
)

// ErrTimeout is delivered to a transaction's waiters when a Confirmable
// message exhausts MAX_RETRANSMIT without an Ack (spec §4.2 Retransmission).
var ErrTimeout = errors.New("transaction: timed out awaiting acknowledgement")

// ErrCancelled is delivered when the engine shuts down or the caller
// cancels a wait (spec §5 Cancellation, §4.7).
var ErrCancelled = errors.New("transaction: cancelled")

// ScheduleRetransmit starts the back-off timer for a Confirmable message
// already registered via NewOutgoing. send is invoked with the encoded
// bytes on every retry; onTimeout fires once, after MAX_RETRANSMIT
// attempts, with the transaction's lock NOT held.
func (mgr *Manager) ScheduleRetransmit(t *Transaction, data []byte, send func([]byte) error, onTimeout func(*Transaction)) {
	timeout := mgr.cfg.InitialTimeout(mgr.rng)
	t.Lock()
	t.timer = time.AfterFunc(timeout, func() {
		mgr.retransmitTick(t, data, send, onTimeout, timeout)
	})
	t.Unlock()
}

func (mgr *Manager) retransmitTick(t *Transaction, data []byte, send func([]byte) error, onTimeout func(*Transaction), lastTimeout time.Duration) {
	t.Lock()
	if t.acked || t.cancelled || t.Completed {
		t.Unlock()
		return
	}
	if t.retransmitCount >= mgr.cfg.MaxRetransmit {
		t.Completed = true
		t.Unlock()
		if mgr.metrics != nil {
			mgr.metrics.IncTimeout()
		}
		if onTimeout != nil {
			onTimeout(t)
		}
		t.resolve(Result{Err: ErrTimeout})
		return
	}
	t.retransmitCount++
	count := t.retransmitCount
	t.Unlock()

	if mgr.metrics != nil {
		mgr.metrics.IncRetransmission()
	}
	if mgr.logger != nil {
		mgr.logger.Debugf("retransmitting to %s (attempt %d)", t.Peer, count)
	}
	_ = send(data)

	next := lastTimeout * 2
	t.Lock()
	if !t.acked && !t.cancelled && !t.Completed {
		t.timer = time.AfterFunc(next, func() {
			mgr.retransmitTick(t, data, send, onTimeout, next)
		})
	}
	t.Unlock()
}

// stopRetransmit must be called with t.mu held.
func (mgr *Manager) stopRetransmit(t *Transaction) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
