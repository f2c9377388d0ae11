// Package await implements the callback/await layer (spec §4.7): tracking
// outbound client requests by token and suspending the caller until a
// response arrives or a timeout/cancellation fires.
package await

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/businka/go-coap-engine/message"
)

var (
	ErrTimeout   = errors.New("await: timed out waiting for response")
	ErrCancelled = errors.New("await: wait cancelled")
)

type handle struct {
	ch chan result
}

type result struct {
	resp *message.Message
	err  error
}

// Registry tracks one in-flight handle per (peer, token).
type Registry struct {
	mu      sync.Mutex
	handles map[string]*handle
}

func New() *Registry { return &Registry{handles: make(map[string]*handle)} }

func key(peer string, token []byte) string { return peer + "\x00" + hex.EncodeToString(token) }

// Wait registers a single-shot completion handle for (peer, token) and
// suspends until either Complete is called for it, ctx is done, or timeout
// elapses. The handle is always removed on exit (spec §4.7).
func (r *Registry) Wait(ctx context.Context, peer string, token []byte, timeout time.Duration) (*message.Message, error) {
	k := key(peer, token)
	h := &handle{ch: make(chan result, 1)}

	r.mu.Lock()
	r.handles[k] = h
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.handles[k] == h {
			delete(r.handles, k)
		}
		r.mu.Unlock()
	}()

	var timer *time.Timer
	var timerC <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timerC = timer.C
		defer timer.Stop()
	}

	select {
	case res := <-h.ch:
		return res.resp, res.err
	case <-timerC:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ErrCancelled
	}
}

// Complete delivers resp to the waiter registered for (peer, token), if any.
// Returns false if there was no matching handle (spec §4.2 response
// arrival: "on miss, log and discard").
func (r *Registry) Complete(peer string, token []byte, resp *message.Message) bool {
	return r.deliver(peer, token, result{resp: resp})
}

// Fail delivers err (e.g. ErrTimeout, ErrCancelled) to the waiter for (peer, token).
func (r *Registry) Fail(peer string, token []byte, err error) bool {
	return r.deliver(peer, token, result{err: err})
}

func (r *Registry) deliver(peer string, token []byte, res result) bool {
	k := key(peer, token)
	r.mu.Lock()
	h, ok := r.handles[k]
	if ok {
		delete(r.handles, k)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.ch <- res
	return true
}

// CancelAll fails every outstanding handle with ErrCancelled (spec §5
// Cancellation: engine shutdown).
func (r *Registry) CancelAll() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*handle)
	r.mu.Unlock()
	for _, h := range handles {
		h.ch <- result{err: ErrCancelled}
	}
}
