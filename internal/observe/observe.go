// Package observe implements the observe layer (spec §4.4): per-resource
// subscriber lists, monotonic 24-bit sequence numbers with RFC 7641
// wrap-around comparison, and subscriber removal on Reset or transport
// failure.
package observe

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/businka/go-coap-engine/message"
	"github.com/rs/xid"
)

// Subscription is a weak reference from a resource to a transaction: the
// subscriber's address+token, its own observe sequence counter and a
// content-format filter (spec §3 Data Model, Subscription). It deliberately
// holds no transaction handle (Design Note "Cyclic references").
//
// LastSeq is per-subscriber rather than shared across every observer of a
// resource: RFC 7641 section 3.4 only requires the Observe option value a
// single subscriber receives to increase monotonically (mod 2^24) across
// that subscriber's own notifications, not that every subscriber of the
// same resource sees an identical sequence.
type Subscription struct {
	Path    string
	Peer    string
	Token   []byte
	LastSeq uint32
	Accept  *message.MediaType
	ETag    string
}

type subKey struct {
	peer  string
	token string
}

// Manager owns every resource's subscriber list.
type Manager struct {
	mu   sync.Mutex
	subs map[string]map[subKey]*Subscription // path -> (peer,token) -> sub
}

// New builds a Manager.
func New() *Manager {
	return &Manager{subs: make(map[string]map[subKey]*Subscription)}
}

// randSeq24 returns a random 24-bit seed for a fresh subscription's
// sequence counter, per the Open Question decision in SPEC_FULL.md (observe
// counters do not persist across restarts).
func randSeq24() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:]) & 0xffffff
}

// NextSeqFor returns the next value of sub's own monotonic 24-bit sequence
// counter, advancing it. Each subscriber is sequenced independently.
func (m *Manager) NextSeqFor(sub *Subscription) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.LastSeq = (sub.LastSeq + 1) & 0xffffff
	return sub.LastSeq
}

// Subscribe registers (peer, token) as an observer of path.
func (m *Manager) Subscribe(path, peer string, token []byte, accept *message.MediaType) *Subscription {
	sub := &Subscription{Path: path, Peer: peer, Token: token, Accept: accept, ETag: xid.New().String(), LastSeq: randSeq24()}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[path] == nil {
		m.subs[path] = make(map[subKey]*Subscription)
	}
	m.subs[path][subKey{peer, string(token)}] = sub
	return sub
}

// Unsubscribe removes a single (peer, token) subscription from path.
func (m *Manager) Unsubscribe(path, peer string, token []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.subs[path]; ok {
		delete(set, subKey{peer, string(token)})
		if len(set) == 0 {
			delete(m.subs, path)
		}
	}
}

// RemoveByPeerToken drops any subscription matching (peer, token) across
// all resources; used when a Reset arrives for a notification (spec §4.2,
// §4.4) or the transport to that peer fails.
func (m *Manager) RemoveByPeerToken(peer string, token []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := subKey{peer, string(token)}
	for path, set := range m.subs {
		if _, ok := set[k]; ok {
			delete(set, k)
			if len(set) == 0 {
				delete(m.subs, path)
			}
		}
	}
}

// Subscribers returns a snapshot of path's current subscriber list.
func (m *Manager) Subscribers(path string) []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.subs[path]
	out := make([]*Subscription, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// Count returns the total number of live subscriptions, for metrics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, set := range m.subs {
		n += len(set)
	}
	return n
}

// IsNewer applies the RFC 7641 section 3.4 24-bit wrap-around comparison:
// v1 is considered newer than v2 if either the usual ordering holds within
// a window, or the counter has wrapped.
func IsNewer(v1, v2 uint32) bool {
	return (v1 > v2 && v1-v2 < 1<<23) || (v1 < v2 && v2-v1 > 1<<23)
}
