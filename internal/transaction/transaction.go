// Package transaction implements the message layer (spec §4.2): MID/token
// assignment, duplicate suppression, Ack/Reset matching and Confirmable
// retransmission, modeled on the teacher's own request/response pairing in
// server.go but generalized to the full RFC 7252 state machine.
package transaction

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"sync"
	"time"

	"github.com/businka/go-coap-engine/internal/config"
	"github.com/businka/go-coap-engine/internal/logging"
	"github.com/businka/go-coap-engine/internal/metrics"
	"github.com/businka/go-coap-engine/message"
)

// Transaction is the state created when a message is sent or received that
// expects a correlated follow-up (spec §3 Data Model, Transaction).
type Transaction struct {
	mu sync.Mutex

	Peer      string
	MID       uint16
	Token     string // opaque token, as a map-friendly string

	Request  *message.Message
	Response *message.Message

	Completed    bool
	BlockTransfer bool
	Notification bool

	// ObserveToken, when non-empty, names the observe subscription this
	// transaction is bound to; the observe layer owns the subscription
	// itself (Design Note "Cyclic references" — no back-pointer here).
	ObserveToken string

	CreatedAt time.Time

	retransmitCount int
	timer           *time.Timer
	acked           bool
	cancelled       bool
	waiters         []chan Result
}

// Result is delivered to anyone waiting on a transaction's outcome.
type Result struct {
	Response *message.Message
	Err      error
}

// Lock acquires the transaction's mutual-exclusion guard. Per spec §5,
// taking this lock is a cooperative suspension point: callers must not
// hold it across another blocking operation.
func (t *Transaction) Lock()   { t.mu.Lock() }
func (t *Transaction) Unlock() { t.mu.Unlock() }

// addWaiter registers a channel to receive this transaction's eventual Result.
func (t *Transaction) addWaiter(ch chan Result) {
	t.mu.Lock()
	t.waiters = append(t.waiters, ch)
	t.mu.Unlock()
}

func (t *Transaction) resolve(res Result) {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()
	for _, ch := range waiters {
		ch <- res
	}
}

type key struct {
	peer  string
	value string // MID (as 2 bytes) or token
}

// Manager owns the four lookup tables from spec §4.2 and drives
// retransmission/purge for every transaction it creates.
type Manager struct {
	cfg     config.Config
	metrics *metrics.Collector
	logger  logging.Logger
	rng     func() float64

	mu        sync.Mutex
	recvMID   map[key]*Transaction
	recvToken map[key]*Transaction
	sentMID   map[key]*Transaction
	sentToken map[key]*Transaction

	mid uint32 // atomic-ish counter, guarded by mu

	// peerSlots gates concurrent outstanding Confirmable exchanges per peer
	// to NSTART (RFC 7252 section 4.7); see AcquireSlot/ReleaseSlot.
	peerSlots map[string]chan struct{}

	// probeMu/probeBudget/probeLast implement PROBING_RATE (RFC 7252
	// section 4.7): a token bucket capping the byte rate of Non-confirmable
	// sends to a peer not known to support CoAP congestion control.
	probeMu     sync.Mutex
	probeBudget map[string]float64
	probeLast   map[string]time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a Manager. A nil metrics.Collector is valid; logger may be
// logging.Nop{}.
func New(cfg config.Config, m *metrics.Collector, logger logging.Logger) *Manager {
	seed, _ := rand.Int(rand.Reader, big.NewInt(1<<31))
	r := newRand(seed.Int64())
	mgr := &Manager{
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
		rng:         r,
		recvMID:     make(map[key]*Transaction),
		recvToken:   make(map[key]*Transaction),
		sentMID:     make(map[key]*Transaction),
		sentToken:   make(map[key]*Transaction),
		peerSlots:   make(map[string]chan struct{}),
		probeBudget: make(map[string]float64),
		probeLast:   make(map[string]time.Time),
		stopCh:      make(chan struct{}),
	}
	var midSeed [2]byte
	_, _ = rand.Read(midSeed[:])
	mgr.mid = uint32(binary.BigEndian.Uint16(midSeed[:]))
	go mgr.purgeLoop()
	return mgr
}

// newRand returns a deterministic-per-process float64 generator in [0,1).
// Using math/rand would require a global lock contended by every
// retransmission timer; a tiny xorshift seeded from crypto/rand avoids that
// without pulling in a PRNG dependency the pack never reaches for.
func newRand(seed int64) func() float64 {
	state := uint64(seed) | 1
	var mu sync.Mutex
	return func() float64 {
		mu.Lock()
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		mu.Unlock()
		return float64(state%1_000_000) / 1_000_000
	}
}

// NextMID returns the next outbound 16-bit message-ID, incrementing modulo 2^16.
func (mgr *Manager) NextMID() uint16 {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.mid++
	return uint16(mgr.mid)
}

// NewToken returns an 8-byte cryptographically random token (Design Note,
// §9 "Message-ID allocation").
func NewToken() []byte {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return b
}

func tokenKey(peer string, token []byte) key { return key{peer, hex.EncodeToString(token)} }
func midKey(peer string, mid uint16) key {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], mid)
	return key{peer, string(b[:])}
}

// TokenInFlight reports whether an outbound request to peer is already
// using token (invariant: token uniqueness per peer).
func (mgr *Manager) TokenInFlight(peer string, token []byte) bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	_, ok := mgr.sentToken[tokenKey(peer, token)]
	return ok
}

// peerSlot returns (creating if needed) the semaphore gating concurrent
// outstanding Confirmable exchanges to peer, sized by NSTART.
func (mgr *Manager) peerSlot(peer string) chan struct{} {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	ch, ok := mgr.peerSlots[peer]
	if !ok {
		n := mgr.cfg.NStart
		if n < 1 {
			n = 1
		}
		ch = make(chan struct{}, n)
		mgr.peerSlots[peer] = ch
	}
	return ch
}

// AcquireSlot blocks until peer has room for another outstanding Confirmable
// exchange under NSTART (RFC 7252 section 4.7; default NStart=1 means a
// client keeps at most one request in flight per peer at a time), or until
// ctx is cancelled.
func (mgr *Manager) AcquireSlot(ctx context.Context, peer string) error {
	ch := mgr.peerSlot(peer)
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseSlot frees a slot acquired via AcquireSlot once its exchange
// completes (response, timeout, or error).
func (mgr *Manager) ReleaseSlot(peer string) {
	ch := mgr.peerSlot(peer)
	select {
	case <-ch:
	default:
	}
}

// ThrottleNonConfirmable enforces PROBING_RATE (RFC 7252 section 4.7): it
// blocks as needed so that Non-confirmable sends to peer do not exceed
// cfg.ProbingRate bytes/second, the limit a node must respect toward a peer
// not known to support CoAP congestion control.
func (mgr *Manager) ThrottleNonConfirmable(peer string, n int) {
	if mgr.cfg.ProbingRate <= 0 {
		return
	}
	mgr.probeMu.Lock()
	now := time.Now()
	last, seen := mgr.probeLast[peer]
	var budget float64
	if !seen {
		// A peer probed for the first time starts with a full second's
		// budget rather than an empty bucket.
		budget = mgr.cfg.ProbingRate
	} else {
		budget = mgr.probeBudget[peer] + now.Sub(last).Seconds()*mgr.cfg.ProbingRate
		if budget > mgr.cfg.ProbingRate {
			budget = mgr.cfg.ProbingRate // never accrue more than one second's worth
		}
	}
	budget -= float64(n)
	var wait time.Duration
	if budget < 0 {
		wait = time.Duration(-budget / mgr.cfg.ProbingRate * float64(time.Second))
		budget = 0
	}
	mgr.probeBudget[peer] = budget
	mgr.probeLast[peer] = now
	mgr.probeMu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}
}

// NewOutgoing registers a transaction for a message this endpoint is about
// to send, indexing it by MID and (if present) token.
func (mgr *Manager) NewOutgoing(peer string, req *message.Message) *Transaction {
	t := &Transaction{
		Peer:      peer,
		MID:       req.MessageID,
		Token:     hex.EncodeToString(req.Token),
		Request:   req,
		CreatedAt: time.Now(),
	}
	mgr.mu.Lock()
	mgr.sentMID[midKey(peer, req.MessageID)] = t
	if len(req.Token) > 0 {
		mgr.sentToken[tokenKey(peer, req.Token)] = t
	}
	mgr.mu.Unlock()
	if mgr.metrics != nil {
		mgr.metrics.SetLiveTransactions(mgr.liveCount())
	}
	return t
}

// MatchIncomingRequest implements spec §4.2 Reception for inbound
// Confirmable/Non-confirmable requests: returns (transaction, duplicate).
func (mgr *Manager) MatchIncomingRequest(peer string, msg *message.Message) (*Transaction, bool) {
	mk := midKey(peer, msg.MessageID)
	mgr.mu.Lock()
	if existing, ok := mgr.recvMID[mk]; ok {
		mgr.mu.Unlock()
		if mgr.metrics != nil {
			mgr.metrics.IncDuplicate()
		}
		return existing, true
	}
	t := &Transaction{
		Peer:      peer,
		MID:       msg.MessageID,
		Token:     hex.EncodeToString(msg.Token),
		Request:   msg,
		CreatedAt: time.Now(),
	}
	mgr.recvMID[mk] = t
	if len(msg.Token) > 0 {
		mgr.recvToken[tokenKey(peer, msg.Token)] = t
	}
	mgr.mu.Unlock()
	if mgr.metrics != nil {
		mgr.metrics.SetLiveTransactions(mgr.liveCount())
	}
	return t, false
}

// MatchResponse implements spec §4.2 response arrival matching: looks up
// sent_mid then sent_token.
func (mgr *Manager) MatchResponse(peer string, msg *message.Message) (*Transaction, bool) {
	mgr.mu.Lock()
	t, ok := mgr.sentMID[midKey(peer, msg.MessageID)]
	if !ok && len(msg.Token) > 0 {
		t, ok = mgr.sentToken[tokenKey(peer, msg.Token)]
	}
	mgr.mu.Unlock()
	return t, ok
}

// HandleEmpty applies Ack/Reset semantics to the transaction the empty
// message (code 0) references. onNotificationReset is invoked if the
// Reset targeted a Confirmable notification, so the observe layer can drop
// the subscription without this package importing it (Design Note
// "Cyclic references").
func (mgr *Manager) HandleEmpty(peer string, msg *message.Message, onNotificationReset func(t *Transaction)) {
	t, ok := mgr.MatchResponse(peer, msg)
	if !ok {
		if mgr.logger != nil {
			mgr.logger.Warnf("empty message from %s for unknown mid %d", peer, msg.MessageID)
		}
		return
	}
	t.Lock()
	defer t.Unlock()
	switch msg.Type {
	case message.Acknowledgement:
		t.acked = true
		mgr.stopRetransmit(t)
		t.Completed = true
		t.resolveLocked(Result{Response: t.Response})
	case message.Reset:
		mgr.stopRetransmit(t)
		t.cancelled = true
		t.Completed = true
		if t.Notification && onNotificationReset != nil {
			onNotificationReset(t)
		}
	}
}

// CompleteResponse matches an inbound response (piggybacked or separate) to
// its transaction, stores it, marks the transaction completed and resolves
// any waiters. Returns the transaction and whether a match was found, so the
// caller can branch on Notification without this package depending on the
// observe layer (Design Note "Cyclic references").
func (mgr *Manager) CompleteResponse(peer string, msg *message.Message) (*Transaction, bool) {
	t, ok := mgr.MatchResponse(peer, msg)
	if !ok {
		return nil, false
	}
	t.Lock()
	mgr.stopRetransmit(t)
	t.Response = msg
	t.Completed = true
	t.resolveLocked(Result{Response: msg})
	t.Unlock()
	return t, true
}

// resolveLocked must be called with t.mu held; it unlocks internally to
// avoid deadlocking waiters that re-enter the transaction.
func (t *Transaction) resolveLocked(res Result) {
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()
	for _, ch := range waiters {
		ch <- res
	}
	t.mu.Lock()
}

// Await registers ch to receive this transaction's Ack/timeout outcome.
func (t *Transaction) Await(ch chan Result) { t.addWaiter(ch) }

func (mgr *Manager) liveCount() int {
	return len(mgr.sentMID) + len(mgr.recvMID)
}

// Purge removes transactions older than ExchangeLifetime from all four
// tables, per spec §4.2 Purge. Completed transactions stay until they age
// out, so duplicate detection covers the whole exchange lifetime.
func (mgr *Manager) Purge() {
	cutoff := time.Now().Add(-mgr.cfg.ExchangeLifetime)
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for k, t := range mgr.recvMID {
		if t.CreatedAt.Before(cutoff) {
			delete(mgr.recvMID, k)
		}
	}
	for k, t := range mgr.recvToken {
		if t.CreatedAt.Before(cutoff) {
			delete(mgr.recvToken, k)
		}
	}
	for k, t := range mgr.sentMID {
		if t.CreatedAt.Before(cutoff) {
			delete(mgr.sentMID, k)
		}
	}
	for k, t := range mgr.sentToken {
		if t.CreatedAt.Before(cutoff) {
			delete(mgr.sentToken, k)
		}
	}
	if mgr.metrics != nil {
		mgr.metrics.SetLiveTransactions(mgr.liveCount())
	}
}

func (mgr *Manager) purgeLoop() {
	ticker := time.NewTicker(mgr.cfg.ExchangeLifetime)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mgr.Purge()
		case <-mgr.stopCh:
			return
		}
	}
}

// Close stops the purge loop and cancels every outstanding retransmission,
// failing its waiters with Cancelled (spec §5 Cancellation).
func (mgr *Manager) Close() {
	mgr.stopOnce.Do(func() { close(mgr.stopCh) })
	mgr.mu.Lock()
	all := make([]*Transaction, 0, len(mgr.sentMID))
	seen := make(map[*Transaction]bool)
	for _, t := range mgr.sentMID {
		if !seen[t] {
			seen[t] = true
			all = append(all, t)
		}
	}
	mgr.mu.Unlock()
	for _, t := range all {
		t.Lock()
		mgr.stopRetransmit(t)
		cancelled := !t.Completed
		t.Completed = true
		t.Unlock()
		if cancelled {
			t.resolve(Result{Err: ErrCancelled})
		}
	}
}
