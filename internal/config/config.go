// Package config holds the engine's tunable timing constants (RFC 7252
// section 4.8) as a plain struct with functional options. No config-file
// library is wired here: neither the teacher nor any repo in the retrieval
// pack reads engine tuning from a file for this shape of library — both
// GiterLab-go-coap and matrix-org-lb configure purely via Go call sites —
// so a file-backed config reader would be invented, not learned.
package config

import (
	"math"
	"time"

	"github.com/businka/go-coap-engine/message"
)

// Config carries the transmission parameters from RFC 7252 section 4.8
// and the observe/multicast pacing parameters from section 9's design notes.
type Config struct {
	AckTimeout      time.Duration
	AckRandomFactor float64
	MaxRetransmit   int
	NStart          int
	DefaultLeisure  time.Duration
	ProbingRate     float64
	ExchangeLifetime time.Duration
	MaxLatency      time.Duration

	// MaxMessageSize bounds a single datagram/frame (stream transport CSM
	// negotiates this per-connection; this is the local default offered).
	MaxMessageSize uint32

	// PreferredBlockSZX is the block-layer's own preferred SZX (0-6) for
	// segmenting outbound payloads absent a smaller peer preference.
	PreferredBlockSZX uint8

	// KnownMethods is the set of request codes the message layer accepts
	// as well-formed requests; anything else is rejected as malformed
	// (Reset BadRequest) before it ever reaches the resource tree, so a
	// caller sees MethodNotAllowed only for a recognized-but-unhandled
	// method (spec §8 scenario S1) and a codec-level rejection for
	// anything outside this set (§8 scenario S6). Defaults to the four
	// RFC 7252 base methods, matching the teacher
	// (GiterLab-go-coap's message.go defines only GET/POST/PUT/DELETE);
	// FETCH/PATCH/iPATCH remain valid message.Code constants for callers
	// that want to opt in via WithKnownMethods.
	KnownMethods map[message.Code]bool
}

// Option mutates a Config being built by New.
type Option func(*Config)

// Default returns the RFC 7252 section 4.8 default parameters.
//
// ExchangeLifetime is derived from the others per section 4.8.2's formula
// (MAX_TRANSMIT_SPAN + 2*MAX_LATENCY + PROCESSING_DELAY) rather than stated
// as an independent constant, so MaxLatency actually drives a real value:
// with the defaults below this works out to exactly the RFC's published
// 247s default.
func Default() Config {
	ackTimeout := 2 * time.Second
	ackRandomFactor := 1.5
	maxRetransmit := 4
	maxLatency := 100 * time.Second

	maxTransmitSpan := time.Duration(float64(ackTimeout) * (math.Pow(2, float64(maxRetransmit)) - 1) * ackRandomFactor)
	processingDelay := ackTimeout
	exchangeLifetime := maxTransmitSpan + 2*maxLatency + processingDelay

	return Config{
		AckTimeout:        ackTimeout,
		AckRandomFactor:   ackRandomFactor,
		MaxRetransmit:     maxRetransmit,
		NStart:            1,
		DefaultLeisure:    10 * time.Second,
		ProbingRate:       1,
		ExchangeLifetime:  exchangeLifetime,
		MaxLatency:        maxLatency,
		MaxMessageSize:    1152,
		PreferredBlockSZX: 6,
		KnownMethods: map[message.Code]bool{
			message.GET:    true,
			message.POST:   true,
			message.PUT:    true,
			message.DELETE: true,
		},
	}
}

// New builds a Config from Default() plus the given options.
func New(opts ...Option) Config {
	c := Default()
	for _, o := range opts {
		o(&c)
	}
	return c
}

func WithAckTimeout(d time.Duration) Option      { return func(c *Config) { c.AckTimeout = d } }
func WithAckRandomFactor(f float64) Option       { return func(c *Config) { c.AckRandomFactor = f } }
func WithMaxRetransmit(n int) Option             { return func(c *Config) { c.MaxRetransmit = n } }
func WithExchangeLifetime(d time.Duration) Option { return func(c *Config) { c.ExchangeLifetime = d } }
func WithDefaultLeisure(d time.Duration) Option  { return func(c *Config) { c.DefaultLeisure = d } }
func WithMaxMessageSize(n uint32) Option         { return func(c *Config) { c.MaxMessageSize = n } }
func WithPreferredBlockSZX(szx uint8) Option     { return func(c *Config) { c.PreferredBlockSZX = szx } }

// WithKnownMethods opts into additional request codes (e.g. FETCH, PATCH,
// iPATCH) being accepted by the message layer instead of rejected as malformed.
func WithKnownMethods(codes ...message.Code) Option {
	return func(c *Config) {
		for _, code := range codes {
			c.KnownMethods[code] = true
		}
	}
}

// InitialTimeout draws a retransmission timeout uniformly from
// [AckTimeout, AckTimeout*AckRandomFactor], per RFC 7252 section 4.8.
func (c Config) InitialTimeout(rand func() float64) time.Duration {
	lo := float64(c.AckTimeout)
	hi := lo * c.AckRandomFactor
	return time.Duration(lo + rand()*(hi-lo))
}
