// Package metrics wires the engine's live state into Prometheus, in the
// same Collect/Describe-over-a-locked-map shape as
// runZeroInc-conniver's pkg/exporter.TCPInfoCollector: one collector struct
// scrapes current engine state on demand rather than pushing counters from
// every call site.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes engine gauges/counters. The top-level Server takes it
// via coap.WithMetrics; the caller registers it with its own Registerer.
type Collector struct {
	mu sync.Mutex

	liveTransactions       int
	retransmissions        uint64
	duplicatesSuppressed   uint64
	timeouts               uint64
	activeSubscriptions    int
	notificationsSent      uint64
	blockReassemblyBuffers int

	liveTransactionsDesc       *prometheus.Desc
	retransmissionsDesc        *prometheus.Desc
	duplicatesSuppressedDesc   *prometheus.Desc
	timeoutsDesc               *prometheus.Desc
	activeSubscriptionsDesc    *prometheus.Desc
	notificationsSentDesc      *prometheus.Desc
	blockReassemblyBuffersDesc *prometheus.Desc
}

// New builds a Collector. Register it with Registerer.MustRegister(c) to
// expose it; a Server or Manager built without a Collector (nil) collects
// no metrics.
func New(constLabels prometheus.Labels) *Collector {
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("coap_"+name, help, nil, constLabels)
	}
	return &Collector{
		liveTransactionsDesc:       mk("live_transactions", "Transactions currently tracked by the message layer."),
		retransmissionsDesc:        mk("retransmissions_total", "Confirmable messages retransmitted."),
		duplicatesSuppressedDesc:   mk("duplicates_suppressed_total", "Duplicate requests matched to an existing transaction."),
		timeoutsDesc:               mk("timeouts_total", "Confirmable messages that exhausted MAX_RETRANSMIT."),
		activeSubscriptionsDesc:    mk("active_subscriptions", "Observe subscriptions currently registered."),
		notificationsSentDesc:      mk("notifications_sent_total", "Observe notifications delivered."),
		blockReassemblyBuffersDesc: mk("block_reassembly_buffers", "Inbound block-wise reassembly buffers currently open."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.liveTransactionsDesc
	ch <- c.retransmissionsDesc
	ch <- c.duplicatesSuppressedDesc
	ch <- c.timeoutsDesc
	ch <- c.activeSubscriptionsDesc
	ch <- c.notificationsSentDesc
	ch <- c.blockReassemblyBuffersDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch <- prometheus.MustNewConstMetric(c.liveTransactionsDesc, prometheus.GaugeValue, float64(c.liveTransactions))
	ch <- prometheus.MustNewConstMetric(c.retransmissionsDesc, prometheus.CounterValue, float64(c.retransmissions))
	ch <- prometheus.MustNewConstMetric(c.duplicatesSuppressedDesc, prometheus.CounterValue, float64(c.duplicatesSuppressed))
	ch <- prometheus.MustNewConstMetric(c.timeoutsDesc, prometheus.CounterValue, float64(c.timeouts))
	ch <- prometheus.MustNewConstMetric(c.activeSubscriptionsDesc, prometheus.GaugeValue, float64(c.activeSubscriptions))
	ch <- prometheus.MustNewConstMetric(c.notificationsSentDesc, prometheus.CounterValue, float64(c.notificationsSent))
	ch <- prometheus.MustNewConstMetric(c.blockReassemblyBuffersDesc, prometheus.GaugeValue, float64(c.blockReassemblyBuffers))
}

func (c *Collector) SetLiveTransactions(n int) {
	c.mu.Lock()
	c.liveTransactions = n
	c.mu.Unlock()
}

func (c *Collector) IncRetransmission() {
	c.mu.Lock()
	c.retransmissions++
	c.mu.Unlock()
}

func (c *Collector) IncDuplicate() {
	c.mu.Lock()
	c.duplicatesSuppressed++
	c.mu.Unlock()
}

func (c *Collector) IncTimeout() {
	c.mu.Lock()
	c.timeouts++
	c.mu.Unlock()
}

func (c *Collector) SetActiveSubscriptions(n int) {
	c.mu.Lock()
	c.activeSubscriptions = n
	c.mu.Unlock()
}

func (c *Collector) IncNotification() {
	c.mu.Lock()
	c.notificationsSent++
	c.mu.Unlock()
}

func (c *Collector) SetBlockReassemblyBuffers(n int) {
	c.mu.Lock()
	c.blockReassemblyBuffers = n
	c.mu.Unlock()
}
