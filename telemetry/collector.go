package telemetry

import (
	"sync"
	"time"
)

// ChannelStats is one channel snapshot
type ChannelStats struct {
	UID        string
	SenderXA   int
	ReceiverXA int
	QueueDepth int64
	Inbound    bool
	Outbound   bool
}

// StatsProvider lists channel snapshots
type StatsProvider interface {
	ChannelStats() []ChannelStats
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()
	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	var senders, receivers, inbound, outbound int
	stats := mc.provider.ChannelStats()
	for _, s := range stats {
		senders += s.SenderXA
		receivers += s.ReceiverXA
		if s.Inbound {
			inbound++
		}
		if s.Outbound {
			outbound++
		}
		ForwardQueueDepth.With(s.UID).Set(float64(s.QueueDepth))
	}

	Channels.Set(float64(len(stats)))
	Connections.With("inbound").Set(float64(inbound))
	Connections.With("outbound").Set(float64(outbound))
	InFlightTransactions.With("sender").Set(float64(senders))
	InFlightTransactions.With("receiver").Set(float64(receivers))
}
