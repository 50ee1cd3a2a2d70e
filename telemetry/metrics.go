package telemetry

// TwoPCBuckets for prepare/commit latencies
var TwoPCBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// BatchSizeBuckets for messages per global transaction
var BatchSizeBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}

// Channel and connection metrics
var (
	// Channels tracks known remote brokers
	Channels Gauge = NoopStat{}

	// Connections tracks live connections by direction (inbound, outbound)
	Connections GaugeVec = noopGaugeVec{}

	// ConnectionsClosedTotal counts closed connections by direction and reason (peer, error, shutdown)
	ConnectionsClosedTotal CounterVec = noopCounterVec{}

	// ForwardQueueDepth tracks queued outbound messages per channel
	ForwardQueueDepth GaugeVec = noopGaugeVec{}
)

// Message metrics
var (
	// MessagesReceivedTotal counts relayed messages by qos (reliable, unreliable)
	MessagesReceivedTotal CounterVec = noopCounterVec{}

	// MessagesSentTotal counts messages sent to peers by qos
	MessagesSentTotal CounterVec = noopCounterVec{}

	// MessagesDroppedTotal counts informational put outcomes by reason
	MessagesDroppedTotal CounterVec = noopCounterVec{}
)

// Transaction metrics
var (
	// XATotal counts transaction steps by phase (create, prepare, commit, rollback, forget) and result
	XATotal CounterVec = noopCounterVec{}

	// BatchSize measures messages per prepared transaction
	BatchSize Histogram = NoopStat{}

	// PrepareSeconds measures local prepare latency
	PrepareSeconds Histogram = NoopStat{}

	// CommitSeconds measures local commit latency
	CommitSeconds Histogram = NoopStat{}

	// InFlightTransactions tracks linked transactions by list (sender, receiver)
	InFlightTransactions GaugeVec = noopGaugeVec{}

	// RecoveredXidsTotal counts XIDs rebuilt at startup by branch
	RecoveredXidsTotal CounterVec = noopCounterVec{}
)

// Mirror metrics
var (
	// MirrorPublishTotal counts sink publishes by sink and result (success, retry, failed, filtered)
	MirrorPublishTotal CounterVec = noopCounterVec{}
)

// InitMetrics creates all metrics. Call after InitializeTelemetry.
func InitMetrics() {
	Channels = NewGauge("channels", "Known remote brokers")
	Connections = NewGaugeVec("connections", "Live connections by direction", []string{"direction"})
	ConnectionsClosedTotal = NewCounterVec(
		"connections_closed_total",
		"Closed connections by direction and reason",
		[]string{"direction", "reason"},
	)
	ForwardQueueDepth = NewGaugeVec("forward_queue_depth", "Queued outbound messages", []string{"channel"})

	MessagesReceivedTotal = NewCounterVec("messages_received_total", "Messages received from peers", []string{"qos"})
	MessagesSentTotal = NewCounterVec("messages_sent_total", "Messages sent to peers", []string{"qos"})
	MessagesDroppedTotal = NewCounterVec(
		"messages_dropped_total",
		"Messages accepted without delivery (no matching destination, destination full)",
		[]string{"reason"},
	)

	XATotal = NewCounterVec("xa_total", "Transaction steps by phase and result", []string{"phase", "result"})
	BatchSize = NewHistogramWithBuckets("batch_size", "Messages per prepared transaction", BatchSizeBuckets)
	PrepareSeconds = NewHistogramWithBuckets("prepare_seconds", "Local prepare latency", TwoPCBuckets)
	CommitSeconds = NewHistogramWithBuckets("commit_seconds", "Local commit latency", TwoPCBuckets)
	InFlightTransactions = NewGaugeVec("inflight_transactions", "Linked transactions by list", []string{"list"})
	RecoveredXidsTotal = NewCounterVec("recovered_xids_total", "XIDs recovered at startup", []string{"branch"})

	MirrorPublishTotal = NewCounterVec("mirror_publish_total", "Sink publishes by sink and result", []string{"sink", "result"})
}
