package publisher

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/forwarder/encoding"
	"github.com/maxpert/forwarder/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default queue capacity per worker
	DefaultQueueSize = 1024
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before an event is dropped
	DefaultMaxRetries = 100
)

// WorkerConfig configures a mirror worker
type WorkerConfig struct {
	Name            string        // Sink name
	Sink            Sink          // Destination sink
	Filter          Filter        // Destination filter
	TopicPrefix     string        // Topic prefix (e.g., "forwarder")
	QueueSize       int           // Buffered events before drops
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum retry attempts
}

// Worker publishes queued events to one sink.
// Offer never blocks: the engine calls it from its commit path.
type Worker struct {
	config      WorkerConfig
	queue       chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a new mirror worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{
		config: config,
		queue:  make(chan Event, config.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Offer queues an event. Filtered events and events arriving on a full queue
// are counted and dropped.
func (w *Worker) Offer(ev Event) {
	if !w.config.Filter.Match(ev.Destination) {
		telemetry.MirrorPublishTotal.With(w.config.Name, "filtered").Inc()
		return
	}

	select {
	case w.queue <- ev:
	default:
		telemetry.MirrorPublishTotal.With(w.config.Name, "dropped").Inc()
		log.Warn().
			Str("worker", w.config.Name).
			Str("destination", ev.Destination).
			Uint64("seq", ev.Seq).
			Msg("Mirror queue full, dropping event")
	}
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().Str("worker", w.config.Name).Msg("Starting mirror worker")

	go w.loop()
}

// Stop stops the worker. Events still queued are abandoned.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	if err := w.config.Sink.Close(); err != nil {
		log.Warn().Err(err).Str("worker", w.config.Name).Msg("Failed to close sink")
	}
	log.Info().Str("worker", w.config.Name).Msg("Mirror worker stopped")
}

func (w *Worker) loop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev := <-w.queue:
			if err := w.process(ev); err != nil {
				log.Error().
					Err(err).
					Str("worker", w.config.Name).
					Str("destination", ev.Destination).
					Uint64("seq", ev.Seq).
					Msg("Failed to mirror event")
			}
		}
	}
}

func (w *Worker) process(ev Event) error {
	data, err := encoding.Marshal(ev)
	if err != nil {
		telemetry.MirrorPublishTotal.With(w.config.Name, "failed").Inc()
		return fmt.Errorf("failed to encode event: %w", err)
	}

	key := ev.Broker + ":" + strconv.FormatUint(ev.Seq, 10)
	if err := w.publishWithRetry(w.buildTopic(ev.Destination), key, data); err != nil {
		telemetry.MirrorPublishTotal.With(w.config.Name, "failed").Inc()
		return err
	}

	telemetry.MirrorPublishTotal.With(w.config.Name, "success").Inc()
	return nil
}

// buildTopic maps a destination to a topic: "orders/eu" becomes "prefix.orders.eu"
func (w *Worker) buildTopic(destination string) string {
	topic := strings.ReplaceAll(strings.Trim(destination, "/"), "/", ".")
	if w.config.TopicPrefix == "" {
		return topic
	}
	return w.config.TopicPrefix + "." + topic
}

// publishWithRetry publishes data with exponential backoff retry
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		telemetry.MirrorPublishTotal.With(w.config.Name, "retry").Inc()
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep returns false if the worker was stopped first
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
