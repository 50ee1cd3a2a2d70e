package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/forwarder/cfg"
	"github.com/maxpert/forwarder/engine"
	"github.com/rs/zerolog/log"
)

// Registry owns the mirror workers and fans engine deliveries out to them
type Registry struct {
	broker  string
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry creates a worker per sink configuration
func NewRegistry(broker string, sinks []cfg.SinkConfiguration) (*Registry, error) {
	r := &Registry{
		broker:  broker,
		workers: make([]*Worker, 0, len(sinks)),
	}

	for _, sinkCfg := range sinks {
		if err := r.AddSink(sinkCfg); err != nil {
			for _, w := range r.workers {
				w.config.Sink.Close()
			}
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().Int("workers", len(r.workers)).Msg("Mirror registry initialized")
	return r, nil
}

// AddSink creates and adds a new worker for the given sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	return r.addWorker(config, snk)
}

func (r *Registry) addWorker(config cfg.SinkConfiguration, snk Sink) error {
	filter, err := NewGlobFilter(config.Destinations)
	if err != nil {
		snk.Close()
		return err
	}

	w, err := NewWorker(WorkerConfig{
		Name:        config.Name,
		Sink:        snk,
		Filter:      filter,
		TopicPrefix: config.TopicPrefix,
		QueueSize:   config.BatchSize * 16,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.mu.Lock()
	r.workers = append(r.workers, w)
	running := r.running.Load()
	r.mu.Unlock()
	if running {
		w.Start()
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", string(config.Type)).
		Msg("Added mirror sink")
	return nil
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Swap(true) {
		return fmt.Errorf("registry already running")
	}
	for _, w := range r.workers {
		w.Start()
	}
	return nil
}

// Stop stops all workers
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}
	for _, w := range r.workers {
		w.Stop()
	}
	log.Info().Msg("Mirror registry stopped")
}

// Listener returns the engine delivery hook feeding every worker
func (r *Registry) Listener() engine.DeliveryListener {
	return func(d engine.Delivery) {
		if !r.running.Load() {
			return
		}
		ev := Event{
			Seq:         d.Seq,
			Destination: d.Destination,
			Properties:  d.Properties,
			Body:        d.Body,
			Expiry:      d.Expiry,
			Persistent:  d.Flags&engine.FlagPersistent != 0,
			CommitTS:    time.Now().UnixMilli(),
			Broker:      r.broker,
		}

		r.mu.Lock()
		workers := r.workers
		r.mu.Unlock()
		for _, w := range workers {
			w.Offer(ev)
		}
	}
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var (
	sinkFactories = make(map[cfg.SinkType]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType cfg.SinkType, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}
