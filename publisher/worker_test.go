package publisher

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/forwarder/cfg"
	"github.com/maxpert/forwarder/encoding"
	"github.com/maxpert/forwarder/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic, key string
	value      []byte
}

type fakeSink struct {
	mu       sync.Mutex
	failures int
	out      []published
	closed   bool
}

func (s *fakeSink) Publish(topic, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("broker unavailable")
	}
	s.out = append(s.out, published{topic, key, value})
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) published() []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]published(nil), s.out...)
}

func newTestWorker(t *testing.T, snk Sink, patterns ...string) *Worker {
	f, err := NewGlobFilter(patterns)
	require.NoError(t, err)
	w, err := NewWorker(WorkerConfig{
		Name:         "test",
		Sink:         snk,
		Filter:       f,
		TopicPrefix:  "fwd",
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	return w
}

func TestNewWorker_Validation(t *testing.T) {
	_, err := NewWorker(WorkerConfig{})
	assert.Error(t, err)
	_, err = NewWorker(WorkerConfig{Name: "x"})
	assert.Error(t, err)
	_, err = NewWorker(WorkerConfig{Name: "x", Sink: &fakeSink{}})
	assert.Error(t, err)
}

func TestWorker_BuildTopic(t *testing.T) {
	w := newTestWorker(t, &fakeSink{})
	assert.Equal(t, "fwd.orders.eu", w.buildTopic("orders/eu"))
	assert.Equal(t, "fwd.orders", w.buildTopic("/orders/"))

	w.config.TopicPrefix = ""
	assert.Equal(t, "orders.eu", w.buildTopic("orders/eu"))
}

func TestWorker_PublishesWithRetry(t *testing.T) {
	snk := &fakeSink{failures: 3}
	w := newTestWorker(t, snk)
	w.Start()
	defer w.Stop()

	w.Offer(Event{Seq: 7, Destination: "orders/eu", Body: []byte("hi"), Broker: "b1"})

	require.Eventually(t, func() bool { return len(snk.published()) == 1 }, time.Second, 5*time.Millisecond)
	got := snk.published()[0]
	assert.Equal(t, "fwd.orders.eu", got.topic)
	assert.Equal(t, "b1:7", got.key)

	var ev Event
	require.NoError(t, encoding.Unmarshal(got.value, &ev))
	assert.Equal(t, uint64(7), ev.Seq)
	assert.Equal(t, []byte("hi"), ev.Body)
}

func TestWorker_FilteredEventsSkipped(t *testing.T) {
	snk := &fakeSink{}
	w := newTestWorker(t, snk, "orders/*")
	w.Offer(Event{Seq: 1, Destination: "payments"})
	assert.Len(t, w.queue, 0)
	w.Offer(Event{Seq: 2, Destination: "orders/us"})
	assert.Len(t, w.queue, 1)
}

func TestWorker_FullQueueDrops(t *testing.T) {
	w := newTestWorker(t, &fakeSink{})
	for i := 0; i < DefaultQueueSize+10; i++ {
		w.Offer(Event{Seq: uint64(i), Destination: "q"})
	}
	assert.Len(t, w.queue, DefaultQueueSize)
}

func TestWorker_StopClosesSink(t *testing.T) {
	snk := &fakeSink{}
	w := newTestWorker(t, snk)
	w.Start()
	w.Start()
	w.Stop()
	w.Stop()
	assert.True(t, snk.closed)
}

func TestRegistry_ListenerFansOut(t *testing.T) {
	r, err := NewRegistry("b1", nil)
	require.NoError(t, err)

	a, b := &fakeSink{}, &fakeSink{}
	require.NoError(t, r.addWorker(cfg.SinkConfiguration{Name: "a"}, a))
	require.NoError(t, r.addWorker(cfg.SinkConfiguration{Name: "b", Destinations: []string{"audit/*"}}, b))

	listener := r.Listener()
	// not running yet: ignored
	listener(engine.Delivery{Seq: 1, Message: engine.Message{Destination: "orders"}})

	require.NoError(t, r.Start())
	defer r.Stop()
	assert.Error(t, r.Start())

	listener(engine.Delivery{Seq: 2, Message: engine.Message{Destination: "orders"}})
	listener(engine.Delivery{Seq: 3, Message: engine.Message{Destination: "audit/x", Flags: engine.FlagPersistent}})

	require.Eventually(t, func() bool { return len(a.published()) == 2 && len(b.published()) == 1 }, time.Second, 5*time.Millisecond)

	var ev Event
	require.NoError(t, encoding.Unmarshal(b.published()[0].value, &ev))
	assert.Equal(t, "audit/x", ev.Destination)
	assert.True(t, ev.Persistent)
	assert.Equal(t, "b1", ev.Broker)
}

func TestRegistry_UnknownSinkType(t *testing.T) {
	_, err := NewRegistry("b1", []cfg.SinkConfiguration{{Name: "x", Type: "carrier-pigeon"}})
	assert.Error(t, err)
}
