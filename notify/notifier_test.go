package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_BasicSubscribeSignal(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe(Filter{})
	defer cancel()

	hub.Signal("broker2", 1)

	select {
	case sig := <-signals:
		assert.Equal(t, Signal{Channel: "broker2", Seq: 1}, sig)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}
}

func TestHub_FilterSpecificChannel(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe(Filter{Channels: []string{"b1"}})
	defer cancel()

	hub.Signal("b2", 2)
	hub.Signal("b1", 1)

	select {
	case sig := <-signals:
		assert.Equal(t, "b1", sig.Channel)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}

	select {
	case sig := <-signals:
		t.Errorf("unexpected signal %+v", sig)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_CancelUnsubscribes(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe(Filter{})
	cancel()

	_, ok := <-signals
	assert.False(t, ok, "channel should be closed after cancel")

	// no panic after cancel, and double cancel is fine
	hub.Signal("b1", 2)
	cancel()
}

func TestHub_CloseCancelsAll(t *testing.T) {
	hub := NewHub()

	s1, c1 := hub.Subscribe(Filter{})
	s2, c2 := hub.Subscribe(Filter{Channels: []string{"x"}})
	hub.Close()

	_, ok := <-s1
	assert.False(t, ok)
	_, ok = <-s2
	assert.False(t, ok)

	c1()
	c2()
}

func TestHub_BufferOverflowNonBlocking(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe(Filter{})
	defer cancel()

	for i := 0; i < defaultSignalBufferSize+4; i++ {
		hub.Signal("b1", uint64(i))
	}

	require.Len(t, signals, defaultSignalBufferSize)
}

func TestHub_ConcurrentSignalSubscribe(t *testing.T) {
	hub := NewHub()
	const numGoroutines = 10
	const numSignals = 100

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			signals, cancel := hub.Subscribe(Filter{})
			defer cancel()

			timeout := time.After(time.Second)
			for received := 0; received < numSignals; {
				select {
				case <-signals:
					received++
				case <-timeout:
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numSignals; i++ {
			hub.Signal("b1", uint64(i))
		}
	}()

	wg.Wait()
}
