package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize is the buffer size for enqueue signal channels.
// Subscribers that can't keep up will have signals dropped (non-blocking send).
const defaultSignalBufferSize = 16

// Signal announces that a message was appended to a channel's forward queue.
type Signal struct {
	Channel string
	Seq     uint64
}

// Filter restricts a subscription to a set of channel UIDs.
// Empty means every channel.
type Filter struct {
	Channels []string
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) matches(channel string) bool {
	if len(s.filter.Channels) == 0 {
		return true
	}

	for _, c := range s.filter.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans out enqueue signals to outbound senders.
// A dropped signal only delays a sender until its next poll.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal notifies all matching subscribers (non-blocking).
func (h *Hub) Signal(channel string, seq uint64) {
	signal := Signal{Channel: channel, Seq: seq}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(channel) {
			continue
		}

		select {
		case sub.ch <- signal:
		default:
		}
	}
}

// Subscribe creates a new subscription and returns the signal channel and cancel function.
// The cancel function is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// Close cancels every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
