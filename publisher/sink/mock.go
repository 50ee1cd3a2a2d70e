package sink

import "sync"

// MockSink records published messages. FailFirst makes the first N publishes fail.
type MockSink struct {
	Messages   []MockMessage
	PublishErr error
	FailFirst  int
	Attempts   int
	Closed     bool
	mu         sync.Mutex
}

// MockMessage represents a published message for testing
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Attempts++
	if m.PublishErr != nil && m.Attempts <= m.FailFirst {
		return m.PublishErr
	}

	m.Messages = append(m.Messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

func (m *MockSink) Close() error {
	m.mu.Lock()
	m.Closed = true
	m.mu.Unlock()
	return nil
}

// Published returns a copy of the recorded messages
func (m *MockSink) Published() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.Messages...)
}
