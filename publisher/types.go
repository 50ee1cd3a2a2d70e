package publisher

// Event is a committed destination message handed to a mirror sink
type Event struct {
	Seq         uint64                 `msgpack:"seq"` // Destination sequence
	Destination string                 `msgpack:"dst"` // Destination name
	Properties  map[string]interface{} `msgpack:"props,omitempty"`
	Body        []byte                 `msgpack:"body,omitempty"`
	Expiry      int64                  `msgpack:"exp,omitempty"` // unix ms
	Persistent  bool                   `msgpack:"persistent,omitempty"`
	CommitTS    int64                  `msgpack:"ts"`   // unix ms
	Broker      string                 `msgpack:"node"` // Mirroring broker UID
}

// Sink represents an external destination for mirrored messages (Kafka, NATS)
type Sink interface {
	// Publish sends a payload to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Filter decides whether a destination is mirrored
type Filter interface {
	Match(destination string) bool
}
