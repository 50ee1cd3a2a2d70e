// Package publisher mirrors messages committed to local destinations into
// external systems (Kafka, NATS JetStream).
//
// The engine reports every committed destination message through its
// delivery listener. Registry.Listener fans each one out to a Worker per
// configured sink. Workers filter by destination glob, encode the event
// with msgpack and publish it with exponential backoff.
//
// Mirroring is best effort: the forward protocol never waits on a sink, and
// events that do not fit a worker queue are dropped and counted in
// forwarder_mirror_publish_total{result="dropped"}.
//
// Topics are derived from the destination: "orders/eu" with prefix
// "forwarder" publishes to "forwarder.orders.eu".
package publisher
