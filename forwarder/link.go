package forwarder

import "github.com/maxpert/forwarder/protocol"

// Link is one transport connection to a peer broker.
type Link interface {
	// Send queues a for the peer without waiting for the network.
	Send(a *protocol.Action) error
	// Close tears the connection down after flushing actions already sent. The
	// transport then reports Closed on the Conn.
	Close(reason error)
	// Peer describes the remote end for logs.
	Peer() string
}

// Conn consumes the actions arriving on a Link.
type Conn interface {
	// Handle processes one action. Calls for one connection never overlap.
	Handle(a *protocol.Action)
	// Closed reports that the link is gone. The transport calls it exactly once.
	Closed(reason error)
}
