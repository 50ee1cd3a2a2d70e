package engine

import (
	"time"

	"github.com/maxpert/forwarder/xid"
)

// Message flags.
const (
	FlagPersistent uint8 = 1 << iota
	FlagRetain
)

// Message is a message published to a destination or queued for forwarding.
type Message struct {
	Destination string                 `msgpack:"d"`
	Properties  map[string]interface{} `msgpack:"p,omitempty"`
	Body        []byte                 `msgpack:"b,omitempty"`
	Expiry      int64                  `msgpack:"e,omitempty"` // unix millis, 0 never expires
	Flags       uint8                  `msgpack:"f,omitempty"`
	Reliable    bool                   `msgpack:"r,omitempty"`
}

// Expired reports whether the message expiry is in the past.
func (m *Message) Expired(now time.Time) bool {
	return m.Expiry != 0 && now.UnixMilli() >= m.Expiry
}

// QueuedMessage is a message waiting in a forward queue.
type QueuedMessage struct {
	Seq uint64
	Message
}

// Delivery is a message committed to a destination.
type Delivery struct {
	Seq uint64
	Message
}

// DeliveryListener observes every message that lands on a destination.
type DeliveryListener func(d Delivery)

// ClientState is the engine-side identity of a connected peer.
type ClientState struct {
	ID   string
	UID  string
	Name string
}

// Session is a unit of work opened for a client.
type Session struct {
	ID     uint64
	Client *ClientState
}

// Transaction is the handle of an open global transaction branch.
type Transaction struct {
	XID xid.Xid
}

// TxnState is the lifecycle state of a transaction branch in the engine log.
type TxnState uint8

const (
	StateActive TxnState = iota
	StatePrepared
	StateCommitted
	StateHeuristicCommit
	StateHeuristicRollback
)

func (s TxnState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateHeuristicCommit:
		return "heuristic_commit"
	case StateHeuristicRollback:
		return "heuristic_rollback"
	}
	return "unknown"
}

// Outcome is the decision applied by CompleteGlobalTransaction.
type Outcome uint8

const (
	OutcomeCommit Outcome = iota
	OutcomeRollback
)

// RecoveredXid is one entry of an XID enumeration.
type RecoveredXid struct {
	XID   xid.Xid
	State TxnState
}

// XidIterator pages through recovered XIDs. Next returns an empty page when done.
type XidIterator interface {
	Next() ([]RecoveredXid, error)
}

// TransactionInfo describes a live transaction branch.
type TransactionInfo struct {
	XID      xid.Xid
	State    TxnState
	Puts     int
	Consumes int
}
