// Package engine is the local broker engine the forwarder runs against: client
// state, global transactions with two phase commit, destinations and per-channel
// forward queues.
//
// Calls that may block on durable storage return a Result. When the Result is
// Pending the supplied callback fires later on another goroutine; otherwise the
// outcome is in the Result and the callback is never called.
package engine

import "github.com/maxpert/forwarder/xid"

// Engine is the collaborator interface consumed by the forwarder.
type Engine interface {
	CreateClientState(name, uid string, done Callback[*ClientState]) Result[*ClientState]
	CreateSession(client *ClientState, done Callback[*Session]) Result[*Session]
	DestroyClientState(client *ClientState)

	CreateGlobalTransaction(session *Session, x xid.Xid, done Callback[*Transaction]) Result[*Transaction]
	// PutMessage publishes m to its destination. A nil txn publishes immediately.
	PutMessage(txn *Transaction, m *Message, done Callback[Void]) Result[Void]
	PrepareGlobalTransaction(x xid.Xid, done Callback[Void]) Result[Void]
	CommitGlobalTransaction(x xid.Xid, done Callback[Void]) Result[Void]
	RollbackGlobalTransaction(x xid.Xid, done Callback[Void]) Result[Void]
	CompleteGlobalTransaction(x xid.Xid, outcome Outcome) error
	ForgetGlobalTransaction(x xid.Xid) error
	RecoverXids(format int32, pageSize int) XidIterator
	Transactions() []TransactionInfo

	// Forward queues hold messages waiting to be sent to a remote broker.
	Enqueue(channel string, m *Message) (uint64, error)
	Pending(channel string, after uint64, limit int) ([]QueuedMessage, error)
	Acknowledge(channel string, seq uint64) error
	ConsumeInTransaction(txn *Transaction, channel string, seqs []uint64) error
	Depth(channel string) int64

	Browse(destination string, limit int) ([]Delivery, error)
	DestinationDepth(destination string) int64
	SetDeliveryListener(l DeliveryListener)

	Close() error
}
