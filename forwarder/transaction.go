package forwarder

import (
	"errors"
	"time"

	"github.com/maxpert/forwarder/engine"
	"github.com/maxpert/forwarder/xid"
	"github.com/rs/zerolog/log"
)

// TxnState is the forwarding state of a global transaction.
type TxnState uint8

const (
	// TxnOpen accumulates messages (sender) or runs the prepare chain (receiver)
	TxnOpen TxnState = iota
	// TxnAwaitingPrepareAck: locally prepared, Prepare sent to the peer
	TxnAwaitingPrepareAck
	// TxnPrepared: both branches prepared
	TxnPrepared
	// TxnCommitting: local commit issued
	TxnCommitting
	// TxnCommitted: local commit done, waiting for the other completion event
	TxnCommitted
	// TxnForgotten: unlinked and forgotten
	TxnForgotten
)

func (s TxnState) String() string {
	switch s {
	case TxnOpen:
		return "open"
	case TxnAwaitingPrepareAck:
		return "awaiting_prepare_ack"
	case TxnPrepared:
		return "prepared"
	case TxnCommitting:
		return "committing"
	case TxnCommitted:
		return "committed"
	case TxnForgotten:
		return "forgotten"
	}
	return "unknown"
}

// GlobalTransaction is one forwarded batch as tracked by a channel list.
// Every field after XID is guarded by the owning Channel's lock.
type GlobalTransaction struct {
	Gtrid    string
	XID      xid.Xid
	Sequence uint64
	Created  time.Time

	Prepared bool
	// Commit counts completion events; the second one forgets the transaction.
	Commit int
	State  TxnState

	// receiver branch: prepare chain running, peer waiting for a recover answer
	inFlight      bool
	recoverWaiter bool
}

func newGlobalTransaction(x xid.Xid, seq uint64) *GlobalTransaction {
	return &GlobalTransaction{
		Gtrid:    x.Gtrid,
		XID:      x,
		Sequence: seq,
		Created:  time.Now(),
	}
}

// TxnInfo is a copy of a GlobalTransaction for reporting.
type TxnInfo struct {
	Gtrid    string    `json:"gtrid"`
	XID      string    `json:"xid"`
	Sequence uint64    `json:"sequence"`
	Prepared bool      `json:"prepared"`
	Commit   int       `json:"commit"`
	State    string    `json:"state"`
	Created  time.Time `json:"created"`
}

func (xa *GlobalTransaction) info() TxnInfo {
	return TxnInfo{
		Gtrid:    xa.Gtrid,
		XID:      xa.XID.String(),
		Sequence: xa.Sequence,
		Prepared: xa.Prepared,
		Commit:   xa.Commit,
		State:    xa.State.String(),
		Created:  xa.Created,
	}
}

// commitCompleted records one completion event of a committed transaction. The
// second event unlinks and forgets it and returns true; events for a gtrid that is
// no longer linked are ignored.
func (f *Forwarder) commitCompleted(ch *Channel, gtrid string, sender bool) bool {
	ch.mu.Lock()
	xa := ch.findXALocked(gtrid, sender)
	if xa == nil {
		ch.mu.Unlock()
		log.Debug().Str("channel", ch.UID).Str("gtrid", gtrid).Msg("Completion for unknown transaction ignored")
		return false
	}
	xa.Commit++
	if xa.Commit < 2 {
		ch.mu.Unlock()
		return false
	}
	ch.unlinkXALocked(xa, sender)
	xa.State = TxnForgotten
	ch.mu.Unlock()

	f.forget(xa)
	return true
}

// forget drops the engine record of a resolved transaction.
func (f *Forwarder) forget(xa *GlobalTransaction) {
	err := f.engine.ForgetGlobalTransaction(xa.XID)
	if errors.Is(err, engine.ErrNotFound) {
		err = nil
	}
	if newTxnMetrics("forget").done(err) != nil {
		log.Warn().Err(err).Str("gtrid", xa.Gtrid).Msg("Failed to forget transaction")
		return
	}
	log.Debug().Str("xid", xa.XID.String()).Msg("Transaction forgotten")
}
