package forwarder

import "github.com/maxpert/forwarder/engine"

// batch accumulates the sequence numbers of reliable messages put inside one
// sender transaction.
type batch struct {
	xa  *GlobalTransaction
	txn *engine.Transaction

	seqs []uint64
	// ready counts puts whose engine call completed
	ready int
	// sealed once a newer batch became current
	sealed bool
	// prepareQueued is set by whoever starts the prepare, so it runs once
	prepareQueued bool
}

// newBatch sizes the sequence array at twice the commit count.
func newBatch(xa *GlobalTransaction, txn *engine.Transaction, commitCount int) *batch {
	return &batch{
		xa:   xa,
		txn:  txn,
		seqs: make([]uint64, 0, 2*commitCount),
	}
}

// add appends seq, doubling the array when full, and returns the new count.
func (b *batch) add(seq uint64) int {
	if len(b.seqs) == cap(b.seqs) {
		grown := make([]uint64, len(b.seqs), 2*cap(b.seqs)+1)
		copy(grown, b.seqs)
		b.seqs = grown
	}
	b.seqs = append(b.seqs, seq)
	return len(b.seqs)
}

func (b *batch) count() int {
	return len(b.seqs)
}

// claimPrepare reports whether the batch just became ready for prepare: sealed,
// every put completed, and nobody claimed it before.
func (b *batch) claimPrepare() bool {
	if !b.sealed || b.prepareQueued || b.ready < len(b.seqs) {
		return false
	}
	b.prepareQueued = true
	return true
}
