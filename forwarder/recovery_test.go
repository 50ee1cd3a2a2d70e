package forwarder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/forwarder/engine"
	"github.com/maxpert/forwarder/protocol"
	"github.com/maxpert/forwarder/xid"
)

func TestRecoverWithNoTransactions(t *testing.T) {
	f := newTestForwarder(t, openEngine(t, engine.Options{}), "local1", 4)
	seed := f.Registry().Sequence()

	stats, err := f.Recover()
	require.NoError(t, err)

	assert.Equal(t, RecoveryStats{}, stats)
	assert.Empty(t, f.Registry().Channels())
	assert.Equal(t, seed, f.Registry().Sequence())
}

// seedLog writes branches into an engine log the way a crashed broker leaves them.
func seedLog(t *testing.T, dir string) {
	l, err := engine.Open(engine.Options{Dir: dir})
	require.NoError(t, err)
	defer l.Close()

	client, err := engine.Await(func(done engine.Callback[*engine.ClientState]) engine.Result[*engine.ClientState] {
		return l.CreateClientState("seed", "seed", done)
	})
	require.NoError(t, err)
	session, err := engine.Await(func(done engine.Callback[*engine.Session]) engine.Result[*engine.Session] {
		return l.CreateSession(client, done)
	})
	require.NoError(t, err)

	begin := func(x xid.Xid) {
		txn, err := engine.Await(func(done engine.Callback[*engine.Transaction]) engine.Result[*engine.Transaction] {
			return l.CreateGlobalTransaction(session, x, done)
		})
		require.NoError(t, err)
		_, err = engine.Await(func(done engine.Callback[engine.Void]) engine.Result[engine.Void] {
			return l.PutMessage(txn, &engine.Message{Destination: "orders/eu", Body: []byte(x.Gtrid), Reliable: true}, done)
		})
		require.NoError(t, err)
		_, err = engine.Await(func(done engine.Callback[engine.Void]) engine.Result[engine.Void] {
			return l.PrepareGlobalTransaction(x, done)
		})
		require.NoError(t, err)
	}
	commit := func(x xid.Xid) {
		_, err := engine.Await(func(done engine.Callback[engine.Void]) engine.Result[engine.Void] {
			return l.CommitGlobalTransaction(x, done)
		})
		require.NoError(t, err)
	}
	mk := func(branch byte, gtrid string) xid.Xid {
		x, err := xid.Make(branch, gtrid)
		require.NoError(t, err)
		return x
	}

	// prepared sender branch, peer never answered
	begin(mk(xid.BranchSender, "peer1_local1_42"))
	// committed sender branch, completion from the peer pending
	committed := mk(xid.BranchSender, "peer1_local1_40")
	begin(committed)
	commit(committed)
	// prepared receiver branch, local commit lost in the crash
	begin(mk(xid.BranchReceiver, "local1_peer2_7"))
	// branches recovery cannot place
	begin(xid.Xid{FormatID: xid.FormatID, Branch: xid.BranchSender, Gtrid: "garbage"})
	begin(mk(xid.BranchSender, "peer1_other_5"))
	// another protocol's transaction is never listed
	begin(xid.Xid{FormatID: 1, Branch: xid.BranchSender, Gtrid: "peer1_local1_99999"})
}

func TestRecoverRebuildsChannels(t *testing.T) {
	dir := t.TempDir()
	seedLog(t, dir)

	eng := openEngine(t, engine.Options{Dir: dir})
	f, err := New(eng, Options{UID: "local1", CommitCount: 4})
	require.NoError(t, err)
	f.registry = NewRegistry("local1", 0)

	stats, err := f.Recover()
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Sender)
	assert.Equal(t, 1, stats.Receiver)
	assert.Equal(t, 2, stats.Skipped)
	assert.Equal(t, 1, stats.HeuristicCommits)
	assert.Equal(t, uint64(42), stats.MaxSequence)

	peer1 := f.Registry().FindChannel("peer1")
	require.NotNil(t, peer1)
	sender := peer1.Snapshot().SenderXA
	require.Len(t, sender, 2)
	assert.Equal(t, "peer1_local1_40", sender[0].Gtrid)
	assert.Equal(t, TxnCommitted.String(), sender[0].State)
	assert.Equal(t, 1, sender[0].Commit)
	assert.Equal(t, "peer1_local1_42", sender[1].Gtrid)
	assert.Equal(t, TxnAwaitingPrepareAck.String(), sender[1].State)
	assert.True(t, sender[1].Prepared)
	assert.Zero(t, sender[1].Commit)

	peer2 := f.Registry().FindChannel("peer2")
	require.NotNil(t, peer2)
	rxa := peer2.FindXA("local1_peer2_7", false)
	require.NotNil(t, rxa)
	assert.Equal(t, TxnCommitted, rxa.State)
	assert.Equal(t, 1, rxa.Commit)

	assert.Nil(t, f.Registry().FindChannel("other"))

	ch, err := f.Registry().NewChannel("peer1", "")
	require.NoError(t, err)
	assert.Greater(t, f.Registry().NextSequence(ch), uint64(42))

	// the receiver branch was committed heuristically and delivered its put
	assert.Equal(t, int64(2), eng.DestinationDepth("orders/eu"))
}

func TestRecoveredSenderSettledOnReconnect(t *testing.T) {
	dir := t.TempDir()
	seedLog(t, dir)

	eng := openEngine(t, engine.Options{Dir: dir})
	f := newTestForwarder(t, eng, "local1", 4)
	_, err := f.Recover()
	require.NoError(t, err)

	in, link := acceptTest(f)
	in.Handle(connect(f, "peer1"))

	replies := link.ofType(protocol.ActionConnectReply)
	require.Len(t, replies, 1)
	assert.False(t, replies[0].AutoStart)

	recovers := link.ofType(protocol.ActionRecover)
	require.Len(t, recovers, 3)
	assert.Equal(t, "peer1_local1_40", recovers[0].Gtrid)
	assert.Equal(t, "peer1_local1_42", recovers[1].Gtrid)
	assert.Empty(t, recovers[2].Gtrid)

	// the peer still holds 40 as committed and never prepared 42
	in.Handle(protocol.CommitRecover("peer1_local1_40"))
	assert.Empty(t, link.ofType(protocol.ActionStart))
	in.Handle(protocol.RollRecover("peer1_local1_42"))
	require.Len(t, link.ofType(protocol.ActionStart), 1)

	ch := f.Registry().FindChannel("peer1")
	sender := ch.Snapshot().SenderXA
	require.Len(t, sender, 1, "only the new open batch remains")
	assert.False(t, sender[0].Prepared)
}
