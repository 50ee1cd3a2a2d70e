package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/forwarder/encoding"
	"github.com/maxpert/forwarder/engine"
	"github.com/maxpert/forwarder/hlc"
	"github.com/maxpert/forwarder/xid"
)

func TestPrepareCarriesOrderedSequences(t *testing.T) {
	a := Prepare("A_B_9", 9, []uint64{3, 4, 7})
	require.NoError(t, a.Validate())
	assert.Equal(t, uint32(3), a.SeqCount)

	data, err := encoding.Marshal(a)
	require.NoError(t, err)
	var back Action
	require.NoError(t, encoding.Unmarshal(data, &back))
	assert.Equal(t, []uint64{3, 4, 7}, back.Sequences)
	assert.Equal(t, uint64(9), back.XASequence)
	assert.Equal(t, ActionPrepare, back.Type)
}

func TestConnectCarriesTimestamp(t *testing.T) {
	ts := hlc.Timestamp{WallTime: 1700000000000000000, Logical: 3}
	a := Connect(ts, "east", "brokerA")
	require.NoError(t, a.Validate())
	assert.Equal(t, Version, a.Version)
	assert.Equal(t, ts.WallTime, a.Timestamp().WallTime)
	assert.Equal(t, ts.Logical, a.Timestamp().Logical)
}

func TestConnectReplyNamesBroker(t *testing.T) {
	ok := ConnectReply(hlc.Timestamp{WallTime: 1}, RCOK, true, "west", "brokerB")
	require.NoError(t, ok.Validate())
	assert.Equal(t, "brokerB", ok.UID)
	assert.True(t, ok.AutoStart)

	rejected := ConnectReply(hlc.Timestamp{WallTime: 1}, RCVersionMismatch, false, "", "")
	assert.NoError(t, rejected.Validate())

	missing := ConnectReply(hlc.Timestamp{WallTime: 1}, RCOK, false, "", "")
	assert.Error(t, missing.Validate())
}

func TestRCErrorMapping(t *testing.T) {
	assert.Equal(t, RCOK, RCFromError(nil))
	assert.Equal(t, RCHeuristicCommit, RCFromError(fmt.Errorf("commit: %w", engine.ErrHeuristicCommit)))
	assert.Equal(t, RCArgNotValid, RCFromError(xid.ErrArgNotValid))
	assert.Equal(t, RCError, RCFromError(errors.New("disk on fire")))

	assert.NoError(t, RCOK.Err())
	assert.ErrorIs(t, RCDestinationFull.Err(), engine.ErrDestinationFull)
	assert.Error(t, RCVersionMismatch.Err())
}

func TestValidate(t *testing.T) {
	bad := []*Action{
		{Type: ActionConnect},
		{Type: ActionRMessage, Destination: "q"},
		{Type: ActionMessage},
		{Type: ActionProcessed},
		{Type: ActionPrepare, Gtrid: "g", SeqCount: 2, Sequences: []uint64{1}},
		{Type: ActionCommit},
		{Type: ActionType(99)},
	}
	for _, a := range bad {
		assert.Error(t, a.Validate(), a.Type.String())
	}

	good := []*Action{
		Recover(""),
		Start(),
		Processed(4),
		Commit("g"),
		RollRecover("g"),
		CommitRecover("g"),
		{Type: ActionMessage, Destination: "q"},
		{Type: ActionRMessage, Destination: "q", SeqNum: 1},
	}
	for _, a := range good {
		assert.NoError(t, a.Validate(), a.Type.String())
	}
}

func TestActionTypeString(t *testing.T) {
	assert.Equal(t, "CommitRecover", ActionCommitRecover.String())
	assert.Equal(t, "Action(42)", ActionType(42).String())
	assert.Equal(t, "version mismatch", RCVersionMismatch.String())
}

func TestMessageActionRoundTrip(t *testing.T) {
	q := engine.QueuedMessage{Seq: 12, Message: engine.Message{
		Destination: "orders/eu",
		Body:        []byte("x"),
		Flags:       engine.FlagPersistent,
		Reliable:    true,
		Properties:  map[string]interface{}{"k": "v"},
	}}
	a := MessageAction(q)
	require.NoError(t, a.Validate())
	assert.Equal(t, ActionRMessage, a.Type)
	assert.Equal(t, q.Message, *a.Message())

	q.Reliable = false
	assert.Equal(t, ActionMessage, MessageAction(q).Type)
	assert.False(t, MessageAction(q).Message().Reliable)
}
