// Package protocol defines the actions exchanged between two forwarding brokers.
// Framing and byte layout belong to the transport; an Action is the logical unit.
package protocol

import (
	"fmt"

	"github.com/maxpert/forwarder/hlc"
)

// Version is the forwarder protocol version sent in Connect.
const Version uint32 = 1

// ActionType identifies an action on the wire.
type ActionType uint8

const (
	ActionConnect ActionType = iota + 1
	ActionConnectReply
	ActionMessage
	ActionRMessage
	ActionProcessed
	ActionPrepare
	ActionCommit
	ActionCommitRecover
	ActionRollRecover
	ActionStart
	ActionRecover
)

var actionNames = map[ActionType]string{
	ActionConnect:       "Connect",
	ActionConnectReply:  "ConnectReply",
	ActionMessage:       "Message",
	ActionRMessage:      "RMessage",
	ActionProcessed:     "Processed",
	ActionPrepare:       "Prepare",
	ActionCommit:        "Commit",
	ActionCommitRecover: "CommitRecover",
	ActionRollRecover:   "RollRecover",
	ActionStart:         "Start",
	ActionRecover:       "Recover",
}

func (t ActionType) String() string {
	if name, ok := actionNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", uint8(t))
}

// Action is one protocol action. Only the fields of its type are set.
type Action struct {
	Type ActionType `msgpack:"t"`

	// Connect, ConnectReply
	Version   uint32 `msgpack:"v,omitempty"`
	WallTime  int64  `msgpack:"wt,omitempty"`
	Logical   int32  `msgpack:"lt,omitempty"`
	Name      string `msgpack:"n,omitempty"`
	UID       string `msgpack:"u,omitempty"`
	RC        RC     `msgpack:"rc,omitempty"`
	AutoStart bool   `msgpack:"as,omitempty"`

	// Message, RMessage, Processed
	SeqNum      uint64                 `msgpack:"sn,omitempty"`
	Flags       uint8                  `msgpack:"fl,omitempty"`
	Destination string                 `msgpack:"d,omitempty"`
	Expiry      int64                  `msgpack:"ex,omitempty"`
	Properties  map[string]interface{} `msgpack:"p,omitempty"`
	Body        []byte                 `msgpack:"b,omitempty"`

	// Prepare, Commit, CommitRecover, RollRecover, Recover
	Gtrid      string   `msgpack:"g,omitempty"`
	SeqCount   uint32   `msgpack:"sc,omitempty"`
	XASequence uint64   `msgpack:"xs,omitempty"`
	Sequences  []uint64 `msgpack:"ss,omitempty"`
}

// Timestamp returns the clock reading carried by Connect and ConnectReply.
func (a *Action) Timestamp() hlc.Timestamp {
	return hlc.Timestamp{WallTime: a.WallTime, Logical: a.Logical}
}

func Connect(ts hlc.Timestamp, name, uid string) *Action {
	return &Action{Type: ActionConnect, Version: Version, WallTime: ts.WallTime, Logical: ts.Logical, Name: name, UID: uid}
}

// ConnectReply answers Connect. It names the replying broker so the dialer learns
// which channel the connection belongs to.
func ConnectReply(ts hlc.Timestamp, rc RC, autoStart bool, name, uid string) *Action {
	return &Action{
		Type:      ActionConnectReply,
		Version:   Version,
		WallTime:  ts.WallTime,
		Logical:   ts.Logical,
		RC:        rc,
		AutoStart: autoStart,
		Name:      name,
		UID:       uid,
	}
}

// Processed acknowledges an unreliable message.
func Processed(seq uint64) *Action {
	return &Action{Type: ActionProcessed, SeqNum: seq}
}

// Prepare asks the peer to prepare the batch of gtrid made of seqs.
func Prepare(gtrid string, xaSequence uint64, seqs []uint64) *Action {
	return &Action{
		Type:       ActionPrepare,
		Gtrid:      gtrid,
		SeqCount:   uint32(len(seqs)),
		XASequence: xaSequence,
		Sequences:  seqs,
	}
}

func Commit(gtrid string) *Action {
	return &Action{Type: ActionCommit, Gtrid: gtrid}
}

func CommitRecover(gtrid string) *Action {
	return &Action{Type: ActionCommitRecover, Gtrid: gtrid}
}

func RollRecover(gtrid string) *Action {
	return &Action{Type: ActionRollRecover, Gtrid: gtrid}
}

func Start() *Action {
	return &Action{Type: ActionStart}
}

// Recover asks about an in-doubt gtrid. An empty gtrid ends the recover list.
func Recover(gtrid string) *Action {
	return &Action{Type: ActionRecover, Gtrid: gtrid}
}

// Validate checks that the fields required by the action type are present.
func (a *Action) Validate() error {
	switch a.Type {
	case ActionConnect:
		if a.UID == "" {
			return fmt.Errorf("%s: missing uid", a.Type)
		}
	case ActionConnectReply:
		if a.RC == RCOK && a.UID == "" {
			return fmt.Errorf("%s: missing uid", a.Type)
		}
	case ActionStart, ActionRecover:
	case ActionMessage, ActionRMessage:
		if a.Destination == "" {
			return fmt.Errorf("%s: missing destination", a.Type)
		}
		if a.Type == ActionRMessage && a.SeqNum == 0 {
			return fmt.Errorf("%s: missing sequence number", a.Type)
		}
	case ActionProcessed:
		if a.SeqNum == 0 {
			return fmt.Errorf("%s: missing sequence number", a.Type)
		}
	case ActionPrepare:
		if a.Gtrid == "" {
			return fmt.Errorf("%s: missing gtrid", a.Type)
		}
		if int(a.SeqCount) != len(a.Sequences) {
			return fmt.Errorf("%s: seqcount %d but %d sequences", a.Type, a.SeqCount, len(a.Sequences))
		}
	case ActionCommit, ActionCommitRecover, ActionRollRecover:
		if a.Gtrid == "" {
			return fmt.Errorf("%s: missing gtrid", a.Type)
		}
	default:
		return fmt.Errorf("unknown action type %d", uint8(a.Type))
	}
	return nil
}
