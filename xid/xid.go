// Package xid encodes forwarder global transaction identifiers.
//
// A gtrid has the form "senderUID_receiverUID_sequence". The XID handed to the
// local engine wraps the gtrid with a format tag and a one byte branch marker
// so the two sides of a channel never collide in a shared transaction log.
package xid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// FormatID tags every XID created by the forwarder ("FWD0").
const FormatID int32 = 0x46574430

const (
	// BranchSender marks the transaction originated by the receiving broker.
	BranchSender byte = 'S'
	// BranchReceiver marks the branch coordinated by the message source.
	BranchReceiver byte = 'R'
)

const (
	// MaxUIDLen is the longest accepted broker UID.
	MaxUIDLen = 16
	// MaxGtridLen bounds the composed gtrid, matching the XA gtrid limit.
	MaxGtridLen = 64
)

var (
	ErrArgNotValid   = errors.New("argument not valid")
	ErrGtridTooLong  = errors.New("gtrid exceeds maximum length")
	ErrMalformed     = errors.New("malformed gtrid")
	ErrUnknownBranch = errors.New("unknown branch")
)

// Xid identifies one branch of a global transaction.
type Xid struct {
	FormatID int32  `msgpack:"f"`
	Branch   byte   `msgpack:"b"`
	Gtrid    string `msgpack:"g"`
}

// ValidateUID checks that uid is 1..16 ASCII letters or digits.
func ValidateUID(uid string) error {
	if len(uid) == 0 || len(uid) > MaxUIDLen {
		return fmt.Errorf("%w: uid %q length %d", ErrArgNotValid, uid, len(uid))
	}
	for i := 0; i < len(uid); i++ {
		c := uid[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			continue
		}
		return fmt.Errorf("%w: uid %q contains %q", ErrArgNotValid, uid, c)
	}
	return nil
}

// Make builds the XID for gtrid on the given branch.
func Make(branch byte, gtrid string) (Xid, error) {
	if branch != BranchSender && branch != BranchReceiver {
		return Xid{}, fmt.Errorf("%w: %q", ErrUnknownBranch, branch)
	}
	sender, receiver, _, err := ParseGtrid(gtrid)
	if err != nil {
		return Xid{}, err
	}
	if err := ValidateUID(sender); err != nil {
		return Xid{}, err
	}
	if err := ValidateUID(receiver); err != nil {
		return Xid{}, err
	}
	return Xid{FormatID: FormatID, Branch: branch, Gtrid: gtrid}, nil
}

// FormatGtrid composes "sender_receiver_seq".
func FormatGtrid(sender, receiver string, seq uint64) (string, error) {
	if err := ValidateUID(sender); err != nil {
		return "", err
	}
	if err := ValidateUID(receiver); err != nil {
		return "", err
	}
	g := sender + "_" + receiver + "_" + strconv.FormatUint(seq, 10)
	if len(g) > MaxGtridLen {
		return "", fmt.Errorf("%w: %d bytes", ErrGtridTooLong, len(g))
	}
	return g, nil
}

// ParseGtrid splits a gtrid into its sender UID, receiver UID and sequence.
func ParseGtrid(gtrid string) (sender, receiver string, seq uint64, err error) {
	first := strings.IndexByte(gtrid, '_')
	if first <= 0 {
		return "", "", 0, fmt.Errorf("%w: %q", ErrMalformed, gtrid)
	}
	rest := gtrid[first+1:]
	second := strings.IndexByte(rest, '_')
	if second <= 0 || second == len(rest)-1 {
		return "", "", 0, fmt.Errorf("%w: %q", ErrMalformed, gtrid)
	}
	seq, err = strconv.ParseUint(rest[second+1:], 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: %q: %v", ErrMalformed, gtrid, err)
	}
	return gtrid[:first], rest[:second], seq, nil
}

// IsSender reports whether x is the originating branch.
func (x Xid) IsSender() bool {
	return x.Branch == BranchSender
}

// String renders the XID as "<format>:<branch>:<gtrid>".
func (x Xid) String() string {
	return fmt.Sprintf("%08x:%c:%s", uint32(x.FormatID), x.Branch, x.Gtrid)
}

// ParseString is the inverse of Xid.String.
func ParseString(s string) (Xid, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || len(parts[1]) != 1 {
		return Xid{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	format, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return Xid{}, fmt.Errorf("%w: format in %q", ErrMalformed, s)
	}
	x := Xid{FormatID: int32(uint32(format)), Branch: parts[1][0], Gtrid: parts[2]}
	if x.Branch != BranchSender && x.Branch != BranchReceiver {
		return Xid{}, fmt.Errorf("%w: %q", ErrUnknownBranch, x.Branch)
	}
	return x, nil
}
