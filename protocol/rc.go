package protocol

import (
	"errors"
	"fmt"

	"github.com/maxpert/forwarder/engine"
	"github.com/maxpert/forwarder/xid"
)

// RC is a return code carried by ConnectReply.
type RC uint16

const (
	RCOK RC = iota
	RCArgNotValid
	RCNotFound
	RCHeuristicCommit
	RCHeuristicRollback
	RCDestinationFull
	RCNoMatchingDestination
	RCVersionMismatch
	RCClosed
	RCError
)

func (rc RC) String() string {
	switch rc {
	case RCOK:
		return "ok"
	case RCArgNotValid:
		return "argument not valid"
	case RCNotFound:
		return "not found"
	case RCHeuristicCommit:
		return "heuristic commit"
	case RCHeuristicRollback:
		return "heuristic rollback"
	case RCDestinationFull:
		return "destination full"
	case RCNoMatchingDestination:
		return "no matching destination"
	case RCVersionMismatch:
		return "version mismatch"
	case RCClosed:
		return "closed"
	case RCError:
		return "error"
	}
	return fmt.Sprintf("rc(%d)", uint16(rc))
}

var rcErrors = []struct {
	rc  RC
	err error
}{
	{RCArgNotValid, xid.ErrArgNotValid},
	{RCNotFound, engine.ErrNotFound},
	{RCHeuristicCommit, engine.ErrHeuristicCommit},
	{RCHeuristicRollback, engine.ErrHeuristicRollback},
	{RCDestinationFull, engine.ErrDestinationFull},
	{RCNoMatchingDestination, engine.ErrNoMatchingDestination},
	{RCClosed, engine.ErrClosed},
}

// RCFromError maps an engine or codec error to the code sent to the peer.
func RCFromError(err error) RC {
	if err == nil {
		return RCOK
	}
	for _, e := range rcErrors {
		if errors.Is(err, e.err) {
			return e.rc
		}
	}
	return RCError
}

// Err returns the error a peer meant by rc, nil for RCOK.
func (rc RC) Err() error {
	if rc == RCOK {
		return nil
	}
	for _, e := range rcErrors {
		if e.rc == rc {
			return e.err
		}
	}
	return fmt.Errorf("peer returned %s", rc)
}
