package forwarder

import (
	"errors"
	"fmt"

	"github.com/maxpert/forwarder/protocol"
)

var (
	// ErrClosing is returned for work refused because the connection is closing
	ErrClosing = errors.New("connection closing")
	// ErrSuperseded closes an inbound connection replaced by a newer Connect from the same broker
	ErrSuperseded = errors.New("connection superseded")
	// ErrShutdown closes connections when the forwarder stops
	ErrShutdown = errors.New("forwarder shutting down")
)

// ConnectRejectedError is the reason a connection closes after a non-OK ConnectReply
type ConnectRejectedError struct {
	RC     protocol.RC
	Detail string
}

func (e *ConnectRejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("connect rejected: %s", e.RC)
	}
	return fmt.Sprintf("connect rejected: %s: %s", e.RC, e.Detail)
}

// PrepareFailedError closes a connection whose transaction could not be prepared
type PrepareFailedError struct {
	Gtrid string
	Err   error
}

func (e *PrepareFailedError) Error() string {
	return fmt.Sprintf("prepare of %s failed: %v", e.Gtrid, e.Err)
}

func (e *PrepareFailedError) Unwrap() error {
	return e.Err
}

// ProtocolError reports an action the connection cannot accept in its current state
type ProtocolError struct {
	Action protocol.ActionType
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %s: %s", e.Action, e.Detail)
}

// closeReason labels the connections_closed_total metric
func closeReason(err error) string {
	var (
		rejected *ConnectRejectedError
		prepare  *PrepareFailedError
		proto    *ProtocolError
	)
	switch {
	case err == nil:
		return "peer"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case errors.As(err, &rejected):
		return "rejected"
	case errors.As(err, &prepare):
		return "prepare"
	case errors.As(err, &proto):
		return "protocol"
	}
	return "error"
}
