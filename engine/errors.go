package engine

import "errors"

var (
	ErrNotFound              = errors.New("transaction not found")
	ErrDuplicateXid          = errors.New("xid already exists")
	ErrInvalidState          = errors.New("invalid transaction state")
	ErrHeuristicCommit       = errors.New("transaction heuristically committed")
	ErrHeuristicRollback     = errors.New("transaction heuristically rolled back")
	ErrNoMatchingDestination = errors.New("no matching destination")
	ErrDestinationFull       = errors.New("destination full")
	ErrClosed                = errors.New("engine closed")
)

// IsHeuristic reports whether err says the transaction was already resolved.
// Forwarding treats both outcomes as success.
func IsHeuristic(err error) bool {
	return errors.Is(err, ErrHeuristicCommit) || errors.Is(err, ErrHeuristicRollback)
}

// IsInformational reports whether a put failed only because the destination could
// not take the message. Such messages count as delivered.
func IsInformational(err error) bool {
	return errors.Is(err, ErrNoMatchingDestination) || errors.Is(err, ErrDestinationFull)
}
