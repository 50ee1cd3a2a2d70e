package forwarder

import (
	"fmt"

	"github.com/maxpert/forwarder/engine"
	"github.com/maxpert/forwarder/telemetry"
	"github.com/maxpert/forwarder/xid"
	"github.com/rs/zerolog/log"
)

// RecoveryStats summarizes a Recover pass.
type RecoveryStats struct {
	Sender           int    `json:"sender"`
	Receiver         int    `json:"receiver"`
	Skipped          int    `json:"skipped"`
	HeuristicCommits int    `json:"heuristic_commits"`
	MaxSequence      uint64 `json:"max_sequence"`
}

// Recover rebuilds the channel transaction lists from the engine log. It runs once
// at startup, before any connection is attached.
//
// A prepared 'S' branch waits for the peer's answer on the next inbound connection.
// A prepared 'R' branch was already told to commit, so it is committed here. Every
// committed branch waits for the peer's completion event before it is forgotten.
// Sequences continue above the highest recovered 'S' sequence.
func (f *Forwarder) Recover() (RecoveryStats, error) {
	var (
		stats    RecoveryStats
		toCommit []*recovered
	)

	it := f.engine.RecoverXids(xid.FormatID, f.opts.RecoverPageSize)
	for {
		page, err := it.Next()
		if err != nil {
			return stats, fmt.Errorf("failed to list transactions: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, rx := range page {
			r := f.recoverOne(rx, &stats)
			if r != nil && !r.sender && rx.State == engine.StatePrepared {
				toCommit = append(toCommit, r)
			}
		}
	}

	f.registry.SeedAbove(stats.MaxSequence)

	for _, r := range toCommit {
		err := f.engine.CompleteGlobalTransaction(r.xa.XID, engine.OutcomeCommit)
		if err != nil && !engine.IsHeuristic(err) {
			log.Error().Err(err).Str("xid", r.xa.XID.String()).Msg("Failed to commit recovered transaction")
			continue
		}
		r.ch.mu.Lock()
		r.xa.Commit = 1
		r.xa.State = TxnCommitted
		r.ch.mu.Unlock()
		stats.HeuristicCommits++
	}

	log.Info().
		Int("sender", stats.Sender).
		Int("receiver", stats.Receiver).
		Int("skipped", stats.Skipped).
		Int("heuristic_commits", stats.HeuristicCommits).
		Uint64("sequence", f.registry.Sequence()).
		Msg("Recovery complete")
	return stats, nil
}

type recovered struct {
	ch     *Channel
	xa     *GlobalTransaction
	sender bool
}

func (f *Forwarder) recoverOne(rx engine.RecoveredXid, stats *RecoveryStats) *recovered {
	x := rx.XID
	logger := log.With().Str("xid", x.String()).Str("state", rx.State.String()).Logger()

	sender, receiver, seq, err := xid.ParseGtrid(x.Gtrid)
	if err != nil {
		logger.Warn().Err(err).Msg("Skipping malformed transaction")
		stats.Skipped++
		return nil
	}

	var (
		remote   string
		isSender bool
	)
	switch {
	case receiver == f.opts.UID && x.Branch == xid.BranchSender:
		remote, isSender = sender, true
	case sender == f.opts.UID && x.Branch == xid.BranchReceiver:
		remote = receiver
	default:
		logger.Warn().Msg("Skipping transaction of another broker")
		stats.Skipped++
		return nil
	}

	if rx.State == engine.StateHeuristicRollback {
		f.forget(newGlobalTransaction(x, seq))
		stats.Skipped++
		return nil
	}

	ch, err := f.registry.NewChannel(remote, "")
	if err != nil {
		logger.Warn().Err(err).Msg("Skipping transaction with invalid peer")
		stats.Skipped++
		return nil
	}

	xa := newGlobalTransaction(x, seq)
	xa.Prepared = true
	switch rx.State {
	case engine.StatePrepared:
		if isSender {
			xa.State = TxnAwaitingPrepareAck
		} else {
			xa.State = TxnPrepared
		}
	case engine.StateCommitted, engine.StateHeuristicCommit:
		xa.Commit = 1
		xa.State = TxnCommitted
	}

	if !ch.LinkXA(xa, isSender) {
		logger.Warn().Msg("Duplicate recovered transaction")
		stats.Skipped++
		return nil
	}

	branch := listLabel(isSender)
	telemetry.RecoveredXidsTotal.With(branch).Inc()
	if isSender {
		stats.Sender++
		if seq > stats.MaxSequence {
			stats.MaxSequence = seq
		}
	} else {
		stats.Receiver++
	}
	logger.Debug().Str("channel", remote).Str("branch", branch).Msg("Recovered transaction")
	return &recovered{ch: ch, xa: xa, sender: isSender}
}
