package forwarder

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/maxpert/forwarder/engine"
	"github.com/maxpert/forwarder/protocol"
	"github.com/maxpert/forwarder/telemetry"
	"github.com/maxpert/forwarder/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type inboundState int32

const (
	stateAwaitConnect inboundState = iota
	stateCreatingConnection
	stateCreatingSession
	stateCreatingTransaction
	stateReplying
	stateOpen
	stateRejected
)

func (s inboundState) String() string {
	switch s {
	case stateAwaitConnect:
		return "await_connect"
	case stateCreatingConnection:
		return "creating_connection"
	case stateCreatingSession:
		return "creating_session"
	case stateCreatingTransaction:
		return "creating_transaction"
	case stateReplying:
		return "replying"
	case stateOpen:
		return "open"
	case stateRejected:
		return "rejected"
	}
	return "unknown"
}

// Inbound is a connection accepted from a peer that forwards messages to this
// broker. It originates the 'S' branch of every batch.
//
// Engine calls issued on behalf of the connection are counted in inProgress. A
// close subtracts one more; whichever decrement drives the counter negative runs
// finishClose, so teardown waits for outstanding engine calls.
type Inbound struct {
	f    *Forwarder
	link Link
	id   uint64
	log  zerolog.Logger

	state atomic.Int32

	// set by the handshake before stateOpen
	ch      *Channel
	client  *engine.ClientState
	session *engine.Session

	inProgress atomic.Int32
	closing    atomic.Bool
	closeOnce  sync.Once
	finishOnce sync.Once
	reason     error

	// mu guards the batches and the recover exchange
	mu             sync.Mutex
	current        *batch
	waiting        []*batch
	rolling        bool
	lastCount      int
	recoverPending map[string]struct{}
	started        bool
}

func newInbound(f *Forwarder, link Link, id uint64) *Inbound {
	return &Inbound{
		f:    f,
		link: link,
		id:   id,
		log: log.With().
			Str("direction", "inbound").
			Str("peer", link.Peer()).
			Uint64("conn", id).
			Logger(),
	}
}

func (c *Inbound) getState() inboundState {
	return inboundState(c.state.Load())
}

func (c *Inbound) setState(s inboundState) {
	c.state.Store(int32(s))
}

func (c *Inbound) isOpen() bool {
	return c.getState() == stateOpen && !c.closing.Load()
}

// Channel returns the channel once Connect was accepted.
func (c *Inbound) Channel() *Channel {
	if c.getState() < stateCreatingConnection {
		return nil
	}
	return c.ch
}

func (c *Inbound) send(a *protocol.Action) {
	if err := c.link.Send(a); err != nil {
		c.log.Debug().Err(err).Str("action", a.Type.String()).Msg("Send failed")
	}
}

// Close asks the transport to close the connection.
func (c *Inbound) Close(reason error) {
	c.link.Close(reason)
}

// enter registers an engine call. It fails once a close was requested.
func (c *Inbound) enter() bool {
	if c.closing.Load() {
		return false
	}
	if c.inProgress.Add(1) <= 0 {
		c.inProgress.Add(-1)
		return false
	}
	return true
}

func (c *Inbound) leave() {
	if c.inProgress.Add(-1) < 0 {
		c.finishClose()
	}
}

// Closed implements Conn.
func (c *Inbound) Closed(reason error) {
	c.closeOnce.Do(func() {
		c.reason = reason
		c.closing.Store(true)
		if c.inProgress.Add(-1) < 0 {
			c.finishClose()
		}
	})
}

func (c *Inbound) finishClose() {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		batches := c.waiting
		if c.current != nil {
			batches = append(batches, c.current)
		}
		c.current = nil
		c.waiting = nil
		c.mu.Unlock()

		if ch := c.ch; ch != nil && c.getState() >= stateCreatingConnection {
			var discard []*GlobalTransaction
			ch.mu.Lock()
			for _, b := range batches {
				if !b.xa.Prepared && ch.unlinkXALocked(b.xa, true) {
					discard = append(discard, b.xa)
				}
			}
			if ch.inbound == c {
				ch.inbound = nil
			}
			ch.mu.Unlock()

			for _, xa := range discard {
				c.f.rollback(xa)
			}
		}
		if c.client != nil {
			c.f.engine.DestroyClientState(c.client)
		}

		c.f.connClosed(c.id, "inbound", c.reason)
		c.log.Info().Err(c.reason).Str("state", c.getState().String()).Msg("Inbound connection closed")
	})
}

// Handle implements Conn.
func (c *Inbound) Handle(a *protocol.Action) {
	if err := a.Validate(); err != nil {
		c.Close(&ProtocolError{Action: a.Type, Detail: err.Error()})
		return
	}

	switch a.Type {
	case protocol.ActionConnect:
		c.onConnect(a)
	case protocol.ActionMessage, protocol.ActionRMessage:
		c.onMessage(a)
	case protocol.ActionCommit:
		c.onCommit(a.Gtrid, false)
	case protocol.ActionCommitRecover:
		c.onCommit(a.Gtrid, true)
	case protocol.ActionRollRecover:
		c.onRollRecover(a.Gtrid)
	case protocol.ActionRecover:
		c.onRecover(a.Gtrid)
	default:
		c.Close(&ProtocolError{Action: a.Type, Detail: "not accepted on an inbound connection"})
	}
}

func (c *Inbound) onConnect(a *protocol.Action) {
	if c.getState() != stateAwaitConnect {
		c.Close(&ProtocolError{Action: a.Type, Detail: "duplicate connect"})
		return
	}
	c.f.syncClock(c.log, a.Timestamp())

	if a.Version != protocol.Version {
		c.reject(protocol.RCVersionMismatch, fmt.Sprintf("peer version %d, local %d", a.Version, protocol.Version))
		return
	}
	if err := xid.ValidateUID(a.UID); err != nil {
		c.reject(protocol.RCArgNotValid, err.Error())
		return
	}
	if a.UID == c.f.opts.UID {
		c.reject(protocol.RCArgNotValid, "connect from the local uid")
		return
	}

	ch, err := c.f.registry.NewChannel(a.UID, a.Name)
	if err != nil {
		c.reject(protocol.RCFromError(err), err.Error())
		return
	}
	ch.mu.Lock()
	old := ch.inbound
	if old == nil {
		ch.inbound = c
	}
	ch.mu.Unlock()
	if old != nil {
		old.Close(ErrSuperseded)
		c.reject(protocol.RCClosed, "previous connection still open")
		return
	}

	c.ch = ch
	c.log = c.log.With().Str("channel", ch.UID).Logger()
	c.setState(stateCreatingConnection)
	c.log.Debug().Str("name", a.Name).Msg("Connect received")
	c.advance()
}

func (c *Inbound) reject(rc protocol.RC, detail string) {
	c.setState(stateRejected)
	c.send(protocol.ConnectReply(c.f.clock.Now(), rc, false, "", ""))
	c.Close(&ConnectRejectedError{RC: rc, Detail: detail})
}

// advance runs handshake steps until one goes asynchronous or the reply is sent.
// A step completing asynchronously calls advance again from its callback.
func (c *Inbound) advance() {
	for {
		if c.closing.Load() {
			return
		}
		var (
			pending bool
			err     error
		)
		switch c.getState() {
		case stateCreatingConnection:
			pending, err = c.createClient()
		case stateCreatingSession:
			pending, err = c.createSession()
		case stateCreatingTransaction:
			pending, err = c.createFirstBatch()
		case stateReplying:
			c.reply()
			return
		default:
			return
		}
		if err != nil {
			c.Close(fmt.Errorf("%s: %w", c.getState(), err))
			return
		}
		if pending {
			return
		}
	}
}

// resume continues the handshake after an asynchronous step.
func (c *Inbound) resume(err error) {
	if err != nil {
		c.Close(fmt.Errorf("%s: %w", c.getState(), err))
		return
	}
	c.advance()
}

func (c *Inbound) createClient() (bool, error) {
	if !c.enter() {
		return true, nil
	}
	r := c.f.engine.CreateClientState(c.ch.Name(), c.ch.UID, func(cs *engine.ClientState, err error) {
		c.resume(c.clientCreated(cs, err))
		c.leave()
	})
	if r.Pending() {
		return true, nil
	}
	err := c.clientCreated(r.Get())
	c.leave()
	return false, err
}

func (c *Inbound) clientCreated(cs *engine.ClientState, err error) error {
	if err != nil {
		return err
	}
	c.client = cs
	c.setState(stateCreatingSession)
	return nil
}

func (c *Inbound) createSession() (bool, error) {
	if !c.enter() {
		return true, nil
	}
	r := c.f.engine.CreateSession(c.client, func(s *engine.Session, err error) {
		c.resume(c.sessionCreated(s, err))
		c.leave()
	})
	if r.Pending() {
		return true, nil
	}
	err := c.sessionCreated(r.Get())
	c.leave()
	return false, err
}

func (c *Inbound) sessionCreated(s *engine.Session, err error) error {
	if err != nil {
		return err
	}
	c.session = s
	c.setState(stateCreatingTransaction)
	return nil
}

func (c *Inbound) createFirstBatch() (bool, error) {
	r := c.createXA(func(b *batch, err error) {
		c.resume(c.firstBatchCreated(b, err))
	})
	if r.Pending() {
		return true, nil
	}
	return false, c.firstBatchCreated(r.Get())
}

func (c *Inbound) firstBatchCreated(b *batch, err error) error {
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.current = b
	c.mu.Unlock()
	c.setState(stateReplying)
	return nil
}

// reply answers Connect. Prepared sender transactions left from earlier connections
// are in doubt: the peer must settle them before it may start sending.
func (c *Inbound) reply() {
	var inDoubt []string
	c.ch.mu.Lock()
	for _, xa := range c.ch.senderXA.items() {
		if xa.Prepared {
			inDoubt = append(inDoubt, xa.Gtrid)
		}
	}
	c.ch.mu.Unlock()

	autoStart := len(inDoubt) == 0
	c.mu.Lock()
	c.recoverPending = make(map[string]struct{}, len(inDoubt))
	for _, g := range inDoubt {
		c.recoverPending[g] = struct{}{}
	}
	c.started = autoStart
	c.mu.Unlock()

	c.setState(stateOpen)
	c.send(protocol.ConnectReply(c.f.clock.Now(), protocol.RCOK, autoStart, c.f.opts.Name, c.f.opts.UID))
	if !autoStart {
		for _, g := range inDoubt {
			c.send(protocol.Recover(g))
		}
		c.send(protocol.Recover(""))
	}
	c.log.Info().Bool("auto_start", autoStart).Int("in_doubt", len(inDoubt)).Msg("Inbound connection open")
}

// createXA opens the next sender branch. It follows the engine convention: a Ready
// result carries the batch, a Pending one delivers it to done.
func (c *Inbound) createXA(done engine.Callback[*batch]) engine.Result[*batch] {
	if !c.enter() {
		return engine.Done[*batch](nil, ErrClosing)
	}
	gtrid, seq, err := c.f.registry.NewGtrid(c.ch)
	if err != nil {
		c.leave()
		return engine.Done[*batch](nil, err)
	}
	x, err := xid.Make(xid.BranchSender, gtrid)
	if err != nil {
		c.leave()
		return engine.Done[*batch](nil, err)
	}
	xa := newGlobalTransaction(x, seq)
	c.ch.LinkXA(xa, true)

	m := newTxnMetrics("create")
	r := c.f.engine.CreateGlobalTransaction(c.session, x, func(t *engine.Transaction, err error) {
		done(c.xaCreated(xa, t, m.done(err)))
		c.leave()
	})
	if r.Pending() {
		return engine.Async[*batch]()
	}
	t, err := r.Get()
	b, err := c.xaCreated(xa, t, m.done(err))
	c.leave()
	return engine.Done(b, err)
}

func (c *Inbound) xaCreated(xa *GlobalTransaction, t *engine.Transaction, err error) (*batch, error) {
	if err != nil {
		c.ch.UnlinkXA(xa, true)
		return nil, err
	}
	c.log.Debug().Str("gtrid", xa.Gtrid).Msg("Transaction created")
	return newBatch(xa, t, c.f.opts.CommitCount), nil
}

func (c *Inbound) onMessage(a *protocol.Action) {
	if !c.isOpen() {
		c.Close(&ProtocolError{Action: a.Type, Detail: "message before connect completed"})
		return
	}
	m := a.Message()

	if a.Type == protocol.ActionMessage {
		telemetry.MessagesReceivedTotal.With("unreliable").Inc()
		c.putUnreliable(m, a.SeqNum)
		return
	}
	telemetry.MessagesReceivedTotal.With("reliable").Inc()

	c.mu.Lock()
	b := c.current
	if b == nil {
		c.mu.Unlock()
		return
	}
	n := b.add(a.SeqNum)
	roll := n >= c.f.opts.CommitCount && !c.rolling
	if roll {
		c.rolling = true
	}
	c.mu.Unlock()

	c.log.Trace().Uint64("seq", a.SeqNum).Str("gtrid", b.xa.Gtrid).Int("count", n).Msg("Reliable message")
	c.put(b, m)
	if roll {
		c.rollover()
	}
}

func (c *Inbound) put(b *batch, m *engine.Message) {
	if !c.enter() {
		return
	}
	r := c.f.engine.PutMessage(b.txn, m, func(_ engine.Void, err error) {
		c.reliableAck(b, err)
		c.leave()
	})
	if !r.Pending() {
		c.reliableAck(b, r.Err())
		c.leave()
	}
}

// reliableAck counts one completed put of b and starts the prepare when b is
// sealed and complete.
func (c *Inbound) reliableAck(b *batch, err error) {
	if err != nil {
		if !engine.IsInformational(err) {
			c.Close(fmt.Errorf("put into %s: %w", b.xa.Gtrid, err))
			return
		}
		telemetry.MessagesDroppedTotal.With(dropReason(err)).Inc()
	}

	c.mu.Lock()
	b.ready++
	fire := b.claimPrepare()
	if fire {
		c.removeWaitingLocked(b)
	}
	c.mu.Unlock()

	if fire {
		c.prepareXA(b)
	}
}

func (c *Inbound) putUnreliable(m *engine.Message, seq uint64) {
	if !c.enter() {
		return
	}
	r := c.f.engine.PutMessage(nil, m, func(_ engine.Void, err error) {
		c.processed(seq, err)
		c.leave()
	})
	if !r.Pending() {
		c.processed(seq, r.Err())
		c.leave()
	}
}

func (c *Inbound) processed(seq uint64, err error) {
	if err != nil {
		if !engine.IsInformational(err) {
			c.Close(fmt.Errorf("put of message %d: %w", seq, err))
			return
		}
		telemetry.MessagesDroppedTotal.With(dropReason(err)).Inc()
	}
	if seq != 0 {
		c.send(protocol.Processed(seq))
	}
}

// rollover installs a new current batch. The full batch keeps taking messages
// until the new one exists.
func (c *Inbound) rollover() {
	r := c.createXA(c.installBatch)
	if !r.Pending() {
		c.installBatch(r.Get())
	}
}

func (c *Inbound) installBatch(nb *batch, err error) {
	if err != nil {
		c.mu.Lock()
		c.rolling = false
		c.mu.Unlock()
		if !errors.Is(err, ErrClosing) {
			c.Close(fmt.Errorf("rollover: %w", err))
		}
		return
	}

	c.mu.Lock()
	old := c.current
	c.current = nb
	c.rolling = false
	c.lastCount = 0
	fire := false
	if old != nil {
		old.sealed = true
		if fire = old.claimPrepare(); !fire {
			c.waiting = append(c.waiting, old)
		}
	}
	c.mu.Unlock()

	if fire {
		c.prepareXA(old)
	}
}

func (c *Inbound) removeWaitingLocked(b *batch) {
	for i, w := range c.waiting {
		if w == b {
			c.waiting = append(c.waiting[:i], c.waiting[i+1:]...)
			return
		}
	}
}

// tick rolls the current batch over when it holds messages and got none since the
// previous tick.
func (c *Inbound) tick() {
	if !c.isOpen() {
		return
	}
	c.mu.Lock()
	b := c.current
	idle := b != nil && b.count() > 0 && !c.rolling && b.count() == c.lastCount
	if idle {
		c.rolling = true
	} else if b != nil {
		c.lastCount = b.count()
	}
	c.mu.Unlock()

	if idle {
		c.log.Trace().Str("gtrid", b.xa.Gtrid).Int("count", b.count()).Msg("Idle rollover")
		c.rollover()
	}
}

// prepareXA prepares the local branch of b and hands the batch to the peer.
func (c *Inbound) prepareXA(b *batch) {
	telemetry.BatchSize.Observe(float64(b.count()))
	if !c.enter() {
		// claimed batches are out of current and waiting, finishClose won't see it
		c.discard(b)
		return
	}
	m := newTxnMetrics("prepare")
	r := c.f.engine.PrepareGlobalTransaction(b.xa.XID, func(_ engine.Void, err error) {
		c.prepared(b, m.done(err))
		c.leave()
	})
	if !r.Pending() {
		c.prepared(b, m.done(r.Err()))
		c.leave()
	}
}

// discard rolls back the branch of a batch that will never be prepared.
func (c *Inbound) discard(b *batch) {
	if c.ch.UnlinkXA(b.xa, true) {
		c.log.Debug().Str("gtrid", b.xa.Gtrid).Msg("Discarding unprepared batch")
		c.f.rollback(b.xa)
	}
}

func (c *Inbound) prepared(b *batch, err error) {
	if err != nil {
		c.ch.UnlinkXA(b.xa, true)
		c.f.rollback(b.xa)
		c.Close(&PrepareFailedError{Gtrid: b.xa.Gtrid, Err: err})
		return
	}

	c.ch.mu.Lock()
	b.xa.Prepared = true
	b.xa.State = TxnAwaitingPrepareAck
	c.ch.mu.Unlock()

	c.send(protocol.Prepare(b.xa.Gtrid, b.xa.Sequence, b.seqs))
	c.log.Debug().Str("gtrid", b.xa.Gtrid).Int("count", b.count()).Msg("Prepare sent")
}

// onCommit handles the peer's Commit (its branch is prepared) and CommitRecover
// (answer to a Recover). The first completion event commits the local branch.
func (c *Inbound) onCommit(gtrid string, recovering bool) {
	ch := c.ch
	if ch == nil || !c.isOpen() {
		return
	}

	ch.mu.Lock()
	xa := ch.findXALocked(gtrid, true)
	switch {
	case xa == nil:
		ch.mu.Unlock()
		c.log.Debug().Str("gtrid", gtrid).Msg("Commit for unknown transaction ignored")
	case xa.Commit == 0 && xa.Prepared:
		xa.Commit = 1
		xa.State = TxnCommitting
		ch.mu.Unlock()
		c.f.commitSender(ch, xa)
	case xa.State == TxnCommitted:
		ch.mu.Unlock()
		if c.f.commitCompleted(ch, gtrid, true) {
			c.send(protocol.Commit(gtrid))
		}
	default:
		ch.mu.Unlock()
		c.log.Debug().Str("gtrid", gtrid).Str("state", xa.State.String()).Msg("Duplicate commit ignored")
	}

	if recovering {
		c.recoverAnswered(gtrid)
	}
}

// onRollRecover: the peer never prepared gtrid, so the local branch is rolled back.
func (c *Inbound) onRollRecover(gtrid string) {
	ch := c.ch
	if ch == nil || !c.isOpen() {
		return
	}

	ch.mu.Lock()
	xa := ch.findXALocked(gtrid, true)
	switch {
	case xa == nil:
		ch.mu.Unlock()
	case xa.Commit == 0:
		ch.unlinkXALocked(xa, true)
		xa.State = TxnForgotten
		ch.mu.Unlock()
		c.f.rollback(xa)
		c.log.Info().Str("gtrid", gtrid).Msg("In-doubt transaction rolled back")
	case xa.State == TxnCommitted:
		ch.mu.Unlock()
		// committed here and already forgotten by the peer
		c.f.commitCompleted(ch, gtrid, true)
	default:
		ch.mu.Unlock()
	}

	c.recoverAnswered(gtrid)
}

func (c *Inbound) recoverAnswered(gtrid string) {
	c.mu.Lock()
	if _, ok := c.recoverPending[gtrid]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.recoverPending, gtrid)
	start := len(c.recoverPending) == 0 && !c.started
	if start {
		c.started = true
	}
	c.mu.Unlock()

	if start {
		c.send(protocol.Start())
		c.log.Info().Msg("Recovery settled, peer started")
	}
}

// onRecover answers the peer asking whether a receiver branch it committed can be
// forgotten.
func (c *Inbound) onRecover(gtrid string) {
	ch := c.ch
	if gtrid == "" || ch == nil || !c.isOpen() {
		return
	}

	ch.mu.Lock()
	xa := ch.findXALocked(gtrid, true)
	switch {
	case xa == nil:
		ch.mu.Unlock()
		c.send(protocol.Commit(gtrid))
	case xa.State == TxnCommitted:
		ch.mu.Unlock()
		if c.f.commitCompleted(ch, gtrid, true) {
			c.send(protocol.Commit(gtrid))
		}
	default:
		ch.mu.Unlock()
		c.log.Debug().Str("gtrid", gtrid).Str("state", xa.State.String()).Msg("Recover for unsettled transaction ignored")
	}
}

// commitSender commits the local 'S' branch. The commit belongs to the channel, not
// the connection that asked for it: completion is reported on whatever inbound
// connection is open by then.
func (f *Forwarder) commitSender(ch *Channel, xa *GlobalTransaction) {
	m := newTxnMetrics("commit")
	done := func(_ engine.Void, err error) {
		f.senderCommitted(ch, xa, m.done(err))
	}
	r := f.engine.CommitGlobalTransaction(xa.XID, done)
	if !r.Pending() {
		done(r.Get())
	}
}

func (f *Forwarder) senderCommitted(ch *Channel, xa *GlobalTransaction, err error) {
	if err != nil && !engine.IsHeuristic(err) {
		log.Error().Err(err).Str("channel", ch.UID).Str("gtrid", xa.Gtrid).Msg("Commit failed")
		ch.mu.Lock()
		xa.Commit = 0
		xa.State = TxnAwaitingPrepareAck
		ch.mu.Unlock()
		if in := ch.Inbound(); in != nil {
			in.Close(fmt.Errorf("commit of %s: %w", xa.Gtrid, err))
		}
		return
	}

	ch.mu.Lock()
	if xa.State == TxnCommitting {
		xa.State = TxnCommitted
	}
	ch.mu.Unlock()

	if f.commitCompleted(ch, xa.Gtrid, true) {
		f.sendInbound(ch, protocol.Commit(xa.Gtrid))
	}
}

func dropReason(err error) string {
	if errors.Is(err, engine.ErrDestinationFull) {
		return "destination_full"
	}
	return "no_matching_destination"
}
