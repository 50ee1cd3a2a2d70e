package forwarder

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/forwarder/engine"
	"github.com/maxpert/forwarder/notify"
	"github.com/maxpert/forwarder/protocol"
	"github.com/maxpert/forwarder/telemetry"
	"github.com/maxpert/forwarder/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type outboundState int32

const (
	outAwaitReply outboundState = iota
	outOpen
	outClosed
)

// Outbound is a connection dialed to a peer. It sends the forward queue of the
// peer's channel and coordinates the 'R' branch that consumes each batch.
type Outbound struct {
	f    *Forwarder
	link Link
	id   uint64
	log  zerolog.Logger

	state atomic.Int32
	ch    *Channel

	mu       sync.Mutex
	inflight map[uint64]bool // seq -> reliable
	cursor   uint64
	started  bool

	stopCh    chan struct{}
	wake      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newOutbound(f *Forwarder, link Link, id uint64) *Outbound {
	return &Outbound{
		f:        f,
		link:     link,
		id:       id,
		inflight: make(map[uint64]bool),
		stopCh:   make(chan struct{}),
		wake:     make(chan struct{}, 1),
		log: log.With().
			Str("direction", "outbound").
			Str("peer", link.Peer()).
			Uint64("conn", id).
			Logger(),
	}
}

func (o *Outbound) isOpen() bool {
	return outboundState(o.state.Load()) == outOpen
}

// Channel returns the channel once the peer accepted the connection.
func (o *Outbound) Channel() *Channel {
	if !o.isOpen() {
		return nil
	}
	return o.ch
}

func (o *Outbound) send(a *protocol.Action) {
	if err := o.link.Send(a); err != nil {
		o.log.Debug().Err(err).Str("action", a.Type.String()).Msg("Send failed")
	}
}

// Close asks the transport to close the connection.
func (o *Outbound) Close(reason error) {
	o.link.Close(reason)
}

// Closed implements Conn.
func (o *Outbound) Closed(reason error) {
	o.closeOnce.Do(func() {
		o.state.Store(int32(outClosed))
		close(o.stopCh)
		o.wg.Wait()

		if ch := o.ch; ch != nil {
			ch.mu.Lock()
			if ch.outbound == o {
				ch.outbound = nil
			}
			ch.mu.Unlock()
		}
		o.mu.Lock()
		o.inflight = make(map[uint64]bool)
		o.mu.Unlock()

		o.f.connClosed(o.id, "outbound", reason)
		o.log.Info().Err(reason).Msg("Outbound connection closed")
	})
}

// Handle implements Conn.
func (o *Outbound) Handle(a *protocol.Action) {
	if err := a.Validate(); err != nil {
		o.Close(&ProtocolError{Action: a.Type, Detail: err.Error()})
		return
	}

	if a.Type == protocol.ActionConnectReply {
		o.onConnectReply(a)
		return
	}
	if !o.isOpen() {
		o.Close(&ProtocolError{Action: a.Type, Detail: "before connect reply"})
		return
	}

	switch a.Type {
	case protocol.ActionProcessed:
		o.onProcessed(a.SeqNum)
	case protocol.ActionPrepare:
		o.onPrepare(a)
	case protocol.ActionCommit:
		o.f.commitCompleted(o.ch, a.Gtrid, false)
	case protocol.ActionRecover:
		o.onRecover(a.Gtrid)
	case protocol.ActionStart:
		o.startSending()
	default:
		o.Close(&ProtocolError{Action: a.Type, Detail: "not accepted on an outbound connection"})
	}
}

func (o *Outbound) onConnectReply(a *protocol.Action) {
	if outboundState(o.state.Load()) != outAwaitReply {
		o.Close(&ProtocolError{Action: a.Type, Detail: "duplicate connect reply"})
		return
	}
	o.f.syncClock(o.log, a.Timestamp())

	if a.RC != protocol.RCOK {
		o.Close(&ConnectRejectedError{RC: a.RC})
		return
	}
	if a.Version != protocol.Version {
		o.Close(&ConnectRejectedError{RC: protocol.RCVersionMismatch, Detail: fmt.Sprintf("peer version %d", a.Version)})
		return
	}
	if a.UID == o.f.opts.UID {
		o.Close(&ConnectRejectedError{RC: protocol.RCArgNotValid, Detail: "connected to the local broker"})
		return
	}

	ch, err := o.f.registry.NewChannel(a.UID, a.Name)
	if err != nil {
		o.Close(&ConnectRejectedError{RC: protocol.RCArgNotValid, Detail: err.Error()})
		return
	}

	ch.mu.Lock()
	if ch.outbound != nil && ch.outbound != o {
		ch.mu.Unlock()
		o.Close(&ProtocolError{Action: a.Type, Detail: "channel already has an outbound connection"})
		return
	}
	ch.outbound = o
	var committed []string
	for _, xa := range ch.receiverXA.items() {
		if xa.State == TxnCommitted {
			committed = append(committed, xa.Gtrid)
		}
	}
	ch.mu.Unlock()

	o.ch = ch
	o.log = o.log.With().Str("channel", ch.UID).Logger()
	o.state.Store(int32(outOpen))

	// committed here, completion from the peer never arrived
	for _, g := range committed {
		o.send(protocol.Recover(g))
	}
	o.log.Info().Bool("auto_start", a.AutoStart).Int("committed", len(committed)).Msg("Outbound connection open")

	if a.AutoStart {
		o.startSending()
	}
}

func (o *Outbound) startSending() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	o.wg.Add(1)
	go o.sendLoop()
}

func (o *Outbound) sendLoop() {
	defer o.wg.Done()

	signals, cancel := o.f.hub.Subscribe(notify.Filter{Channels: []string{o.ch.UID}})
	defer cancel()

	ticker := time.NewTicker(o.f.opts.CommitInterval)
	defer ticker.Stop()

	o.pump()
	for {
		select {
		case <-o.stopCh:
			return
		case _, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			o.pump()
		case <-o.wake:
			o.pump()
		case <-ticker.C:
			o.pump()
		}
	}
}

func (o *Outbound) wakeUp() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// pump sends queued messages until the queue is drained or the in-flight window
// is full.
func (o *Outbound) pump() {
	for {
		select {
		case <-o.stopCh:
			return
		default:
		}

		o.mu.Lock()
		room := o.f.opts.MaxInflight - len(o.inflight)
		cursor := o.cursor
		o.mu.Unlock()
		if room <= 0 {
			return
		}

		msgs, err := o.f.engine.Pending(o.ch.UID, cursor, room)
		if err != nil {
			o.log.Warn().Err(err).Msg("Failed to read forward queue")
			return
		}
		if len(msgs) == 0 {
			return
		}

		now := time.Now()
		for _, q := range msgs {
			o.mu.Lock()
			o.cursor = q.Seq
			if q.Expired(now) {
				o.mu.Unlock()
				if err := o.f.engine.Acknowledge(o.ch.UID, q.Seq); err != nil {
					o.log.Debug().Err(err).Uint64("seq", q.Seq).Msg("Failed to drop expired message")
				}
				telemetry.MessagesDroppedTotal.With("expired").Inc()
				continue
			}
			o.inflight[q.Seq] = q.Reliable
			o.mu.Unlock()

			o.send(protocol.MessageAction(q))
			telemetry.MessagesSentTotal.With(qos(q.Reliable)).Inc()
		}
		telemetry.ForwardQueueDepth.With(o.ch.UID).Set(float64(o.f.engine.Depth(o.ch.UID)))

		if len(msgs) < room {
			return
		}
	}
}

func qos(reliable bool) string {
	if reliable {
		return "reliable"
	}
	return "unreliable"
}

func (o *Outbound) onProcessed(seq uint64) {
	if err := o.f.engine.Acknowledge(o.ch.UID, seq); err != nil {
		o.log.Warn().Err(err).Uint64("seq", seq).Msg("Failed to acknowledge message")
	}
	o.mu.Lock()
	delete(o.inflight, seq)
	o.mu.Unlock()
	o.wakeUp()
}

func (o *Outbound) onPrepare(a *protocol.Action) {
	o.mu.Lock()
	for _, s := range a.Sequences {
		delete(o.inflight, s)
	}
	o.mu.Unlock()
	o.wakeUp()

	o.f.receiverPrepare(o.ch, a.Gtrid, a.Sequences)
}

// onRecover answers the peer's question about one of its prepared 'S' branches.
func (o *Outbound) onRecover(gtrid string) {
	if gtrid == "" {
		return
	}

	ch := o.ch
	ch.mu.Lock()
	xa := ch.findXALocked(gtrid, false)
	switch {
	case xa == nil:
		ch.mu.Unlock()
		// never prepared here
		o.send(protocol.RollRecover(gtrid))
	case xa.inFlight:
		xa.recoverWaiter = true
		ch.mu.Unlock()
	default:
		ch.mu.Unlock()
		o.send(protocol.CommitRecover(gtrid))
	}
}

// receiverPrepare runs the 'R' branch for a batch the peer prepared: create, consume
// the batch from the forward queue, prepare. The peer is told to commit once the
// branch is prepared and the local branch commits right away.
func (f *Forwarder) receiverPrepare(ch *Channel, gtrid string, seqs []uint64) {
	ch.mu.Lock()
	if xa := ch.findXALocked(gtrid, false); xa != nil {
		prepared := xa.Prepared && xa.State != TxnForgotten
		ch.mu.Unlock()
		if prepared {
			f.sendOutbound(ch, protocol.Commit(gtrid))
		}
		return
	}
	ch.mu.Unlock()

	sender, receiver, seq, err := xid.ParseGtrid(gtrid)
	if err == nil && (sender != f.opts.UID || receiver != ch.UID) {
		err = fmt.Errorf("%w: gtrid %s does not belong to channel %s", xid.ErrArgNotValid, gtrid, ch.UID)
	}
	var x xid.Xid
	if err == nil {
		x, err = xid.Make(xid.BranchReceiver, gtrid)
	}
	if err != nil {
		f.prepareFailed(ch, nil, false, gtrid, err)
		return
	}

	xa := newGlobalTransaction(x, seq)
	xa.inFlight = true
	if !ch.LinkXA(xa, false) {
		return
	}

	create := newTxnMetrics("create")
	r := f.engine.CreateGlobalTransaction(f.session, x, func(t *engine.Transaction, err error) {
		f.receiverCreated(ch, xa, seqs, t, create.done(err))
	})
	if !r.Pending() {
		t, err := r.Get()
		f.receiverCreated(ch, xa, seqs, t, create.done(err))
	}
}

func (f *Forwarder) receiverCreated(ch *Channel, xa *GlobalTransaction, seqs []uint64, t *engine.Transaction, err error) {
	if err != nil {
		f.prepareFailed(ch, xa, false, xa.Gtrid, err)
		return
	}
	if err := newTxnMetrics("consume").done(f.engine.ConsumeInTransaction(t, ch.UID, seqs)); err != nil {
		f.prepareFailed(ch, xa, true, xa.Gtrid, err)
		return
	}

	m := newTxnMetrics("prepare")
	r := f.engine.PrepareGlobalTransaction(xa.XID, func(_ engine.Void, err error) {
		f.receiverPrepared(ch, xa, m.done(err))
	})
	if !r.Pending() {
		f.receiverPrepared(ch, xa, m.done(r.Err()))
	}
}

func (f *Forwarder) receiverPrepared(ch *Channel, xa *GlobalTransaction, err error) {
	if err != nil {
		f.prepareFailed(ch, xa, true, xa.Gtrid, err)
		return
	}

	ch.mu.Lock()
	xa.Prepared = true
	xa.inFlight = false
	xa.State = TxnCommitting
	waiter := xa.recoverWaiter
	xa.recoverWaiter = false
	ch.mu.Unlock()

	if waiter {
		f.sendOutbound(ch, protocol.CommitRecover(xa.Gtrid))
	} else {
		f.sendOutbound(ch, protocol.Commit(xa.Gtrid))
	}

	m := newTxnMetrics("commit")
	r := f.engine.CommitGlobalTransaction(xa.XID, func(_ engine.Void, err error) {
		f.receiverCommitted(ch, xa, m.done(err))
	})
	if !r.Pending() {
		f.receiverCommitted(ch, xa, m.done(r.Err()))
	}
}

func (f *Forwarder) receiverCommitted(ch *Channel, xa *GlobalTransaction, err error) {
	if err != nil && !engine.IsHeuristic(err) {
		// stays prepared, the next recovery commits it
		ch.mu.Lock()
		xa.State = TxnPrepared
		ch.mu.Unlock()
		log.Error().Err(err).Str("channel", ch.UID).Str("gtrid", xa.Gtrid).Msg("Commit failed")
		return
	}

	ch.mu.Lock()
	if xa.State == TxnCommitting {
		xa.State = TxnCommitted
	}
	ch.mu.Unlock()
	telemetry.ForwardQueueDepth.With(ch.UID).Set(float64(f.engine.Depth(ch.UID)))

	f.commitCompleted(ch, xa.Gtrid, false)
}

// prepareFailed abandons a receiver branch and closes the outbound connection; the
// peer rolls its branch back through recovery.
func (f *Forwarder) prepareFailed(ch *Channel, xa *GlobalTransaction, created bool, gtrid string, err error) {
	if xa != nil {
		ch.UnlinkXA(xa, false)
		if created {
			f.rollback(xa)
		}
	}
	log.Error().Err(err).Str("channel", ch.UID).Str("gtrid", gtrid).Msg("Receiver prepare failed")
	if o := ch.Outbound(); o != nil {
		o.Close(&PrepareFailedError{Gtrid: gtrid, Err: err})
	}
}
