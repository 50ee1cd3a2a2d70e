// Package forwarder relays messages between two brokers over one connection per
// direction. Reliable messages travel in batches wrapped in global transactions:
// the accepting side opens an 'S' branch per batch, the dialing side consumes the
// batch from its forward queue inside an 'R' branch, and both commit after the
// prepare exchange. Transactions left in doubt by a crash or disconnect are
// settled by the recover exchange on the next connection.
package forwarder

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/forwarder/cfg"
	"github.com/maxpert/forwarder/engine"
	"github.com/maxpert/forwarder/hlc"
	"github.com/maxpert/forwarder/notify"
	"github.com/maxpert/forwarder/protocol"
	"github.com/maxpert/forwarder/telemetry"
	"github.com/maxpert/forwarder/xid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxClockSkew is how far a peer clock may run ahead before it is logged.
const maxClockSkew = time.Second

// Options configures a Forwarder.
type Options struct {
	UID  string
	Name string
	// CommitCount is the number of reliable messages per global transaction.
	CommitCount int
	// CommitInterval rolls over an idle non-empty batch and paces queue polling.
	CommitInterval  time.Duration
	RecoverPageSize int
	// MaxInflight bounds unresolved messages per outbound connection.
	MaxInflight int
}

// OptionsFromConfig reads Options from the loaded configuration.
func OptionsFromConfig(c *cfg.Configuration) Options {
	return Options{
		UID:             c.UID,
		Name:            c.Name,
		CommitCount:     c.Forwarder.CommitCount,
		CommitInterval:  time.Duration(c.Forwarder.CommitIntervalMS) * time.Millisecond,
		RecoverPageSize: c.Forwarder.RecoverPageSize,
		MaxInflight:     c.Forwarder.MaxInflight,
	}
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = o.UID
	}
	if o.CommitCount <= 0 {
		o.CommitCount = 100
	}
	if o.CommitInterval <= 0 {
		o.CommitInterval = 250 * time.Millisecond
	}
	if o.RecoverPageSize <= 0 {
		o.RecoverPageSize = 64
	}
	if o.MaxInflight <= 0 {
		o.MaxInflight = 1024
	}
}

// Forwarder owns the channel registry and every connection to peer brokers.
type Forwarder struct {
	opts     Options
	engine   engine.Engine
	registry *Registry
	clock    *hlc.Clock
	hub      *notify.Hub

	// engine identity for receiver branches
	client  *engine.ClientState
	session *engine.Session

	connID atomic.Uint64
	conns  *xsync.MapOf[uint64, Link]

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a forwarder on top of eng. Sequences are seeded from the clock so a
// restart never reissues a gtrid a peer may still hold.
func New(eng engine.Engine, opts Options) (*Forwarder, error) {
	if err := xid.ValidateUID(opts.UID); err != nil {
		return nil, fmt.Errorf("invalid local uid %q: %w", opts.UID, err)
	}
	opts.setDefaults()

	clock := hlc.NewClock(hlc.NodeIDFromUID(opts.UID))
	f := &Forwarder{
		opts:     opts,
		engine:   eng,
		registry: NewRegistry(opts.UID, clock.Now().Sequence()),
		clock:    clock,
		hub:      notify.NewHub(),
		conns:    xsync.NewMapOf[uint64, Link](),
	}

	client, err := engine.Await(func(done engine.Callback[*engine.ClientState]) engine.Result[*engine.ClientState] {
		return eng.CreateClientState(opts.Name, opts.UID, done)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create local client state: %w", err)
	}
	session, err := engine.Await(func(done engine.Callback[*engine.Session]) engine.Result[*engine.Session] {
		return eng.CreateSession(client, done)
	})
	if err != nil {
		eng.DestroyClientState(client)
		return nil, fmt.Errorf("failed to create local session: %w", err)
	}
	f.client = client
	f.session = session

	log.Info().
		Str("uid", opts.UID).
		Int("commit_count", opts.CommitCount).
		Uint64("sequence", f.registry.Sequence()).
		Msg("Forwarder created")
	return f, nil
}

// Registry exposes the channel registry.
func (f *Forwarder) Registry() *Registry {
	return f.registry
}

// Engine returns the local engine.
func (f *Forwarder) Engine() engine.Engine {
	return f.engine
}

// UID is the local broker UID.
func (f *Forwarder) UID() string {
	return f.opts.UID
}

// Start runs the rollover timer.
func (f *Forwarder) Start() {
	if f.running.Swap(true) {
		return
	}
	f.stopCh = make(chan struct{})
	f.wg.Add(1)
	go f.timerLoop()
}

// Stop stops the timer and closes every connection.
func (f *Forwarder) Stop() {
	if !f.running.Swap(false) {
		return
	}
	close(f.stopCh)
	f.wg.Wait()

	f.conns.Range(func(_ uint64, l Link) bool {
		l.Close(ErrShutdown)
		return true
	})
	f.hub.Close()
	f.engine.DestroyClientState(f.client)
	log.Info().Msg("Forwarder stopped")
}

func (f *Forwarder) timerLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.opts.CommitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			for _, ch := range f.registry.Channels() {
				if in := ch.Inbound(); in != nil {
					in.tick()
				}
			}
		}
	}
}

// Accept attaches an inbound connection: the peer dialed this broker and will
// send Connect followed by the messages it forwards.
func (f *Forwarder) Accept(link Link) *Inbound {
	c := newInbound(f, link, f.register(link))
	telemetry.Connections.With("inbound").Inc()
	c.log.Info().Msg("Inbound connection accepted")
	return c
}

// Dial attaches an outbound connection and sends Connect. This broker forwards its
// queued messages for the peer once the handshake completes.
func (f *Forwarder) Dial(link Link) *Outbound {
	o := newOutbound(f, link, f.register(link))
	telemetry.Connections.With("outbound").Inc()
	o.send(protocol.Connect(f.clock.Now(), f.opts.Name, f.opts.UID))
	o.log.Info().Msg("Outbound connection started")
	return o
}

func (f *Forwarder) register(link Link) uint64 {
	id := f.connID.Add(1)
	f.conns.Store(id, link)
	return id
}

func (f *Forwarder) connClosed(id uint64, direction string, reason error) {
	f.conns.Delete(id)
	telemetry.Connections.With(direction).Dec()
	telemetry.ConnectionsClosedTotal.With(direction, closeReason(reason)).Inc()
}

// Forward queues m for the broker uid. It is sent once an outbound connection to
// that broker is running.
func (f *Forwarder) Forward(uid string, m *engine.Message) (uint64, error) {
	if uid == f.opts.UID {
		return 0, fmt.Errorf("cannot forward to the local broker: %w", xid.ErrArgNotValid)
	}
	if m.Destination == "" {
		return 0, fmt.Errorf("message has no destination: %w", xid.ErrArgNotValid)
	}
	ch, err := f.registry.NewChannel(uid, "")
	if err != nil {
		return 0, err
	}

	seq, err := f.engine.Enqueue(ch.UID, m)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue for %s: %w", uid, err)
	}
	f.hub.Signal(ch.UID, seq)
	telemetry.ForwardQueueDepth.With(ch.UID).Set(float64(f.engine.Depth(ch.UID)))

	log.Trace().Str("channel", ch.UID).Uint64("seq", seq).Bool("reliable", m.Reliable).Msg("Message queued")
	return seq, nil
}

// Channel returns a snapshot of one channel, including its queue depth.
func (f *Forwarder) Channel(uid string) (ChannelInfo, bool) {
	ch := f.registry.FindChannel(uid)
	if ch == nil {
		return ChannelInfo{}, false
	}
	info := ch.Snapshot()
	info.QueueDepth = f.engine.Depth(uid)
	return info, true
}

// Channels returns snapshots of every channel.
func (f *Forwarder) Channels() []ChannelInfo {
	chs := f.registry.Channels()
	out := make([]ChannelInfo, 0, len(chs))
	for _, ch := range chs {
		info := ch.Snapshot()
		info.QueueDepth = f.engine.Depth(ch.UID)
		out = append(out, info)
	}
	return out
}

// ChannelStats implements telemetry.StatsProvider.
func (f *Forwarder) ChannelStats() []telemetry.ChannelStats {
	chs := f.registry.Channels()
	out := make([]telemetry.ChannelStats, 0, len(chs))
	for _, ch := range chs {
		ch.mu.Lock()
		s := telemetry.ChannelStats{
			UID:        ch.UID,
			SenderXA:   ch.senderXA.len(),
			ReceiverXA: ch.receiverXA.len(),
			Inbound:    ch.inbound != nil,
			Outbound:   ch.outbound != nil,
		}
		ch.mu.Unlock()
		s.QueueDepth = f.engine.Depth(ch.UID)
		out = append(out, s)
	}
	return out
}

// sendOutbound sends a on the channel's running outbound connection, if any.
func (f *Forwarder) sendOutbound(ch *Channel, a *protocol.Action) {
	if o := ch.Outbound(); o != nil && o.isOpen() {
		o.send(a)
		return
	}
	log.Debug().Str("channel", ch.UID).Str("action", a.Type.String()).Str("gtrid", a.Gtrid).
		Msg("No outbound connection, reply dropped")
}

// syncClock merges a peer reading into the local clock.
func (f *Forwarder) syncClock(l zerolog.Logger, remote hlc.Timestamp) {
	local := f.clock.Now()
	if hlc.After(remote, local) {
		if skew := remote.PhysicalTime().Sub(local.PhysicalTime()); skew > maxClockSkew {
			l.Warn().Dur("skew", skew).Msg("Peer clock ahead of local clock")
		}
	}
	f.clock.Update(remote)
}

// sendInbound sends a on the channel's running inbound connection, if any.
func (f *Forwarder) sendInbound(ch *Channel, a *protocol.Action) {
	if in := ch.Inbound(); in != nil && in.isOpen() {
		in.send(a)
		return
	}
	log.Debug().Str("channel", ch.UID).Str("action", a.Type.String()).Str("gtrid", a.Gtrid).
		Msg("No inbound connection, reply dropped")
}

// rollback rolls back a branch that will never be prepared or that the peer never
// prepared. Failures leave the branch to the next recovery.
func (f *Forwarder) rollback(xa *GlobalTransaction) {
	m := newTxnMetrics("rollback")
	done := func(_ engine.Void, err error) {
		if err = m.done(err); err != nil && !engine.IsHeuristic(err) {
			log.Warn().Err(err).Str("gtrid", xa.Gtrid).Msg("Rollback failed")
			return
		}
		log.Debug().Str("xid", xa.XID.String()).Msg("Transaction rolled back")
	}
	r := f.engine.RollbackGlobalTransaction(xa.XID, done)
	if !r.Pending() {
		done(r.Get())
	}
}
