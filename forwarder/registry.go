package forwarder

import (
	"slices"
	"sort"
	"sync"

	"github.com/maxpert/forwarder/id"
	"github.com/maxpert/forwarder/telemetry"
	"github.com/maxpert/forwarder/xid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry holds one Channel per remote broker UID and issues gtrid sequences.
type Registry struct {
	localUID string
	seq      *id.Sequence
	createMu sync.Mutex
	channels *xsync.MapOf[string, *Channel]
}

// NewRegistry creates a registry whose sequences start above seed.
func NewRegistry(localUID string, seed uint64) *Registry {
	return &Registry{
		localUID: localUID,
		seq:      id.NewSequence(seed),
		channels: xsync.NewMapOf[string, *Channel](),
	}
}

// LocalUID is the UID of this broker.
func (r *Registry) LocalUID() string {
	return r.localUID
}

// FindChannel returns the channel for uid, or nil.
func (r *Registry) FindChannel(uid string) *Channel {
	ch, _ := r.channels.Load(uid)
	return ch
}

// NewChannel returns the channel for uid, creating it on first contact. Concurrent
// calls for one uid converge on a single Channel. A non-empty name replaces the
// one recorded so far.
func (r *Registry) NewChannel(uid, name string) (*Channel, error) {
	if err := xid.ValidateUID(uid); err != nil {
		return nil, err
	}

	r.createMu.Lock()
	ch, loaded := r.channels.LoadOrCompute(uid, func() *Channel {
		return newChannel(uid, name)
	})
	r.createMu.Unlock()

	if !loaded {
		telemetry.Channels.Set(float64(r.channels.Size()))
	} else if name != "" {
		ch.mu.Lock()
		ch.name = name
		ch.mu.Unlock()
	}
	return ch, nil
}

// Channels returns every channel ordered by UID.
func (r *Registry) Channels() []*Channel {
	out := make([]*Channel, 0, r.channels.Size())
	r.channels.Range(func(_ string, ch *Channel) bool {
		out = append(out, ch)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// NextSequence issues the next gtrid sequence for ch.
func (r *Registry) NextSequence(ch *Channel) uint64 {
	s := r.seq.Next()
	ch.mu.Lock()
	if s > ch.lastSeq {
		ch.lastSeq = s
	}
	ch.mu.Unlock()
	return s
}

// NewGtrid composes the gtrid of a new sender branch on ch: the remote broker sends
// the messages, this broker receives them.
func (r *Registry) NewGtrid(ch *Channel) (string, uint64, error) {
	seq := r.NextSequence(ch)
	gtrid, err := xid.FormatGtrid(ch.UID, r.localUID, seq)
	if err != nil {
		return "", 0, err
	}
	return gtrid, seq, nil
}

// SeedAbove makes every later sequence greater than floor.
func (r *Registry) SeedAbove(floor uint64) {
	r.seq.SeedAbove(floor)
}

// Sequence returns the last issued (or seeded) sequence.
func (r *Registry) Sequence() uint64 {
	return r.seq.Current()
}

// Channel is the relationship with one remote broker. It outlives connections.
// mu guards both transaction lists, the transaction fields and the connection
// pointers; it is never held across engine or transport calls.
type Channel struct {
	UID string

	mu         sync.Mutex
	name       string
	senderXA   txnList
	receiverXA txnList
	inbound    *Inbound
	outbound   *Outbound
	lastSeq    uint64
}

func newChannel(uid, name string) *Channel {
	if name == "" {
		name = uid
	}
	return &Channel{UID: uid, name: name}
}

func (c *Channel) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Channel) list(sender bool) *txnList {
	if sender {
		return &c.senderXA
	}
	return &c.receiverXA
}

// FindXA looks up gtrid in the sender or receiver list.
func (c *Channel) FindXA(gtrid string, sender bool) *GlobalTransaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findXALocked(gtrid, sender)
}

func (c *Channel) findXALocked(gtrid string, sender bool) *GlobalTransaction {
	return c.list(sender).find(gtrid)
}

// LinkXA inserts xa keeping the list in ascending sequence order. It returns false
// when the gtrid is already linked.
func (c *Channel) LinkXA(xa *GlobalTransaction, sender bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linkXALocked(xa, sender)
}

func (c *Channel) linkXALocked(xa *GlobalTransaction, sender bool) bool {
	if !c.list(sender).link(xa) {
		return false
	}
	if sender && xa.Sequence > c.lastSeq {
		c.lastSeq = xa.Sequence
	}
	telemetry.InFlightTransactions.With(listLabel(sender)).Inc()
	return true
}

// UnlinkXA removes xa by identity. Unlinking a transaction that is not in the list
// is a no-op that returns false.
func (c *Channel) UnlinkXA(xa *GlobalTransaction, sender bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unlinkXALocked(xa, sender)
}

func (c *Channel) unlinkXALocked(xa *GlobalTransaction, sender bool) bool {
	if !c.list(sender).unlink(xa) {
		return false
	}
	telemetry.InFlightTransactions.With(listLabel(sender)).Dec()
	return true
}

// Inbound returns the current inbound connection, or nil.
func (c *Channel) Inbound() *Inbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbound
}

// Outbound returns the current outbound connection, or nil.
func (c *Channel) Outbound() *Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbound
}

// ChannelInfo is a point-in-time copy of a channel.
type ChannelInfo struct {
	UID          string    `json:"uid"`
	Name         string    `json:"name"`
	Inbound      bool      `json:"inbound"`
	Outbound     bool      `json:"outbound"`
	LastSequence uint64    `json:"last_sequence"`
	QueueDepth   int64     `json:"queue_depth"`
	SenderXA     []TxnInfo `json:"sender_xa"`
	ReceiverXA   []TxnInfo `json:"receiver_xa"`
}

// Snapshot copies the channel state.
func (c *Channel) Snapshot() ChannelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChannelInfo{
		UID:          c.UID,
		Name:         c.name,
		Inbound:      c.inbound != nil,
		Outbound:     c.outbound != nil,
		LastSequence: c.lastSeq,
		SenderXA:     c.senderXA.info(),
		ReceiverXA:   c.receiverXA.info(),
	}
}

func listLabel(sender bool) string {
	if sender {
		return "sender"
	}
	return "receiver"
}

// txnList is an ordered index of transactions by sequence plus a gtrid lookup.
type txnList struct {
	ordered []*GlobalTransaction
	byGtrid map[string]*GlobalTransaction
}

func (l *txnList) find(gtrid string) *GlobalTransaction {
	return l.byGtrid[gtrid]
}

func (l *txnList) link(xa *GlobalTransaction) bool {
	if l.byGtrid == nil {
		l.byGtrid = make(map[string]*GlobalTransaction)
	}
	if _, ok := l.byGtrid[xa.Gtrid]; ok {
		return false
	}
	i := sort.Search(len(l.ordered), func(i int) bool { return l.ordered[i].Sequence > xa.Sequence })
	l.ordered = slices.Insert(l.ordered, i, xa)
	l.byGtrid[xa.Gtrid] = xa
	return true
}

func (l *txnList) unlink(xa *GlobalTransaction) bool {
	if xa == nil || l.byGtrid[xa.Gtrid] != xa {
		return false
	}
	delete(l.byGtrid, xa.Gtrid)
	i := slices.Index(l.ordered, xa)
	l.ordered = slices.Delete(l.ordered, i, i+1)
	return true
}

func (l *txnList) len() int {
	return len(l.ordered)
}

// items returns the linked transactions in sequence order.
func (l *txnList) items() []*GlobalTransaction {
	return slices.Clone(l.ordered)
}

func (l *txnList) info() []TxnInfo {
	out := make([]TxnInfo, 0, len(l.ordered))
	for _, xa := range l.ordered {
		out = append(out, xa.info())
	}
	return out
}
