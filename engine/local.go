package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/forwarder/encoding"
	"github.com/maxpert/forwarder/xid"
)

// Options configures a Local engine.
type Options struct {
	// Dir is the pebble directory. Empty keeps everything in memory.
	Dir string
	// Destinations are accepted destination patterns; empty accepts all.
	Destinations []string
	// MaxDestinationMessages caps each destination; 0 is unbounded.
	MaxDestinationMessages int64
	MatchCacheSize         int
	// DurableAsync completes prepare, commit and rollback on the group commit writer.
	DurableAsync bool
	// AsyncAll completes every callback-taking call on another goroutine.
	AsyncAll bool
}

// Local is the pebble backed engine.
type Local struct {
	opts     Options
	db       *pebble.DB
	resolver *Resolver
	writer   *groupWriter

	// mu guards txns, reserved and the sequence counters.
	mu       sync.Mutex
	txns     map[string]*txnEntry
	reserved map[string]map[uint64]string
	dstSeq   uint64
	fwdSeq   uint64

	clients   *xsync.MapOf[string, *ClientState]
	clientSeq atomic.Uint64
	sessions  atomic.Uint64
	dstDepth  *xsync.MapOf[string, *atomic.Int64]
	fwdDepth  *xsync.MapOf[string, *atomic.Int64]

	listener atomic.Pointer[DeliveryListener]
	closed   atomic.Bool
}

type txnRecord struct {
	XID      xid.Xid             `msgpack:"x"`
	State    TxnState            `msgpack:"s"`
	Puts     []Message           `msgpack:"p,omitempty"`
	Consumes map[string][]uint64 `msgpack:"c,omitempty"`
}

type txnEntry struct {
	handle *Transaction
	rec    txnRecord
	busy   bool
}

var _ Engine = (*Local)(nil)

type pebbleLogger struct{}

func (pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// Open opens (or creates) the engine and reloads transactions and queues.
func Open(opts Options) (*Local, error) {
	resolver, err := NewResolver(opts.Destinations, opts.MatchCacheSize)
	if err != nil {
		return nil, err
	}

	dir := opts.Dir
	popts := &pebble.Options{Logger: pebbleLogger{}}
	if dir == "" {
		popts.FS = vfs.NewMem()
		dir = "engine"
	}
	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	l := &Local{
		opts:     opts,
		db:       db,
		resolver: resolver,
		txns:     make(map[string]*txnEntry),
		reserved: make(map[string]map[uint64]string),
		clients:  xsync.NewMapOf[string, *ClientState](),
		dstDepth: xsync.NewMapOf[string, *atomic.Int64](),
		fwdDepth: xsync.NewMapOf[string, *atomic.Int64](),
	}
	if err := l.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load engine state: %w", err)
	}
	if opts.DurableAsync {
		l.writer = newGroupWriter(db)
	}

	log.Info().
		Str("dir", opts.Dir).
		Int("transactions", len(l.txns)).
		Uint64("dst_seq", l.dstSeq).
		Uint64("fwd_seq", l.fwdSeq).
		Msg("Engine opened")
	return l, nil
}

func (l *Local) load() error {
	err := l.scan([]byte(prefixXA), func(_, value []byte) error {
		var rec txnRecord
		if err := encoding.Unmarshal(value, &rec); err != nil {
			return err
		}
		key := rec.XID.String()
		l.txns[key] = &txnEntry{handle: &Transaction{XID: rec.XID}, rec: rec}
		for ch, seqs := range rec.Consumes {
			for _, seq := range seqs {
				l.reserveLocked(ch, seq, key)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = l.scan([]byte(prefixFwd), func(key, _ []byte) error {
		ch, seq, ok := parseSeqKey(prefixFwd, key)
		if !ok {
			return nil
		}
		counter(l.fwdDepth, ch).Add(1)
		l.fwdSeq = max(l.fwdSeq, seq)
		return nil
	})
	if err != nil {
		return err
	}

	err = l.scan([]byte(prefixDst), func(key, value []byte) error {
		var m Message
		if err := encoding.Unmarshal(value, &m); err != nil {
			return err
		}
		counter(l.dstDepth, m.Destination).Add(1)
		if _, seq, ok := parseSeqKey(prefixDst, key); ok {
			l.dstSeq = max(l.dstSeq, seq)
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.dstSeq = max(l.dstSeq, l.getUint64(metaKey(metaDstSeq)))
	l.fwdSeq = max(l.fwdSeq, l.getUint64(metaKey(metaFwdSeq)))
	return nil
}

var errStopScan = errors.New("stop scan")

func (l *Local) scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (l *Local) getUint64(key []byte) uint64 {
	val, closer, err := l.db.Get(key)
	if err != nil {
		return 0
	}
	defer closer.Close()
	return decodeUint64(val)
}

func counter(m *xsync.MapOf[string, *atomic.Int64], name string) *atomic.Int64 {
	c, _ := m.LoadOrCompute(name, func() *atomic.Int64 { return &atomic.Int64{} })
	return c
}

// complete runs fn inline, or on a goroutine when AsyncAll is set.
func complete[T any](l *Local, done Callback[T], fn func() (T, error)) Result[T] {
	if l.opts.AsyncAll {
		go func() {
			v, err := fn()
			done(v, err)
		}()
		return Async[T]()
	}
	v, err := fn()
	return Done(v, err)
}

// durable commits a staged batch with a synced write and then runs finish, which
// applies the in-memory side of the change and returns the final error.
func (l *Local) durable(done Callback[Void], b *pebble.Batch, finish func(err error) error) Result[Void] {
	if l.writer != nil {
		op := &durableOp{
			batch:  b,
			finish: func(err error) { done(Void{}, finish(err)) },
		}
		if l.writer.submit(op) {
			return Async[Void]()
		}
		b.Close()
		return Done(Void{}, finish(ErrClosed))
	}
	return complete(l, done, func() (Void, error) {
		err := b.Commit(pebble.Sync)
		b.Close()
		return Void{}, finish(err)
	})
}

func (l *Local) CreateClientState(name, uid string, done Callback[*ClientState]) Result[*ClientState] {
	return complete(l, done, func() (*ClientState, error) {
		if l.closed.Load() {
			return nil, ErrClosed
		}
		c := &ClientState{
			ID:   fmt.Sprintf("fwd_%s_%d", uid, l.clientSeq.Add(1)),
			UID:  uid,
			Name: name,
		}
		l.clients.Store(c.ID, c)
		return c, nil
	})
}

func (l *Local) CreateSession(client *ClientState, done Callback[*Session]) Result[*Session] {
	return complete(l, done, func() (*Session, error) {
		if l.closed.Load() {
			return nil, ErrClosed
		}
		if _, ok := l.clients.Load(client.ID); !ok {
			return nil, fmt.Errorf("client %s: %w", client.ID, ErrNotFound)
		}
		return &Session{ID: l.sessions.Add(1), Client: client}, nil
	})
}

func (l *Local) DestroyClientState(client *ClientState) {
	if client != nil {
		l.clients.Delete(client.ID)
	}
}

func (l *Local) CreateGlobalTransaction(session *Session, x xid.Xid, done Callback[*Transaction]) Result[*Transaction] {
	return complete(l, done, func() (*Transaction, error) {
		if l.closed.Load() {
			return nil, ErrClosed
		}
		l.mu.Lock()
		defer l.mu.Unlock()

		key := x.String()
		if _, ok := l.txns[key]; ok {
			return nil, fmt.Errorf("%s: %w", key, ErrDuplicateXid)
		}
		t := &Transaction{XID: x}
		l.txns[key] = &txnEntry{handle: t, rec: txnRecord{XID: x, State: StateActive}}
		return t, nil
	})
}

func (l *Local) PutMessage(txn *Transaction, m *Message, done Callback[Void]) Result[Void] {
	return complete(l, done, func() (Void, error) {
		if l.closed.Load() {
			return Void{}, ErrClosed
		}
		if err := l.admit(m); err != nil {
			return Void{}, err
		}
		if txn == nil {
			return Void{}, l.deliverNow(m)
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		e, err := l.lookupLocked(txn.XID)
		if err != nil {
			return Void{}, err
		}
		if e.handle != txn || e.rec.State != StateActive || e.busy {
			return Void{}, ErrInvalidState
		}
		e.rec.Puts = append(e.rec.Puts, *m)
		return Void{}, nil
	})
}

func (l *Local) admit(m *Message) error {
	if !l.resolver.Match(m.Destination) {
		return fmt.Errorf("%q: %w", m.Destination, ErrNoMatchingDestination)
	}
	if limit := l.opts.MaxDestinationMessages; limit > 0 && l.DestinationDepth(m.Destination) >= limit {
		return fmt.Errorf("%q: %w", m.Destination, ErrDestinationFull)
	}
	return nil
}

func (l *Local) deliverNow(m *Message) error {
	val, err := encoding.Marshal(m)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.dstSeq++
	seq := l.dstSeq
	b := l.db.NewBatch()
	_ = b.Set(dstKey(m.Destination, seq), val, nil)
	_ = b.Set(metaKey(metaDstSeq), encodeUint64(seq), nil)
	err = b.Commit(pebble.NoSync)
	b.Close()
	l.mu.Unlock()
	if err != nil {
		return err
	}

	counter(l.dstDepth, m.Destination).Add(1)
	l.notify([]Delivery{{Seq: seq, Message: *m}})
	return nil
}

func (l *Local) lookupLocked(x xid.Xid) (*txnEntry, error) {
	e, ok := l.txns[x.String()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", x, ErrNotFound)
	}
	return e, nil
}

func (l *Local) putRecord(b *pebble.Batch, rec *txnRecord) error {
	val, err := encoding.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Set(xaKey(rec.XID), val, nil)
}

// resolvedErr maps a finished transaction state to the heuristic error reported
// when something tries to resolve it again.
func resolvedErr(s TxnState) error {
	switch s {
	case StateCommitted, StateHeuristicCommit:
		return ErrHeuristicCommit
	case StateHeuristicRollback:
		return ErrHeuristicRollback
	}
	return ErrInvalidState
}

func (l *Local) PrepareGlobalTransaction(x xid.Xid, done Callback[Void]) Result[Void] {
	if l.closed.Load() {
		return Done(Void{}, ErrClosed)
	}
	l.mu.Lock()
	e, err := l.lookupLocked(x)
	if err == nil && e.rec.State == StatePrepared && !e.busy {
		l.mu.Unlock()
		return Done(Void{}, nil)
	}
	if err == nil && (e.rec.State != StateActive || e.busy) {
		err = ErrInvalidState
	}
	if err != nil {
		l.mu.Unlock()
		return Done(Void{}, err)
	}

	rec := e.rec
	rec.State = StatePrepared
	b := l.db.NewBatch()
	if err := l.putRecord(b, &rec); err != nil {
		l.mu.Unlock()
		b.Close()
		return Done(Void{}, err)
	}
	e.busy = true
	l.mu.Unlock()

	start := time.Now()
	return l.durable(done, b, func(err error) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		e.busy = false
		if err == nil {
			e.rec.State = StatePrepared
		}
		log.Trace().Str("xid", x.String()).Dur("took", time.Since(start)).Err(err).Msg("Prepared")
		return err
	})
}

func (l *Local) CommitGlobalTransaction(x xid.Xid, done Callback[Void]) Result[Void] {
	return l.resolve(x, StateCommitted, done)
}

func (l *Local) RollbackGlobalTransaction(x xid.Xid, done Callback[Void]) Result[Void] {
	if l.closed.Load() {
		return Done(Void{}, ErrClosed)
	}
	l.mu.Lock()
	e, err := l.lookupLocked(x)
	if err == nil && e.busy {
		err = ErrInvalidState
	}
	if err == nil && e.rec.State != StateActive && e.rec.State != StatePrepared {
		err = resolvedErr(e.rec.State)
	}
	if err != nil {
		l.mu.Unlock()
		return Done(Void{}, err)
	}
	e.busy = true
	b := l.db.NewBatch()
	_ = b.Delete(xaKey(x), nil)
	l.mu.Unlock()

	return l.durable(done, b, func(err error) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		e.busy = false
		if err == nil {
			l.releaseLocked(e, false)
			delete(l.txns, x.String())
		}
		return err
	})
}

// resolve commits a prepared branch, recording final as its state.
func (l *Local) resolve(x xid.Xid, final TxnState, done Callback[Void]) Result[Void] {
	if l.closed.Load() {
		return Done(Void{}, ErrClosed)
	}
	l.mu.Lock()
	e, err := l.lookupLocked(x)
	if err == nil && e.rec.State != StatePrepared {
		err = resolvedErr(e.rec.State)
	}
	if err == nil && e.busy {
		err = ErrInvalidState
	}
	if err != nil {
		l.mu.Unlock()
		return Done(Void{}, err)
	}

	b, deliveries, err := l.stageCommitLocked(e, final)
	if err != nil {
		l.mu.Unlock()
		return Done(Void{}, err)
	}
	e.busy = true
	l.mu.Unlock()

	return l.durable(done, b, func(err error) error {
		l.mu.Lock()
		e.busy = false
		if err == nil {
			l.releaseLocked(e, true)
			e.rec = txnRecord{XID: x, State: final}
		}
		l.mu.Unlock()

		if err == nil {
			for _, d := range deliveries {
				counter(l.dstDepth, d.Destination).Add(1)
			}
			l.notify(deliveries)
		}
		return err
	})
}

func (l *Local) stageCommitLocked(e *txnEntry, final TxnState) (*pebble.Batch, []Delivery, error) {
	b := l.db.NewBatch()
	deliveries := make([]Delivery, 0, len(e.rec.Puts))
	seq := l.dstSeq
	for i := range e.rec.Puts {
		m := &e.rec.Puts[i]
		val, err := encoding.Marshal(m)
		if err != nil {
			b.Close()
			return nil, nil, err
		}
		seq++
		_ = b.Set(dstKey(m.Destination, seq), val, nil)
		deliveries = append(deliveries, Delivery{Seq: seq, Message: *m})
	}
	for ch, seqs := range e.rec.Consumes {
		for _, s := range seqs {
			_ = b.Delete(fwdKey(ch, s), nil)
		}
	}
	if err := l.putRecord(b, &txnRecord{XID: e.rec.XID, State: final}); err != nil {
		b.Close()
		return nil, nil, err
	}
	_ = b.Set(metaKey(metaDstSeq), encodeUint64(seq), nil)
	l.dstSeq = seq
	return b, deliveries, nil
}

// releaseLocked drops the forward queue reservations of e. When consumed is set the
// entries left the queue with the commit and the channel depth goes down.
func (l *Local) releaseLocked(e *txnEntry, consumed bool) {
	key := e.rec.XID.String()
	for ch, seqs := range e.rec.Consumes {
		res := l.reserved[ch]
		for _, s := range seqs {
			if res[s] == key {
				delete(res, s)
			}
		}
		if len(res) == 0 {
			delete(l.reserved, ch)
		}
		if consumed {
			counter(l.fwdDepth, ch).Add(-int64(len(seqs)))
		}
	}
}

func (l *Local) CompleteGlobalTransaction(x xid.Xid, outcome Outcome) error {
	switch outcome {
	case OutcomeCommit:
		_, err := Await(func(done Callback[Void]) Result[Void] {
			return l.resolve(x, StateHeuristicCommit, done)
		})
		return err
	case OutcomeRollback:
		l.mu.Lock()
		e, err := l.lookupLocked(x)
		if err == nil && e.rec.State != StatePrepared {
			err = resolvedErr(e.rec.State)
		}
		if err == nil && e.busy {
			err = ErrInvalidState
		}
		if err != nil {
			l.mu.Unlock()
			return err
		}
		defer l.mu.Unlock()

		b := l.db.NewBatch()
		defer b.Close()
		rec := txnRecord{XID: x, State: StateHeuristicRollback}
		if err := l.putRecord(b, &rec); err != nil {
			return err
		}
		if err := b.Commit(pebble.Sync); err != nil {
			return err
		}
		l.releaseLocked(e, false)
		e.rec = rec
		return nil
	}
	return fmt.Errorf("unknown outcome %d", outcome)
}

func (l *Local) ForgetGlobalTransaction(x xid.Xid) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.lookupLocked(x)
	if err != nil {
		return err
	}
	switch e.rec.State {
	case StateCommitted, StateHeuristicCommit, StateHeuristicRollback:
	default:
		return ErrInvalidState
	}
	if err := l.db.Delete(xaKey(x), pebble.NoSync); err != nil {
		return err
	}
	delete(l.txns, x.String())
	return nil
}

type xidPages struct {
	entries  []RecoveredXid
	pageSize int
}

func (p *xidPages) Next() ([]RecoveredXid, error) {
	n := min(p.pageSize, len(p.entries))
	page := p.entries[:n]
	p.entries = p.entries[n:]
	return page, nil
}

// RecoverXids lists prepared and resolved-but-not-forgotten branches of format.
func (l *Local) RecoverXids(format int32, pageSize int) XidIterator {
	if pageSize <= 0 {
		pageSize = 64
	}
	l.mu.Lock()
	entries := make([]RecoveredXid, 0, len(l.txns))
	for _, e := range l.txns {
		if e.rec.State == StateActive || e.rec.XID.FormatID != format {
			continue
		}
		entries = append(entries, RecoveredXid{XID: e.rec.XID, State: e.rec.State})
	}
	l.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].XID.String() < entries[j].XID.String()
	})
	return &xidPages{entries: entries, pageSize: pageSize}
}

func (l *Local) Transactions() []TransactionInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]TransactionInfo, 0, len(l.txns))
	for _, e := range l.txns {
		consumes := 0
		for _, seqs := range e.rec.Consumes {
			consumes += len(seqs)
		}
		out = append(out, TransactionInfo{
			XID:      e.rec.XID,
			State:    e.rec.State,
			Puts:     len(e.rec.Puts),
			Consumes: consumes,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].XID.String() < out[j].XID.String() })
	return out
}

func (l *Local) Enqueue(channel string, m *Message) (uint64, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}
	val, err := encoding.Marshal(m)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	seq := l.fwdSeq + 1
	b := l.db.NewBatch()
	defer b.Close()
	_ = b.Set(fwdKey(channel, seq), val, nil)
	_ = b.Set(metaKey(metaFwdSeq), encodeUint64(seq), nil)
	opts := pebble.NoSync
	if m.Reliable {
		opts = pebble.Sync
	}
	if err := b.Commit(opts); err != nil {
		return 0, err
	}
	l.fwdSeq = seq
	counter(l.fwdDepth, channel).Add(1)
	return seq, nil
}

// Pending returns up to limit queued messages after the given sequence, skipping
// those already consumed by an unresolved transaction.
func (l *Local) Pending(channel string, after uint64, limit int) ([]QueuedMessage, error) {
	prefix := fwdPrefix(channel)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: fwdKey(channel, after+1),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	l.mu.Lock()
	defer l.mu.Unlock()
	res := l.reserved[channel]

	var out []QueuedMessage
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		_, seq, ok := parseSeqKey(prefixFwd, iter.Key())
		if !ok {
			continue
		}
		if _, taken := res[seq]; taken {
			continue
		}
		var m Message
		if err := encoding.Unmarshal(iter.Value(), &m); err != nil {
			return out, err
		}
		out = append(out, QueuedMessage{Seq: seq, Message: m})
	}
	return out, iter.Error()
}

// Acknowledge removes an unreliable message once the peer has processed it.
func (l *Local) Acknowledge(channel string, seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.reserved[channel][seq]; taken {
		return ErrInvalidState
	}
	key := fwdKey(channel, seq)
	_, closer, err := l.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	closer.Close()
	if err := l.db.Delete(key, pebble.NoSync); err != nil {
		return err
	}
	counter(l.fwdDepth, channel).Add(-1)
	return nil
}

// ConsumeInTransaction removes queued messages when txn commits. Sequences that
// are no longer queued or already taken by another branch are skipped.
func (l *Local) ConsumeInTransaction(txn *Transaction, channel string, seqs []uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.lookupLocked(txn.XID)
	if err != nil {
		return err
	}
	if e.handle != txn || e.rec.State != StateActive || e.busy {
		return ErrInvalidState
	}

	key := txn.XID.String()
	for _, seq := range seqs {
		if _, taken := l.reserved[channel][seq]; taken {
			continue
		}
		_, closer, err := l.db.Get(fwdKey(channel, seq))
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		closer.Close()

		if e.rec.Consumes == nil {
			e.rec.Consumes = make(map[string][]uint64)
		}
		e.rec.Consumes[channel] = append(e.rec.Consumes[channel], seq)
		l.reserveLocked(channel, seq, key)
	}
	return nil
}

func (l *Local) reserveLocked(channel string, seq uint64, key string) {
	res, ok := l.reserved[channel]
	if !ok {
		res = make(map[uint64]string)
		l.reserved[channel] = res
	}
	res[seq] = key
}

func (l *Local) Depth(channel string) int64 {
	if c, ok := l.fwdDepth.Load(channel); ok {
		return c.Load()
	}
	return 0
}

func (l *Local) DestinationDepth(destination string) int64 {
	if c, ok := l.dstDepth.Load(destination); ok {
		return c.Load()
	}
	return 0
}

// Browse returns up to limit unexpired messages of a destination in arrival order.
func (l *Local) Browse(destination string, limit int) ([]Delivery, error) {
	now := time.Now()
	var out []Delivery
	err := l.scan(dstPrefix(destination), func(key, value []byte) error {
		if limit > 0 && len(out) >= limit {
			return errStopScan
		}
		_, seq, ok := parseSeqKey(prefixDst, key)
		if !ok {
			return nil
		}
		var m Message
		if err := encoding.Unmarshal(value, &m); err != nil {
			return err
		}
		if m.Destination != destination || m.Expired(now) {
			return nil
		}
		out = append(out, Delivery{Seq: seq, Message: m})
		return nil
	})
	if errors.Is(err, errStopScan) {
		err = nil
	}
	return out, err
}

func (l *Local) SetDeliveryListener(fn DeliveryListener) {
	l.listener.Store(&fn)
}

func (l *Local) notify(deliveries []Delivery) {
	fn := l.listener.Load()
	if fn == nil || *fn == nil {
		return
	}
	for _, d := range deliveries {
		(*fn)(d)
	}
}

// Close stops the writer and closes pebble. Pending durable calls finish first.
func (l *Local) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	if l.writer != nil {
		l.writer.close()
	}
	return l.db.Close()
}
