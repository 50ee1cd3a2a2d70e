package forwarder

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxpert/forwarder/engine"
	"github.com/maxpert/forwarder/protocol"
	"github.com/maxpert/forwarder/xid"
)

var errPipeClosed = errors.New("pipe closed")

type pipeItem struct {
	action *protocol.Action
	close  bool
	reason error
}

// pipeEnd is one side of an in-memory Link pair. Actions sent on one end are
// handled by the Conn attached to the other end, in order, on that end's
// goroutine.
type pipeEnd struct {
	name  string
	other *pipeEnd

	mu     sync.Mutex
	items  []pipeItem
	closed bool
	signal chan struct{}
	conn   Conn
	done   chan struct{}

	sentMu sync.Mutex
	sent   map[protocol.ActionType]int
}

func newPipe(a, b string) (*pipeEnd, *pipeEnd) {
	pa := &pipeEnd{name: a, signal: make(chan struct{}, 1), done: make(chan struct{}), sent: map[protocol.ActionType]int{}}
	pb := &pipeEnd{name: b, signal: make(chan struct{}, 1), done: make(chan struct{}), sent: map[protocol.ActionType]int{}}
	pa.other, pb.other = pb, pa
	return pa, pb
}

func (p *pipeEnd) Attach(c Conn) {
	p.conn = c
	go p.run()
}

func (p *pipeEnd) push(it pipeItem) {
	p.mu.Lock()
	p.items = append(p.items, it)
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *pipeEnd) pop() (pipeItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) == 0 {
		return pipeItem{}, false
	}
	it := p.items[0]
	p.items = p.items[1:]
	return it, true
}

func (p *pipeEnd) run() {
	defer close(p.done)
	for {
		it, ok := p.pop()
		if !ok {
			<-p.signal
			continue
		}
		if it.close {
			p.mu.Lock()
			p.closed = true
			p.mu.Unlock()
			p.conn.Closed(it.reason)
			return
		}
		p.conn.Handle(it.action)
	}
}

func (p *pipeEnd) Send(a *protocol.Action) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errPipeClosed
	}
	p.sentMu.Lock()
	p.sent[a.Type]++
	p.sentMu.Unlock()
	p.other.push(pipeItem{action: a})
	return nil
}

func (p *pipeEnd) Close(reason error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.other.push(pipeItem{close: true})
	p.push(pipeItem{close: true, reason: reason})
}

func (p *pipeEnd) Peer() string {
	return p.other.name
}

func (p *pipeEnd) count(t protocol.ActionType) int {
	p.sentMu.Lock()
	defer p.sentMu.Unlock()
	return p.sent[t]
}

// recordLink keeps every sent action for inspection. Close reports Closed on
// the attached Conn synchronously.
type recordLink struct {
	mu      sync.Mutex
	sent    []*protocol.Action
	reasons []error
	conn    Conn
}

func (l *recordLink) Send(a *protocol.Action) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, a)
	return nil
}

func (l *recordLink) Close(reason error) {
	l.mu.Lock()
	l.reasons = append(l.reasons, reason)
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		conn.Closed(reason)
	}
}

func (l *recordLink) Peer() string {
	return "test"
}

func (l *recordLink) ofType(t protocol.ActionType) []*protocol.Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*protocol.Action
	for _, a := range l.sent {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

func (l *recordLink) closeReasons() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.reasons...)
}

// testEngine wraps an engine, counting callbacks and a few calls. While held,
// CreateGlobalTransaction goes pending until release.
type testEngine struct {
	engine.Engine

	callbacks atomic.Int32
	forgets   atomic.Int32
	rollbacks atomic.Int32

	mu   sync.Mutex
	gate chan struct{}
}

func (e *testEngine) hold() {
	e.mu.Lock()
	e.gate = make(chan struct{})
	e.mu.Unlock()
}

func (e *testEngine) release() {
	e.mu.Lock()
	g := e.gate
	e.gate = nil
	e.mu.Unlock()
	if g != nil {
		close(g)
	}
}

func counted[T any](n *atomic.Int32, done engine.Callback[T]) engine.Callback[T] {
	return func(v T, err error) {
		n.Add(1)
		done(v, err)
	}
}

func (e *testEngine) CreateClientState(name, uid string, done engine.Callback[*engine.ClientState]) engine.Result[*engine.ClientState] {
	return e.Engine.CreateClientState(name, uid, counted(&e.callbacks, done))
}

func (e *testEngine) CreateSession(c *engine.ClientState, done engine.Callback[*engine.Session]) engine.Result[*engine.Session] {
	return e.Engine.CreateSession(c, counted(&e.callbacks, done))
}

func (e *testEngine) CreateGlobalTransaction(s *engine.Session, x xid.Xid, done engine.Callback[*engine.Transaction]) engine.Result[*engine.Transaction] {
	e.mu.Lock()
	g := e.gate
	e.mu.Unlock()
	if g == nil {
		return e.Engine.CreateGlobalTransaction(s, x, counted(&e.callbacks, done))
	}
	go func() {
		<-g
		t, err := engine.Await(func(cb engine.Callback[*engine.Transaction]) engine.Result[*engine.Transaction] {
			return e.Engine.CreateGlobalTransaction(s, x, cb)
		})
		e.callbacks.Add(1)
		done(t, err)
	}()
	return engine.Async[*engine.Transaction]()
}

func (e *testEngine) PutMessage(txn *engine.Transaction, m *engine.Message, done engine.Callback[engine.Void]) engine.Result[engine.Void] {
	return e.Engine.PutMessage(txn, m, counted(&e.callbacks, done))
}

func (e *testEngine) PrepareGlobalTransaction(x xid.Xid, done engine.Callback[engine.Void]) engine.Result[engine.Void] {
	return e.Engine.PrepareGlobalTransaction(x, counted(&e.callbacks, done))
}

func (e *testEngine) CommitGlobalTransaction(x xid.Xid, done engine.Callback[engine.Void]) engine.Result[engine.Void] {
	return e.Engine.CommitGlobalTransaction(x, counted(&e.callbacks, done))
}

func (e *testEngine) RollbackGlobalTransaction(x xid.Xid, done engine.Callback[engine.Void]) engine.Result[engine.Void] {
	e.rollbacks.Add(1)
	return e.Engine.RollbackGlobalTransaction(x, counted(&e.callbacks, done))
}

func (e *testEngine) ForgetGlobalTransaction(x xid.Xid) error {
	e.forgets.Add(1)
	return e.Engine.ForgetGlobalTransaction(x)
}

func openEngine(t *testing.T, opts engine.Options) *testEngine {
	t.Helper()
	l, err := engine.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return &testEngine{Engine: l}
}

func newTestForwarder(t *testing.T, eng engine.Engine, uid string, commitCount int) *Forwarder {
	t.Helper()
	f, err := New(eng, Options{UID: uid, CommitCount: commitCount})
	require.NoError(t, err)
	return f
}

// acceptTest attaches an inbound connection fed directly by the test.
func acceptTest(f *Forwarder) (*Inbound, *recordLink) {
	link := &recordLink{}
	in := f.Accept(link)
	link.mu.Lock()
	link.conn = in
	link.mu.Unlock()
	return in, link
}

// dialTest attaches an outbound connection fed directly by the test.
func dialTest(f *Forwarder) (*Outbound, *recordLink) {
	link := &recordLink{}
	o := f.Dial(link)
	link.mu.Lock()
	link.conn = o
	link.mu.Unlock()
	return o, link
}

func reliable(seq uint64) *protocol.Action {
	return protocol.MessageAction(engine.QueuedMessage{
		Seq:     seq,
		Message: engine.Message{Destination: "orders/eu", Body: []byte("payload"), Reliable: true},
	})
}
