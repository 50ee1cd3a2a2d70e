package grpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/maxpert/forwarder/protocol"
)

// fakeStream feeds RecvMsg from in and records SendMsg.
type fakeStream struct {
	in      chan *protocol.Action
	recvErr chan error
	sendErr error

	mu     sync.Mutex
	sent   []*protocol.Action
	halfed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{in: make(chan *protocol.Action, 16), recvErr: make(chan error, 1)}
}

func (s *fakeStream) Context() context.Context { return context.Background() }

func (s *fakeStream) SendMsg(m any) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.mu.Lock()
	s.sent = append(s.sent, m.(*protocol.Action))
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) RecvMsg(m any) error {
	select {
	case a := <-s.in:
		*m.(*protocol.Action) = *a
		return nil
	case err := <-s.recvErr:
		return err
	}
}

func (s *fakeStream) sentTypes() []protocol.ActionType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.ActionType
	for _, a := range s.sent {
		out = append(out, a.Type)
	}
	return out
}

// clientStream adds CloseSend; the acceptor hangs up once it sees it.
type clientStream struct {
	*fakeStream
}

func (s clientStream) CloseSend() error {
	s.mu.Lock()
	s.halfed = true
	s.mu.Unlock()
	s.recvErr <- io.EOF
	return nil
}

type recordConn struct {
	mu      sync.Mutex
	handled []protocol.ActionType
	closed  []error
	calls   int
	done    chan struct{}
}

func newRecordConn() *recordConn {
	return &recordConn{done: make(chan struct{})}
}

func (c *recordConn) Handle(a *protocol.Action) {
	c.mu.Lock()
	c.handled = append(c.handled, a.Type)
	c.mu.Unlock()
}

func (c *recordConn) Closed(reason error) {
	c.mu.Lock()
	c.calls++
	c.closed = append(c.closed, reason)
	c.mu.Unlock()
	close(c.done)
}

func runLink(l *streamLink, c *recordConn) chan error {
	out := make(chan error, 1)
	go func() { out <- l.Run(c) }()
	return out
}

func TestLinkDeliversInOrder(t *testing.T) {
	s := newFakeStream()
	l := newStreamLink(s, "test")
	c := newRecordConn()
	res := runLink(l, c)

	s.in <- protocol.Start()
	s.in <- protocol.Processed(1)
	s.in <- protocol.Commit("a_b_1")
	s.recvErr <- io.EOF

	select {
	case err := <-res:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("link did not finish")
	}
	assert.Equal(t, []protocol.ActionType{protocol.ActionStart, protocol.ActionProcessed, protocol.ActionCommit}, c.handled)
	assert.Equal(t, 1, c.calls)
	assert.Nil(t, c.closed[0])
}

func TestLinkFlushesOnClose(t *testing.T) {
	s := newFakeStream()
	l := newStreamLink(s, "test")
	c := newRecordConn()
	res := runLink(l, c)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, l.Send(protocol.Processed(i)))
	}
	reason := errors.New("rejected")
	l.Close(reason)
	assert.ErrorIs(t, l.Send(protocol.Start()), ErrLinkClosed)

	select {
	case err := <-res:
		assert.ErrorIs(t, err, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("link did not finish")
	}
	assert.Len(t, s.sentTypes(), 5)
	assert.Equal(t, []error{reason}, c.closed)
}

func TestLinkHalfClosesClientStream(t *testing.T) {
	s := clientStream{newFakeStream()}
	l := newStreamLink(s, "test")
	c := newRecordConn()
	res := runLink(l, c)

	require.NoError(t, l.Send(protocol.Recover("")))
	l.Close(nil)

	select {
	case <-res:
	case <-time.After(5 * time.Second):
		t.Fatal("link did not finish")
	}
	s.mu.Lock()
	assert.True(t, s.halfed)
	s.mu.Unlock()
	assert.Equal(t, []protocol.ActionType{protocol.ActionRecover}, s.sentTypes())
	assert.Equal(t, 1, c.calls)
}

func TestLinkSendFailureCloses(t *testing.T) {
	s := newFakeStream()
	s.sendErr = errors.New("broken pipe")
	l := newStreamLink(s, "test")
	c := newRecordConn()
	res := runLink(l, c)

	require.NoError(t, l.Send(protocol.Start()))

	select {
	case err := <-res:
		assert.EqualError(t, err, "broken pipe")
	case <-time.After(5 * time.Second):
		t.Fatal("link did not finish")
	}
	assert.Equal(t, 1, c.calls)
}

func TestStreamError(t *testing.T) {
	assert.Nil(t, streamError(nil))
	assert.Nil(t, streamError(io.EOF))
	assert.Nil(t, streamError(status.Error(codes.Canceled, "context canceled")))

	err := status.Error(codes.Unavailable, "connection refused")
	assert.Equal(t, err, streamError(err))
}
