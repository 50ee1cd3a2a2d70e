package grpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/maxpert/forwarder/forwarder"
	"github.com/maxpert/forwarder/protocol"
)

// closeGrace bounds how long a dialing side waits for the acceptor to hang up
// after half-closing its stream.
const closeGrace = 5 * time.Second

// ErrLinkClosed is returned by Send once the link is closing.
var ErrLinkClosed = errors.New("link closed")

// msgStream is the part of grpc.ServerStream and grpc.ClientStream a link needs.
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
	Context() context.Context
}

// halfCloser is implemented by client streams.
type halfCloser interface {
	CloseSend() error
}

// streamLink carries one forwarder connection over a bidirectional Channel stream.
// A single writer goroutine owns SendMsg and a single reader goroutine owns RecvMsg,
// so the stream is never used concurrently from one side.
type streamLink struct {
	stream msgStream
	peer   string
	log    zerolog.Logger

	mu      sync.Mutex
	queue   []*protocol.Action
	closing bool
	reason  error
	wake    chan struct{}

	closeOnce  sync.Once
	closeCh    chan struct{}
	writerDone chan struct{}
	writeErr   error
	handleMu   sync.Mutex
	finished   bool
}

func newStreamLink(stream msgStream, peer string) *streamLink {
	return &streamLink{
		stream:     stream,
		peer:       peer,
		log:        log.With().Str("peer", peer).Logger(),
		wake:       make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (l *streamLink) Peer() string {
	return l.peer
}

func (l *streamLink) Send(a *protocol.Action) error {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	l.queue = append(l.queue, a)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close stops accepting actions. Those already queued are still written before
// the stream ends.
func (l *streamLink) Close(reason error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closing = true
		l.reason = reason
		l.mu.Unlock()
		close(l.closeCh)
	})
}

func (l *streamLink) closeReason() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Run drives the stream until either side hangs up, then reports Closed on conn
// exactly once. It blocks for the lifetime of the connection and returns the
// close reason.
func (l *streamLink) Run(conn forwarder.Conn) error {
	go l.writeLoop()

	readErr := make(chan error, 1)
	go l.readLoop(conn, readErr)

	var reason error
	select {
	case err := <-readErr:
		// remote hung up or the stream broke
		l.Close(streamError(err))
		reason = l.closeReason()
		<-l.writerDone
	case <-l.writerDone:
		reason = l.closeReason()
		if _, ok := l.stream.(halfCloser); ok && l.writeErr == nil {
			// give the acceptor a chance to drain what was flushed and hang up
			select {
			case <-readErr:
			case <-time.After(closeGrace):
				l.log.Warn().Msg("Peer did not hang up after half-close")
			}
		}
	}

	l.handleMu.Lock()
	l.finished = true
	conn.Closed(reason)
	l.handleMu.Unlock()

	return reason
}

func (l *streamLink) readLoop(conn forwarder.Conn, out chan<- error) {
	for {
		a := new(protocol.Action)
		if err := l.stream.RecvMsg(a); err != nil {
			out <- err
			return
		}

		l.handleMu.Lock()
		if l.finished {
			l.handleMu.Unlock()
			return
		}
		conn.Handle(a)
		l.handleMu.Unlock()
	}
}

func (l *streamLink) writeLoop() {
	defer close(l.writerDone)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closing := l.closing
		l.mu.Unlock()

		for _, a := range batch {
			if err := l.stream.SendMsg(a); err != nil {
				l.writeErr = err
				l.log.Debug().Err(err).Stringer("action", a.Type).Msg("Stream send failed")
				l.Close(streamError(err))
				return
			}
		}

		if len(batch) > 0 {
			continue
		}
		if closing {
			if hc, ok := l.stream.(halfCloser); ok {
				if err := hc.CloseSend(); err != nil {
					l.log.Debug().Err(err).Msg("CloseSend failed")
				}
			}
			return
		}

		select {
		case <-l.wake:
		case <-l.closeCh:
		}
	}
}

// streamError maps a clean hang-up to a nil close reason.
func streamError(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	if s, ok := status.FromError(err); ok && (s.Code() == codes.OK || s.Code() == codes.Canceled) {
		return nil
	}
	return err
}
