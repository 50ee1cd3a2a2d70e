package grpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/maxpert/forwarder/cfg"
	"github.com/maxpert/forwarder/forwarder"
)

// DialerOptions controls reconnects to one peer.
type DialerOptions struct {
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DialerOptionsFromConfig reads reconnect backoff from the forwarder section.
func DialerOptionsFromConfig(c *cfg.Configuration) DialerOptions {
	return DialerOptions{
		Backoff:    time.Duration(c.Forwarder.ReconnectBackoffMS) * time.Millisecond,
		MaxBackoff: time.Duration(c.Forwarder.ReconnectBackoffMaxMS) * time.Millisecond,
	}
}

// Dialer keeps one outbound forwarder connection open to a configured peer,
// reconnecting with exponential backoff whenever it drops.
type Dialer struct {
	fwd     *forwarder.Forwarder
	address string
	opts    DialerOptions
	conn    *grpc.ClientConn
	log     zerolog.Logger

	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	connected atomic.Bool

	mu   sync.Mutex
	link *streamLink
}

// createDialOptions returns common gRPC dial options
func createDialOptions() []grpc.DialOption {
	keepaliveTime := 10 * time.Second
	keepaliveTimeout := 3 * time.Second
	if cfg.Config != nil {
		keepaliveTime = time.Duration(cfg.Config.GRPCClient.KeepaliveTimeSeconds) * time.Second
		keepaliveTimeout = time.Duration(cfg.Config.GRPCClient.KeepaliveTimeoutSeconds) * time.Second
	}

	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
	}
}

// NewDialer prepares a dialer for peer. Nothing connects until Start.
func NewDialer(fwd *forwarder.Forwarder, peer cfg.PeerConfiguration, opts DialerOptions) (*Dialer, error) {
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = opts.Backoff
	}

	conn, err := grpc.NewClient(peer.Address, createDialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", peer.Address, err)
	}

	name := peer.Name
	if name == "" {
		name = peer.Address
	}
	return &Dialer{
		fwd:     fwd,
		address: peer.Address,
		opts:    opts,
		conn:    conn,
		log:     log.With().Str("peer", name).Str("address", peer.Address).Logger(),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins connecting in the background.
func (d *Dialer) Start() {
	d.wg.Add(1)
	go d.run()
}

// Connected reports whether a stream to the peer is currently up.
func (d *Dialer) Connected() bool {
	return d.connected.Load()
}

// Stop closes the current connection and stops reconnecting.
func (d *Dialer) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)

		d.mu.Lock()
		if d.link != nil {
			d.link.Close(forwarder.ErrShutdown)
		}
		d.mu.Unlock()

		d.wg.Wait()
		if err := d.conn.Close(); err != nil {
			d.log.Debug().Err(err).Msg("Closing client connection")
		}
	})
}

func (d *Dialer) stopped() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

func (d *Dialer) run() {
	defer d.wg.Done()

	delay := d.opts.Backoff
	for !d.stopped() {
		started := time.Now()
		err := d.connectOnce()
		if d.stopped() {
			return
		}

		// a connection that lived longer than the backoff ceiling starts over
		if time.Since(started) > d.opts.MaxBackoff {
			delay = d.opts.Backoff
		}
		d.log.Info().
			Err(err).
			Dur("retry_in", delay).
			Msg("Forwarder connection down")

		select {
		case <-d.stopCh:
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > d.opts.MaxBackoff {
			delay = d.opts.MaxBackoff
		}
	}
}

// connectOnce opens a Channel stream and runs it until it ends.
func (d *Dialer) connectOnce() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	callOpts := []grpc.CallOption{grpc.CallContentSubtype(codecName)}
	if c := CompressionName(); c != "" {
		callOpts = append(callOpts, grpc.UseCompressor(c))
	}

	stream, err := d.conn.NewStream(ctx, &channelStreamDesc, channelMethod, callOpts...)
	if err != nil {
		return err
	}

	link := newStreamLink(stream, d.address)
	d.mu.Lock()
	d.link = link
	d.mu.Unlock()
	if d.stopped() {
		link.Close(forwarder.ErrShutdown)
	}

	d.connected.Store(true)
	d.log.Debug().Msg("Channel stream opened")
	reason := link.Run(d.fwd.Dial(link))
	d.connected.Store(false)

	d.mu.Lock()
	d.link = nil
	d.mu.Unlock()
	return reason
}
