package grpc

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"

	"github.com/maxpert/forwarder/forwarder"
)

const (
	// ServiceName is the gRPC service carrying forwarder connections.
	ServiceName = "forwarder.v1.Forwarder"

	channelMethod = "/" + ServiceName + "/Channel"
	maxMsgSize    = 100 * 1024 * 1024
)

// ChannelServer accepts forwarder connections. Each Channel stream is one
// connection from a dialing broker.
type ChannelServer interface {
	Channel(stream grpc.ServerStream) error
}

func channelHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ChannelServer).Channel(stream)
}

var channelStreamDesc = grpc.StreamDesc{
	StreamName:    "Channel",
	Handler:       channelHandler,
	ServerStreams: true,
	ClientStreams: true,
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChannelServer)(nil),
	Streams:     []grpc.StreamDesc{channelStreamDesc},
	Metadata:    "forwarder.proto",
}

// Server accepts Channel streams on the listener port and serves HTTP (pprof,
// metrics, admin) on the same port.
type Server struct {
	fwd      *forwarder.Forwarder
	address  string
	port     int
	server   *grpc.Server
	http     *http.Server
	listener net.Listener
	mux      cmux.CMux

	metricsHandler http.Handler
	adminHandler   http.Handler

	mu    sync.Mutex
	links map[*streamLink]struct{}
}

// ServerConfig holds configuration for the gRPC server
type ServerConfig struct {
	Address string
	Port    int
}

// NewServer creates a server handing accepted streams to fwd.
func NewServer(fwd *forwarder.Forwarder, config ServerConfig) *Server {
	return &Server{
		fwd:     fwd,
		address: config.Address,
		port:    config.Port,
		links:   make(map[*streamLink]struct{}),
	}
}

// SetMetricsHandler mounts h at /metrics. Call before Start.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metricsHandler = h
}

// SetAdminHandler mounts h under /admin/. Call before Start.
func (s *Server) SetAdminHandler(h http.Handler) {
	s.adminHandler = h
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = listener
	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	s.server.RegisterService(&serviceDesc, s)

	log.Info().
		Str("address", listener.Addr().String()).
		Str("uid", s.fwd.UID()).
		Msg("Starting forwarder server")

	s.mux = cmux.New(listener)
	httpListener := s.mux.Match(cmux.HTTP1Fast())
	grpcListener := s.mux.Match(cmux.Any())

	s.http = &http.Server{Handler: s.httpHandler()}

	go func() {
		if err := s.http.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) && !isClosedConn(err) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	go func() {
		if err := s.server.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) && !isClosedConn(err) {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()
	go func() {
		if err := s.mux.Serve(); err != nil && !isClosedConn(err) {
			log.Error().Err(err).Msg("cmux failed")
		}
	}()

	return nil
}

func (s *Server) httpHandler() http.Handler {
	httpMux := http.NewServeMux()

	httpMux.HandleFunc("/debug/pprof/", pprof.Index)
	httpMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	httpMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	httpMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	httpMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if s.metricsHandler != nil {
		httpMux.Handle("/metrics", s.metricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}
	if s.adminHandler != nil {
		httpMux.Handle("/admin/", http.StripPrefix("/admin", s.adminHandler))
		log.Info().Msg("Admin API enabled at /admin")
	}
	return httpMux
}

// Addr is the bound listener address, useful when Port was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Channel runs one accepted forwarder connection until it ends.
func (s *Server) Channel(stream grpc.ServerStream) error {
	remote := "unknown"
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		remote = p.Addr.String()
	}

	link := newStreamLink(stream, remote)
	s.track(link, true)
	defer s.track(link, false)

	reason := link.Run(s.fwd.Accept(link))
	log.Debug().
		Str("peer", remote).
		AnErr("reason", reason).
		Msg("Inbound stream finished")
	return nil
}

func (s *Server) track(l *streamLink, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.links[l] = struct{}{}
	} else {
		delete(s.links, l)
	}
}

// Stop closes accepted links, then stops the gRPC and HTTP servers.
func (s *Server) Stop() {
	s.mu.Lock()
	for l := range s.links {
		l.Close(forwarder.ErrShutdown)
	}
	s.mu.Unlock()

	if s.server != nil {
		log.Info().Msg("Stopping forwarder server")
		stopped := make(chan struct{})
		go func() {
			s.server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(10 * time.Second):
			log.Warn().Msg("Graceful stop timed out, forcing")
			s.server.Stop()
		}
	}
	if s.http != nil {
		_ = s.http.Close()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, cmux.ErrListenerClosed) || errors.Is(err, cmux.ErrServerClosed) || errors.Is(err, net.ErrClosed)
}
