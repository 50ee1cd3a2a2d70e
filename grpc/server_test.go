package grpc

import (
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/forwarder/cfg"
	"github.com/maxpert/forwarder/engine"
	"github.com/maxpert/forwarder/forwarder"
)

func startForwarder(t *testing.T, uid string) *forwarder.Forwarder {
	t.Helper()
	eng, err := engine.Open(engine.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	f, err := forwarder.New(eng, forwarder.Options{
		UID:            uid,
		CommitCount:    4,
		CommitInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	_, err = f.Recover()
	require.NoError(t, err)
	f.Start()
	t.Cleanup(f.Stop)
	return f
}

func startServer(t *testing.T, f *forwarder.Forwarder) *Server {
	t.Helper()
	s := NewServer(f, ServerConfig{Address: "127.0.0.1", Port: 0})
	s.SetMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "forwarder_up 1\n")
	}))
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func dialPeer(t *testing.T, f *forwarder.Forwarder, addr string) *Dialer {
	t.Helper()
	d, err := NewDialer(f, cfg.PeerConfiguration{Name: "peer", Address: addr}, DialerOptions{
		Backoff:    20 * time.Millisecond,
		MaxBackoff: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	d.Start()
	t.Cleanup(d.Stop)
	return d
}

func forward(t *testing.T, f *forwarder.Forwarder, uid string, n int, reliable bool) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.Forward(uid, &engine.Message{
			Destination: "orders/eu",
			Body:        []byte(fmt.Sprintf("m%d", i)),
			Reliable:    reliable,
		})
		require.NoError(t, err)
	}
}

func TestForwardOverGRPC(t *testing.T) {
	alpha := startForwarder(t, "alpha")
	beta := startForwarder(t, "beta")
	srv := startServer(t, beta)

	forward(t, alpha, "beta", 9, true)
	d := dialPeer(t, alpha, srv.Addr())
	forward(t, alpha, "beta", 6, false)

	require.Eventually(t, func() bool {
		return beta.Engine().DestinationDepth("orders/eu") == 15 &&
			alpha.Engine().Depth("beta") == 0
	}, 10*time.Second, 10*time.Millisecond)
	assert.True(t, d.Connected())

	require.Eventually(t, func() bool {
		info, ok := alpha.Channel("beta")
		return ok && len(info.ReceiverXA) == 0
	}, 10*time.Second, 10*time.Millisecond)
	assert.Empty(t, alpha.Engine().Transactions())
}

func TestDialerReconnects(t *testing.T) {
	alpha := startForwarder(t, "alpha")
	beta := startForwarder(t, "beta")
	srv := NewServer(beta, ServerConfig{Address: "127.0.0.1", Port: 0})
	require.NoError(t, srv.Start())
	addr := srv.Addr()

	d := dialPeer(t, alpha, addr)
	require.Eventually(t, d.Connected, 10*time.Second, 10*time.Millisecond)

	srv.Stop()
	require.Eventually(t, func() bool { return !d.Connected() }, 10*time.Second, 10*time.Millisecond)
	forward(t, alpha, "beta", 5, true)

	var port int
	_, err := fmt.Sscanf(addr, "127.0.0.1:%d", &port)
	require.NoError(t, err)
	again := NewServer(beta, ServerConfig{Address: "127.0.0.1", Port: port})
	require.NoError(t, again.Start())
	t.Cleanup(again.Stop)

	require.Eventually(t, func() bool {
		return beta.Engine().DestinationDepth("orders/eu") == 5
	}, 10*time.Second, 10*time.Millisecond)
}

func TestHTTPSharesPort(t *testing.T) {
	beta := startForwarder(t, "beta")
	srv := startServer(t, beta)

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "forwarder_up")
}

func TestServiceDescriptor(t *testing.T) {
	require.Len(t, serviceDesc.Streams, 1)
	sd := serviceDesc.Streams[0]
	assert.Equal(t, channelStreamDesc.StreamName, sd.StreamName)
	assert.NotNil(t, sd.Handler)
	assert.True(t, sd.ServerStreams && sd.ClientStreams)
	assert.Equal(t, "/"+ServiceName+"/"+sd.StreamName, channelMethod)
}
