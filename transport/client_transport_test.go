package transport

import (
	"context"
	"drm-client/addresspool"
	"drm-client/codec"
	"drm-client/internal/drmtest"
	"drm-client/message"
	"drm-client/protocol"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, addrs ...string) *addresspool.Pool {
	t.Helper()
	static, err := addresspool.NewStaticDiscoverer(addrs)
	require.NoError(t, err)
	pool := addresspool.NewPool(static, nil)
	require.NoError(t, pool.Ready(context.Background()))
	return pool
}

func newClient(t *testing.T, pool *addresspool.Pool, handlers HandlerMap) *BoltClient {
	t.Helper()
	c := NewBoltClient(pool, handlers, Config{
		Timeout:            time.Second,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBoltClientPing(t *testing.T) {
	srv := drmtest.New(t)
	c := newClient(t, newPool(t, srv.Addr()), HandlerMap{})

	require.NoError(t, c.Ready(context.Background()))
	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, 1, srv.Pings())

	srv.SetFailPing(true)
	err := c.Ping(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, message.KindPing, remote.Kind)
}

func TestBoltClientConcurrentRequests(t *testing.T) {
	srv := drmtest.New(t)
	c := newClient(t, newPool(t, srv.Addr()), HandlerMap{})
	require.NoError(t, c.Ready(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Ping(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, srv.Pings())
}

func TestBoltClientFailsOverToNextEndpoint(t *testing.T) {
	srv := drmtest.New(t)
	pool := newPool(t, drmtest.FreeAddr(t), srv.Addr())
	c := newClient(t, pool, HandlerMap{})

	require.NoError(t, c.Ready(context.Background()))
	require.NoError(t, c.Ping(context.Background()))
}

func TestBoltClientReadyNoServer(t *testing.T) {
	c := newClient(t, newPool(t, drmtest.FreeAddr(t)), HandlerMap{})
	assert.ErrorIs(t, c.Ready(context.Background()), ErrNotConnected)
	assert.ErrorIs(t, c.Ping(context.Background()), ErrNotConnected)
}

func TestPushDispatchInOrder(t *testing.T) {
	srv := drmtest.New(t)

	var mu sync.Mutex
	var got []string
	handlers, err := NewHandlerMap(map[message.Kind]Handler{
		message.KindAttributeSetRequest: HandlerFunc(func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			var set message.AttributeSetRequest
			if err := req.Decode(&set); err != nil {
				return nil, err
			}
			mu.Lock()
			got = append(got, set.Value)
			mu.Unlock()
			return nil, nil
		}),
	})
	require.NoError(t, err)

	c := newClient(t, newPool(t, srv.Addr()), handlers)
	require.NoError(t, c.Ready(context.Background()))
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	for _, v := range []string{"1", "2", "3"} {
		n, err := srv.Push(context.Background(), "a", v)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	mu.Lock()
	assert.Equal(t, []string{"1", "2", "3"}, got)
	mu.Unlock()
}

func TestPushUnknownKindIsAnsweredNotFatal(t *testing.T) {
	srv := drmtest.New(t)
	c := newClient(t, newPool(t, srv.Addr()), HandlerMap{})
	require.NoError(t, c.Ready(context.Background()))
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	_, err := srv.Push(context.Background(), "a", "1")
	assert.ErrorContains(t, err, "unsupported kind")

	// Connection survives
	require.NoError(t, c.Ping(context.Background()))
}

func TestPushHandlerPanicRecovered(t *testing.T) {
	srv := drmtest.New(t)
	handlers, err := NewHandlerMap(map[message.Kind]Handler{
		message.KindAttributeSetRequest: HandlerFunc(func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			panic("boom")
		}),
	})
	require.NoError(t, err)
	c := newClient(t, newPool(t, srv.Addr()), handlers)
	require.NoError(t, c.Ready(context.Background()))
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	_, err = srv.Push(context.Background(), "a", "1")
	assert.ErrorContains(t, err, "handler panic")
	require.NoError(t, c.Ping(context.Background()))
}

func TestNewHandlerMapRejectsNonPushKind(t *testing.T) {
	noop := HandlerFunc(func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) { return nil, nil })
	_, err := NewHandlerMap(map[message.Kind]Handler{message.KindPing: noop})
	assert.Error(t, err)

	hm, err := NewHandlerMap(map[message.Kind]Handler{
		message.KindAttributeSetRequest: noop,
		message.KindAttributeGetRequest: noop,
	})
	require.NoError(t, err)
	assert.Equal(t, []message.Kind{message.KindAttributeGetRequest, message.KindAttributeSetRequest}, hm.Kinds())
}

// A server that reads a request and hangs up without replying.
func TestInFlightRejectedOnConnectionLoss(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		protocol.Decode(conn)
		conn.Close()
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	ct := NewClientTransport(conn, codec.CodecTypeJSON, HandlerMap{}, nil, 0)

	_, err = ct.Send(context.Background(), &message.RPCMessage{Kind: message.KindPing})
	assert.ErrorIs(t, err, ErrConnectionLost)
	<-ct.Done()
	assert.ErrorIs(t, ct.Err(), ErrConnectionLost)

	_, err = ct.Send(context.Background(), &message.RPCMessage{Kind: message.KindPing})
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := drmtest.New(t)
	c := newClient(t, newPool(t, srv.Addr()), HandlerMap{})

	var reconnects atomic.Int32
	c.OnReconnect(func() { reconnects.Add(1) })
	require.NoError(t, c.Ready(context.Background()))
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	srv.DropConnections()
	require.Eventually(t, func() bool { return reconnects.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.Connected())
	require.NoError(t, c.Ping(context.Background()))
	assert.Eventually(t, func() bool { return srv.Connects() == 2 }, time.Second, 5*time.Millisecond)
}

func TestExplicitReconnect(t *testing.T) {
	srv := drmtest.New(t)
	c := newClient(t, newPool(t, srv.Addr()), HandlerMap{})
	var reconnects atomic.Int32
	c.OnReconnect(func() { reconnects.Add(1) })
	require.NoError(t, c.Ready(context.Background()))

	require.NoError(t, c.Reconnect(context.Background()))
	assert.Equal(t, int32(1), reconnects.Load())
	require.NoError(t, c.Ping(context.Background()))
}

func TestCloseIdempotent(t *testing.T) {
	srv := drmtest.New(t)
	c := newClient(t, newPool(t, srv.Addr()), HandlerMap{})
	require.NoError(t, c.Ready(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Ping(context.Background()), ErrClosed)
	assert.ErrorIs(t, c.Ready(context.Background()), ErrClosed)
	assert.ErrorIs(t, c.Reconnect(context.Background()), ErrClosed)
}
