package server

import (
	"context"
	"drm-client/addresspool"
	"drm-client/codec"
	"drm-client/message"
	"drm-client/middleware"
	"drm-client/protocol"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, svr *Server) string {
	t.Helper()
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	go svr.Serve()
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr.Addr().String()
}

func call(t *testing.T, conn net.Conn, ct codec.CodecType, seq uint32, req *message.RPCMessage) *message.RPCMessage {
	t.Helper()
	c := codec.GetCodec(ct)
	body, err := c.Encode(req)
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(conn, &protocol.Header{CodecType: byte(ct), MsgType: protocol.MsgTypeRequest, Seq: seq}, body))

	header, respBody, err := protocol.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTypeResponse, header.MsgType)
	assert.Equal(t, seq, header.Seq)

	var resp message.RPCMessage
	require.NoError(t, c.Decode(respBody, &resp))
	return &resp
}

func getHandler(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	var get message.AttributeGetRequest
	if err := req.Decode(&get); err != nil {
		return nil, err
	}
	return message.Reply(req, &message.AttributeGetResponse{Value: "v:" + get.DataID})
}

func TestServerRoutesByKind(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		svr := NewServer(nil)
		svr.Handle(message.KindAttributeGetRequest, getHandler)
		addr := startServer(t, svr)

		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()

		req, err := message.New(message.KindAttributeGetRequest, &message.AttributeGetRequest{DataID: "a"})
		require.NoError(t, err)
		resp := call(t, conn, ct, 7, req)
		require.Empty(t, resp.Error)

		var got message.AttributeGetResponse
		require.NoError(t, resp.Decode(&got))
		assert.Equal(t, "v:a", got.Value)

		// Unknown kinds come back as an error reply, the connection stays usable
		resp = call(t, conn, ct, 8, &message.RPCMessage{Kind: message.KindPing})
		assert.Contains(t, resp.Error, "unknown kind")
	}
}

func TestServerMiddleware(t *testing.T) {
	svr := NewServer(nil)
	svr.Use(middleware.RateLimitMiddleware(0.001, 1))
	svr.Handle(message.KindAttributeGetRequest, getHandler)
	addr := startServer(t, svr)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	req, _ := message.New(message.KindAttributeGetRequest, &message.AttributeGetRequest{DataID: "a"})
	assert.Empty(t, call(t, conn, codec.CodecTypeJSON, 1, req).Error)
	assert.Contains(t, call(t, conn, codec.CodecTypeJSON, 2, req).Error, "rate limit exceeded")
}

func TestSessionCall(t *testing.T) {
	svr := NewServer(nil)
	sessions := make(chan *Session, 1)
	svr.OnConnect(func(s *Session) { sessions <- s })
	addr := startServer(t, svr)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	sess := <-sessions
	result := make(chan error, 1)
	go func() {
		req, _ := message.New(message.KindAttributeSetRequest, &message.AttributeSetRequest{DataID: "a", Value: "1"})
		_, err := sess.Call(context.Background(), req)
		result <- err
	}()

	// Act as the client: read the server's request and answer it
	header, body, err := protocol.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTypeRequest, header.MsgType)
	var req message.RPCMessage
	require.NoError(t, codec.GetCodec(codec.CodecTypeJSON).Decode(body, &req))
	assert.Equal(t, message.KindAttributeSetRequest, req.Kind)

	reply, _ := codec.GetCodec(codec.CodecTypeJSON).Encode(&message.RPCMessage{Kind: req.Kind})
	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeResponse, Seq: header.Seq}, reply))
	require.NoError(t, <-result)
}

func TestShutdownIdempotent(t *testing.T) {
	svr := NewServer(nil)
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	done := make(chan error, 1)
	go func() { done <- svr.Serve() }()

	require.NoError(t, svr.Shutdown(time.Second))
	require.NoError(t, svr.Shutdown(time.Second))
	assert.NoError(t, <-done)
}

type recordingAnnouncer struct {
	mu           sync.Mutex
	registered   []string
	deregistered []string
}

func (a *recordingAnnouncer) Register(ctx context.Context, ep addresspool.Endpoint, ttl int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registered = append(a.registered, ep.Addr())
	return nil
}

func (a *recordingAnnouncer) Deregister(ctx context.Context, ep addresspool.Endpoint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deregistered = append(a.deregistered, ep.Addr())
	return nil
}

func TestAnnounceUntilShutdown(t *testing.T) {
	svr := NewServer(nil)
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	go svr.Serve()

	ep := addresspool.Endpoint{Host: "10.0.0.1", Port: 9600, Weight: 1}
	a := &recordingAnnouncer{}
	require.NoError(t, svr.Announce(context.Background(), a, ep, 10))
	assert.Equal(t, []string{"10.0.0.1:9600"}, a.registered)
	assert.Empty(t, a.deregistered)

	require.NoError(t, svr.Shutdown(time.Second))
	require.NoError(t, svr.Shutdown(time.Second))
	assert.Equal(t, []string{"10.0.0.1:9600"}, a.deregistered)
}
