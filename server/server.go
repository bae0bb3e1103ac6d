// Package server implements the protocol server side: kind-based request routing, a
// middleware chain, parallel request processing, server-initiated calls to connected
// peers and graceful shutdown.
//
// The DRM client uses it for its local inspection server; tests use it to stand in for the
// DRM server, pushing values through Session.Call.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → request:  go handleRequest → Codec.Decode → Middleware Chain → handler → Codec.Encode → write
//	  → response: route to the Session.Call waiting on that Seq
package server

import (
	"context"
	"drm-client/addresspool"
	"drm-client/codec"
	"drm-client/message"
	"drm-client/middleware"
	"drm-client/protocol"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Announcer publishes the server address, e.g. addresspool.EtcdDiscoverer.
type Announcer interface {
	Register(ctx context.Context, ep addresspool.Endpoint, ttl int64) error
	Deregister(ctx context.Context, ep addresspool.Endpoint) error
}

// Server routes requests to handlers by message kind.
type Server struct {
	handlers    map[message.Kind]middleware.HandlerFunc
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(route)))
	logger      *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool

	mu        sync.Mutex
	sessions  map[*Session]struct{}
	onConnect func(*Session)

	announcer Announcer
	advertise addresspool.Endpoint
}

// NewServer creates a server with no handlers.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		handlers: make(map[message.Kind]middleware.HandlerFunc),
		sessions: make(map[*Session]struct{}),
		logger:   logger,
	}
}

// Handle registers h for kind. Must be called before Listen.
func (svr *Server) Handle(kind message.Kind, h middleware.HandlerFunc) {
	svr.handlers[kind] = h
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// OnConnect runs fn in its own goroutine for every accepted connection.
func (svr *Server) OnConnect(fn func(*Session)) {
	svr.mu.Lock()
	svr.onConnect = fn
	svr.mu.Unlock()
}

// Listen binds the listener and builds the handler chain once.
//
// Chain(A, B, C)(route) → A(B(C(route))), so A runs first on the way in.
func (svr *Server) Listen(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.listener = listener
	svr.handler = middleware.Chain(svr.middlewares...)(svr.route)
	return nil
}

// Addr returns the bound address. Only valid after Listen.
func (svr *Server) Addr() net.Addr {
	return svr.listener.Addr()
}

// Announce publishes ep through a until Shutdown deregisters it.
func (svr *Server) Announce(ctx context.Context, a Announcer, ep addresspool.Endpoint, ttl int64) error {
	if err := a.Register(ctx, ep, ttl); err != nil {
		return err
	}
	svr.announcer = a
	svr.advertise = ep
	return nil
}

// Serve runs the accept loop until Shutdown.
func (svr *Server) Serve() error {
	for {
		conn, err := svr.listener.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is not a failure
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// ListenAndServe is Listen followed by Serve.
func (svr *Server) ListenAndServe(network, address string) error {
	if err := svr.Listen(network, address); err != nil {
		return err
	}
	return svr.Serve()
}

// handleConn is the single reader of conn. Requests are processed in parallel, responses
// are routed to the session's pending calls.
func (svr *Server) handleConn(conn net.Conn) {
	sess := newSession(conn, svr.logger)

	svr.mu.Lock()
	svr.sessions[sess] = struct{}{}
	onConnect := svr.onConnect
	svr.mu.Unlock()

	defer func() {
		svr.mu.Lock()
		delete(svr.sessions, sess)
		svr.mu.Unlock()
		sess.Close()
	}()

	if onConnect != nil {
		go onConnect(sess)
	}

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}

		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		sess.codec.Store(uint32(header.CodecType))

		if header.MsgType == protocol.MsgTypeResponse {
			sess.deliver(header, body)
			continue
		}

		svr.wg.Add(1)
		go svr.handleRequest(header, body, sess)
	}
}

// handleRequest: decode → middleware → handler → encode → write.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, sess *Session) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	msg := message.RPCMessage{}
	var resp *message.RPCMessage
	if err := c.Decode(body, &msg); err != nil {
		resp = &message.RPCMessage{Error: fmt.Sprintf("decode request: %v", err)}
	} else {
		var herr error
		resp, herr = svr.handler(context.Background(), &msg)
		if herr != nil {
			resp = message.Failure(&msg, herr)
		} else if resp == nil {
			resp = &message.RPCMessage{Kind: msg.Kind}
		}
	}

	result, err := c.Encode(resp)
	if err != nil {
		svr.logger.Error("encode reply failed", zap.String("kind", string(msg.Kind)), zap.Error(err))
		return
	}

	// Same Seq as the request so the peer can match it
	if err := sess.write(&protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}, result); err != nil {
		svr.logger.Warn("write reply failed", zap.Error(err))
	}
}

// route dispatches to the handler registered for the request's kind.
func (svr *Server) route(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	h, ok := svr.handlers[req.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", req.Kind)
	}
	return h(ctx, req)
}

// Sessions returns the currently connected peers.
func (svr *Server) Sessions() []*Session {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	out := make([]*Session, 0, len(svr.sessions))
	for s := range svr.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast calls every connected peer with req and returns the number of successful replies.
func (svr *Server) Broadcast(ctx context.Context, req *message.RPCMessage) (int, error) {
	var errs error
	ok := 0
	for _, s := range svr.Sessions() {
		if _, err := s.Call(ctx, req); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		ok++
	}
	return ok, errs
}

// Shutdown performs graceful shutdown:
//  1. Deregister the announced address so clients stop picking this server
//  2. Set shutdown flag and close the listener
//  3. Wait for in-flight requests (bounded by timeout)
//  4. Close every session
func (svr *Server) Shutdown(timeout time.Duration) error {
	if !svr.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	if svr.announcer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := svr.announcer.Deregister(ctx, svr.advertise); err != nil {
			svr.logger.Warn("deregister failed", zap.Error(err))
		}
		cancel()
	}
	if svr.listener != nil {
		svr.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	for _, s := range svr.Sessions() {
		s.Close()
	}
	return err
}
