// Package transport implements the client side of the DRM connection: request/response
// multiplexing, dispatch of server pushes, keepalive and reconnection.
//
// ClientTransport runs many concurrent requests over one TCP connection. Each request gets a
// unique sequence ID and a background goroutine (recvLoop) reads every frame and routes it:
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ DRM server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2)  → pending[2] → goroutine-2 wakes up
//	           ←── request(AttributeSetRequest) → HandlerMap → reply(seq from server)
//
// Server requests are handled on recvLoop itself, so pushes are processed strictly in
// arrival order.
package transport

import (
	"context"
	"drm-client/codec"
	"drm-client/message"
	"drm-client/protocol"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrConnectionLost rejects requests in flight when the connection breaks.
	ErrConnectionLost = errors.New("connection lost")
	ErrNotConnected   = errors.New("not connected")
	ErrClosed         = errors.New("transport closed")
)

// RemoteError is a response whose Error field was set by the peer.
type RemoteError struct {
	Kind    message.Kind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error on %s: %s", e.Kind, e.Message)
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn     net.Conn
	codec    codec.CodecType
	handlers HandlerMap
	logger   *zap.Logger

	seq     uint32     // protected by sending
	pending sync.Map   // map[uint32]chan *message.RPCMessage
	sending sync.Mutex // whole frames only, concurrent writes would interleave

	ctx       context.Context // handed to push handlers, cancelled on shutdown
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	err       error // set before closed is closed
}

// NewClientTransport wraps conn and starts the receive loop and, when keepalive > 0, the
// keepalive loop.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, handlers HandlerMap, logger *zap.Logger, keepalive time.Duration) *ClientTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &ClientTransport{
		conn:     conn,
		codec:    codecType,
		handlers: handlers,
		logger:   logger.With(zap.String("addr", conn.RemoteAddr().String())),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
	go t.recvLoop()
	if keepalive > 0 {
		go t.heartbeatLoop(keepalive)
	}
	return t
}

// Send writes req and waits for the matching response, connection loss or ctx.
// A response carrying an error string is returned as *RemoteError.
func (t *ClientTransport) Send(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	cdc := codec.GetCodec(t.codec)
	body, err := cdc.Encode(req)
	if err != nil {
		return nil, err
	}

	// Buffered so recvLoop never blocks on a caller that already gave up
	respChan := make(chan *message.RPCMessage, 1)

	t.sending.Lock()
	select {
	case <-t.closed:
		t.sending.Unlock()
		return nil, t.err
	default:
	}
	t.seq++
	seq := t.seq
	// Register before writing so a fast response cannot beat us to the map
	t.pending.Store(seq, respChan)
	err = protocol.Encode(t.conn, &protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}, body)
	t.sending.Unlock()

	if err != nil {
		t.pending.Delete(seq)
		t.shutdown(fmt.Errorf("%w: %v", ErrConnectionLost, err))
		return nil, t.err
	}

	select {
	case resp := <-respChan:
		if resp.Error != "" {
			return resp, &RemoteError{Kind: req.Kind, Message: resp.Error}
		}
		return resp, nil
	case <-t.closed:
		t.pending.Delete(seq)
		return nil, t.err
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, ctx.Err()
	}
}

// recvLoop is the single reader of the connection.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.shutdown(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}

		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		msg := message.RPCMessage{}
		cdc := codec.GetCodec(codec.CodecType(header.CodecType))
		if err := cdc.Decode(body, &msg); err != nil {
			t.logger.Warn("drop undecodable frame", zap.Uint32("seq", header.Seq), zap.Error(err))
			continue
		}

		if header.MsgType == protocol.MsgTypeResponse {
			if channel, ok := t.pending.LoadAndDelete(header.Seq); ok {
				channel.(chan *message.RPCMessage) <- &msg
			}
			continue
		}

		t.dispatch(header, &msg)
	}
}

// dispatch runs the handler for a server request and writes its reply. Unknown kinds and
// handler panics are logged and answered with an error reply.
func (t *ClientTransport) dispatch(header *protocol.Header, req *message.RPCMessage) {
	resp := t.handle(req)

	cdc := codec.GetCodec(codec.CodecType(header.CodecType))
	body, err := cdc.Encode(resp)
	if err != nil {
		t.logger.Error("encode push reply failed", zap.String("kind", string(req.Kind)), zap.Error(err))
		return
	}

	t.sending.Lock()
	err = protocol.Encode(t.conn, &protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}, body)
	t.sending.Unlock()
	if err != nil {
		t.shutdown(fmt.Errorf("%w: %v", ErrConnectionLost, err))
	}
}

func (t *ClientTransport) handle(req *message.RPCMessage) (resp *message.RPCMessage) {
	h, ok := t.handlers.Lookup(req.Kind)
	if !ok {
		t.logger.Warn("no handler for push, dropped", zap.String("kind", string(req.Kind)))
		return message.Failure(req, fmt.Errorf("unsupported kind %q", req.Kind))
	}

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("push handler panicked", zap.String("kind", string(req.Kind)), zap.Any("panic", r))
			resp = message.Failure(req, fmt.Errorf("handler panic: %v", r))
		}
	}()

	resp, err := h.Handle(t.ctx, req)
	if err != nil {
		return message.Failure(req, err)
	}
	if resp == nil {
		resp = &message.RPCMessage{Kind: req.Kind}
	}
	return resp
}

// shutdown closes the connection once and releases every pending caller with err.
func (t *ClientTransport) shutdown(err error) {
	t.closeOnce.Do(func() {
		t.err = err
		close(t.closed)
		t.cancel()
		t.conn.Close()
		t.closeAllPending()
	})
}

// closeAllPending drops the pending table. Callers wake up through the closed channel.
func (t *ClientTransport) closeAllPending() {
	t.pending.Clear()
}

// Close shuts the transport down; pending requests fail with ErrClosed.
func (t *ClientTransport) Close() error {
	t.shutdown(ErrClosed)
	return nil
}

// Done is closed once the transport is unusable.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.closed
}

// Err reports why the transport stopped. Only valid after Done is closed.
func (t *ClientTransport) Err() error {
	select {
	case <-t.closed:
		return t.err
	default:
		return nil
	}
}

// RemoteAddr returns the peer address.
func (t *ClientTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// heartbeatLoop sends keepalive frames so idle connections are not reaped by the server
// or by middleboxes. Keepalive frames carry no body and get no reply.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat, CodecType: byte(t.codec)}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.shutdown(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
	}
}
