package server

import (
	"context"
	"drm-client/codec"
	"drm-client/message"
	"drm-client/protocol"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Session is one accepted connection. Besides answering requests, the server can call the
// peer through it: that is how values are pushed to a DRM client.
type Session struct {
	conn    net.Conn
	logger  *zap.Logger
	writeMu sync.Mutex    // shared by every writer on conn
	codec   atomic.Uint32 // codec of the last frame received, used for calls
	seq     atomic.Uint32
	pending sync.Map // map[uint32]chan *message.RPCMessage

	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(conn net.Conn, logger *zap.Logger) *Session {
	return &Session{
		conn:   conn,
		logger: logger.With(zap.String("peer", conn.RemoteAddr().String())),
		closed: make(chan struct{}),
	}
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *Session) write(h *protocol.Header, body []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.Encode(s.conn, h, body)
}

// Call sends req to the peer and waits for the reply.
func (s *Session) Call(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	ct := codec.CodecType(s.codec.Load())
	body, err := codec.GetCodec(ct).Encode(req)
	if err != nil {
		return nil, err
	}

	seq := s.seq.Add(1)
	ch := make(chan *message.RPCMessage, 1)
	s.pending.Store(seq, ch)
	defer s.pending.Delete(seq)

	if err := s.write(&protocol.Header{CodecType: byte(ct), MsgType: protocol.MsgTypeRequest, Seq: seq}, body); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, fmt.Errorf("peer error on %s: %s", req.Kind, resp.Error)
		}
		return resp, nil
	case <-s.closed:
		return nil, fmt.Errorf("session %s closed", s.RemoteAddr())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) deliver(h *protocol.Header, body []byte) {
	msg := message.RPCMessage{}
	if err := codec.GetCodec(codec.CodecType(h.CodecType)).Decode(body, &msg); err != nil {
		s.logger.Warn("drop undecodable reply", zap.Error(err))
		return
	}
	if ch, ok := s.pending.LoadAndDelete(h.Seq); ok {
		ch.(chan *message.RPCMessage) <- &msg
	}
}

// Close drops the connection. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
	return nil
}
