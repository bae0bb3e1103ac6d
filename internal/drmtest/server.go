// Package drmtest runs an in-process DRM server for tests.
package drmtest

import (
	"context"
	"drm-client/addresspool"
	"drm-client/message"
	"drm-client/server"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Server accepts registrations, answers pings and pushes values to connected clients.
type Server struct {
	t   testing.TB
	srv *server.Server

	mu        sync.Mutex
	values    map[string]string
	registers map[string]int

	rejectRegister atomic.Bool
	failPing       atomic.Bool
	pings          atomic.Int32
	connects       atomic.Int32
}

// New starts a server on 127.0.0.1:0; it is shut down by t.Cleanup.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		t:         t,
		srv:       server.NewServer(nil),
		values:    make(map[string]string),
		registers: make(map[string]int),
	}
	s.srv.Handle(message.KindSubscriberRegister, s.handleRegister)
	s.srv.Handle(message.KindPing, s.handlePing)
	s.srv.OnConnect(func(*server.Session) { s.connects.Add(1) })
	if err := s.srv.Listen("tcp", "127.0.0.1:0"); err != nil {
		t.Fatalf("drmtest: listen: %v", err)
	}
	go s.srv.Serve()
	t.Cleanup(func() { s.srv.Shutdown(time.Second) })
	return s
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return s.srv.Addr().String()
}

// Endpoint returns the address as a pool endpoint.
func (s *Server) Endpoint() addresspool.Endpoint {
	ep, err := addresspool.ParseEndpoint(s.Addr())
	if err != nil {
		s.t.Fatalf("drmtest: %v", err)
	}
	return ep
}

// Announce publishes the server address through a; it is withdrawn on shutdown.
func (s *Server) Announce(ctx context.Context, a server.Announcer, ttl int64) error {
	return s.srv.Announce(ctx, a, s.Endpoint(), ttl)
}

// Discoverer returns a discoverer that resolves to this server only.
func (s *Server) Discoverer() addresspool.Discoverer {
	return addresspool.DiscovererFunc(func(ctx context.Context) ([]addresspool.Endpoint, error) {
		return []addresspool.Endpoint{s.Endpoint()}, nil
	})
}

func (s *Server) handleRegister(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	var reg message.SubscriberRegister
	if err := req.Decode(&reg); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.registers[reg.DataID]++
	value, ok := s.values[reg.DataID]
	s.mu.Unlock()

	result := &message.SubscriberRegResult{DataID: reg.DataID, Result: true}
	if s.rejectRegister.Load() {
		result.Result = false
		result.Message = "rejected by drmtest"
	} else if ok {
		result.Value = &value
	}
	return message.Reply(req, result)
}

func (s *Server) handlePing(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	s.pings.Add(1)
	if s.failPing.Load() {
		return nil, errors.New("ping refused")
	}
	return message.Reply(req, nil)
}

// Push sets dataID to value and pushes it to every connected client. It returns the number
// of clients that acknowledged.
func (s *Server) Push(ctx context.Context, dataID, value string) (int, error) {
	s.mu.Lock()
	s.values[dataID] = value
	s.mu.Unlock()

	req, err := message.New(message.KindAttributeSetRequest, &message.AttributeSetRequest{DataID: dataID, Value: value})
	if err != nil {
		return 0, err
	}
	return s.srv.Broadcast(ctx, req)
}

// Ack pushes an unsolicited SubscriberRegResult for dataID.
func (s *Server) Ack(ctx context.Context, dataID string) (int, error) {
	req, err := message.New(message.KindSubscriberRegResult, &message.SubscriberRegResult{DataID: dataID, Result: true})
	if err != nil {
		return 0, err
	}
	return s.srv.Broadcast(ctx, req)
}

// Query asks the first connected client for its raw value of dataID.
func (s *Server) Query(ctx context.Context, dataID string) (string, error) {
	sessions := s.srv.Sessions()
	if len(sessions) == 0 {
		return "", errors.New("drmtest: no client connected")
	}
	req, err := message.New(message.KindAttributeGetRequest, &message.AttributeGetRequest{DataID: dataID})
	if err != nil {
		return "", err
	}
	resp, err := sessions[0].Call(ctx, req)
	if err != nil {
		return "", err
	}
	var got message.AttributeGetResponse
	if err := resp.Decode(&got); err != nil {
		return "", err
	}
	return got.Value, nil
}

// Send delivers an arbitrary request to every connected client.
func (s *Server) Send(ctx context.Context, req *message.RPCMessage) (int, error) {
	return s.srv.Broadcast(ctx, req)
}

// DropConnections closes every client connection, the listener stays up.
func (s *Server) DropConnections() {
	for _, sess := range s.srv.Sessions() {
		sess.Close()
	}
}

// Sessions returns the number of connected clients.
func (s *Server) Sessions() int {
	return len(s.srv.Sessions())
}

// Connects returns how many connections were accepted so far.
func (s *Server) Connects() int {
	return int(s.connects.Load())
}

// Registers returns how many SubscriberRegister requests arrived for dataID.
func (s *Server) Registers(dataID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registers[dataID]
}

// Pings returns the number of pings served.
func (s *Server) Pings() int {
	return int(s.pings.Load())
}

func (s *Server) SetRejectRegister(v bool) { s.rejectRegister.Store(v) }
func (s *Server) SetFailPing(v bool)       { s.failPing.Store(v) }

// Close shuts the server down before the test ends.
func (s *Server) Close() {
	s.srv.Shutdown(time.Second)
}

// FreeAddr returns a loopback address nobody listens on.
func FreeAddr(t testing.TB) string {
	t.Helper()
	s := server.NewServer(nil)
	if err := s.Listen("tcp", "127.0.0.1:0"); err != nil {
		t.Fatalf("drmtest: %v", err)
	}
	addr := s.Addr().String()
	s.Shutdown(time.Second)
	return addr
}
