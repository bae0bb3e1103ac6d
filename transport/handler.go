package transport

import (
	"context"
	"drm-client/message"
	"fmt"
	"sort"
)

// Handler serves one kind of server-initiated request.
type Handler interface {
	Handle(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	return f(ctx, req)
}

// HandlerMap routes pushes by kind. It is immutable once built.
type HandlerMap struct {
	m map[message.Kind]Handler
}

// NewHandlerMap copies handlers. Only push kinds may be mapped, one handler each.
func NewHandlerMap(handlers map[message.Kind]Handler) (HandlerMap, error) {
	m := make(map[message.Kind]Handler, len(handlers))
	for kind, h := range handlers {
		if !kind.IsPush() {
			return HandlerMap{}, fmt.Errorf("transport: %s is not a push kind", kind)
		}
		if h == nil {
			return HandlerMap{}, fmt.Errorf("transport: nil handler for %s", kind)
		}
		m[kind] = h
	}
	return HandlerMap{m: m}, nil
}

// Lookup returns the handler for kind.
func (hm HandlerMap) Lookup(kind message.Kind) (Handler, bool) {
	h, ok := hm.m[kind]
	return h, ok
}

// Kinds lists the mapped kinds in sorted order.
func (hm HandlerMap) Kinds() []message.Kind {
	kinds := make([]message.Kind, 0, len(hm.m))
	for k := range hm.m {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
