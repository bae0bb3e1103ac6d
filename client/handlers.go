package client

import (
	"context"
	"drm-client/message"
	"drm-client/transport"

	"go.uber.org/zap"
)

// handlers builds the push dispatch table: one handler per server-initiated kind.
func (c *DrmDataClient) handlers() (transport.HandlerMap, error) {
	return transport.NewHandlerMap(map[message.Kind]transport.Handler{
		message.KindAttributeGetRequest: transport.HandlerFunc(c.handleGet),
		message.KindAttributeSetRequest: transport.HandlerFunc(c.handleSet),
		message.KindSubscriberRegResult: transport.HandlerFunc(c.handleAck),
	})
}

// handleGet answers with the raw value, "" when there is none.
func (c *DrmDataClient) handleGet(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	var get message.AttributeGetRequest
	if err := req.Decode(&get); err != nil {
		return nil, err
	}
	value, _ := c.GetRaw(get.DataID)
	return message.Reply(req, &message.AttributeGetResponse{Value: value})
}

func (c *DrmDataClient) handleSet(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	var set message.AttributeSetRequest
	if err := req.Decode(&set); err != nil {
		return nil, err
	}
	if c.regs.Get(set.DataID) != nil {
		c.metrics.pushes.WithLabelValues(set.DataID).Inc()
	}
	if err := c.regs.HandlePush(set.DataID, set.Value); err != nil {
		return nil, err
	}
	return message.Reply(req, nil)
}

func (c *DrmDataClient) handleAck(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	var result message.SubscriberRegResult
	if err := req.Decode(&result); err != nil {
		return nil, err
	}
	c.regs.HandleAck(result)
	return message.Reply(req, nil)
}

// handleQuerySet applies a value from a local tool. Unknown dataIds are ignored.
func (c *DrmDataClient) handleQuerySet(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	var set message.AttributeSetRequest
	if err := req.Decode(&set); err != nil {
		return nil, err
	}
	if c.regs.Get(set.DataID) == nil {
		c.logger.Warn("query server set for unregistered dataId ignored", zap.String("dataId", set.DataID))
		return message.Reply(req, nil)
	}
	if err := c.regs.HandlePush(set.DataID, set.Value); err != nil {
		return nil, err
	}
	return message.Reply(req, nil)
}
