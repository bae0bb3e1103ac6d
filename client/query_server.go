package client

import (
	"context"
	"drm-client/message"
	"drm-client/middleware"
	"drm-client/server"
	"net"
	"time"

	"go.uber.org/zap"
)

const (
	queryRate  = 100 // requests per second
	queryBurst = 20
)

// queryServer lets local tools read and override cached values over the DRM protocol.
type queryServer struct {
	srv    *server.Server
	logger *zap.Logger
}

func newQueryServer(c *DrmDataClient) *queryServer {
	logger := c.logger.Named("query")
	srv := server.NewServer(logger)
	srv.Use(middleware.LoggingMiddleware(logger))
	srv.Use(middleware.RateLimitMiddleware(queryRate, queryBurst))
	srv.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			c.metrics.queryRequests.WithLabelValues(string(req.Kind)).Inc()
			return next(ctx, req)
		}
	})
	srv.Handle(message.KindAttributeGetRequest, c.handleGet)
	srv.Handle(message.KindAttributeSetRequest, c.handleQuerySet)
	return &queryServer{srv: srv, logger: logger}
}

func (q *queryServer) start(addr string) error {
	if err := q.srv.Listen("tcp", addr); err != nil {
		return err
	}
	go func() {
		if err := q.srv.Serve(); err != nil {
			q.logger.Debug("query server stopped", zap.Error(err))
		}
	}()
	q.logger.Info("query server listening", zap.String("addr", q.srv.Addr().String()))
	return nil
}

func (q *queryServer) addr() net.Addr {
	return q.srv.Addr()
}

func (q *queryServer) shutdown() error {
	return q.srv.Shutdown(time.Second)
}
