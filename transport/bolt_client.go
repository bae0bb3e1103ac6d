package transport

import (
	"context"
	"drm-client/addresspool"
	"drm-client/codec"
	"drm-client/message"
	"drm-client/middleware"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout            = 5 * time.Second
	DefaultKeepAlive          = 15 * time.Second
	DefaultReconnectBaseDelay = 100 * time.Millisecond
	DefaultReconnectMaxDelay  = 30 * time.Second
)

// EndpointSource is the part of the address pool the client needs on every connect attempt.
type EndpointSource interface {
	Current() []addresspool.Endpoint
	Pick() (addresspool.Endpoint, error)
	MarkFailed(addr string)
}

// Config tunes a BoltClient. Zero values take the defaults above.
type Config struct {
	Codec              codec.CodecType
	Timeout            time.Duration // per request
	KeepAlive          time.Duration // keepalive frame interval, negative disables
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	Middlewares        []middleware.Middleware // wrapped inside logging, outside the timeout
	Logger             *zap.Logger
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// BoltClient keeps one live ClientTransport to a server picked from the address pool and
// replaces it when it breaks.
//
//	Ready ──connect──► transport ──Done──► reconnectLoop (backoff) ──connect──► transport ...
//	                                                     └─► OnReconnect callbacks
type BoltClient struct {
	pool     EndpointSource
	handlers HandlerMap
	cfg      Config
	logger   *zap.Logger
	invoke   middleware.HandlerFunc // middleware chain around send
	dialer   net.Dialer

	mu           sync.Mutex
	cur          *ClientTransport
	reconnecting bool
	onReconnect  []func()

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBoltClient builds a client; nothing is dialed until Ready.
func NewBoltClient(pool EndpointSource, handlers HandlerMap, cfg Config) *BoltClient {
	cfg.setDefaults()
	c := &BoltClient{
		pool:     pool,
		handlers: handlers,
		cfg:      cfg,
		logger:   cfg.Logger.Named("bolt"),
		dialer:   net.Dialer{Timeout: cfg.Timeout},
		closed:   make(chan struct{}),
	}
	chain := append([]middleware.Middleware{middleware.LoggingMiddleware(c.logger)}, cfg.Middlewares...)
	chain = append(chain, middleware.TimeOutMiddleware(cfg.Timeout))
	c.invoke = middleware.Chain(chain...)(c.send)
	return c
}

// Ready establishes the first connection.
func (c *BoltClient) Ready(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.mu.Lock()
	connected := c.cur != nil && c.cur.Err() == nil
	c.mu.Unlock()
	if connected {
		return nil
	}
	t, err := c.connect(ctx)
	if err != nil {
		return err
	}
	c.install(t)
	return nil
}

// connect tries each endpoint at most once, marking the ones that refuse.
func (c *BoltClient) connect(ctx context.Context) (*ClientTransport, error) {
	attempts := len(c.pool.Current())
	if attempts == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, addresspool.ErrNoEndpoint)
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		ep, err := c.pool.Pick()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		conn, err := c.dialer.DialContext(ctx, "tcp", ep.Addr())
		if err != nil {
			c.logger.Warn("dial failed", zap.String("addr", ep.Addr()), zap.Error(err))
			c.pool.MarkFailed(ep.Addr())
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		c.logger.Info("connected", zap.String("addr", ep.Addr()))
		return NewClientTransport(conn, c.cfg.Codec, c.handlers, c.logger, c.cfg.KeepAlive), nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNotConnected, lastErr)
}

// install makes t current, closes the previous transport and starts watching t.
func (c *BoltClient) install(t *ClientTransport) {
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		t.Close()
		return
	}
	old := c.cur
	c.cur = t
	c.wg.Add(1)
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	go c.watch(t)
}

// watch waits for t to die and starts the reconnect loop if t is still current.
func (c *BoltClient) watch(t *ClientTransport) {
	defer c.wg.Done()
	select {
	case <-c.closed:
		return
	case <-t.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != t || c.isClosed() {
		return
	}
	c.logger.Warn("connection lost", zap.String("addr", t.RemoteAddr()), zap.Error(t.Err()))
	c.startReconnectLocked()
}

func (c *BoltClient) startReconnectLocked() {
	if c.reconnecting {
		return
	}
	c.reconnecting = true
	c.wg.Add(1)
	go c.reconnectLoop()
}

// reconnectLoop dials with exponential backoff until it succeeds or the client closes.
func (c *BoltClient) reconnectLoop() {
	defer c.wg.Done()

	delay := c.cfg.ReconnectBaseDelay
	for {
		timer := time.NewTimer(delay)
		select {
		case <-c.closed:
			timer.Stop()
			c.finishReconnect()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		t, err := c.connect(ctx)
		cancel()
		if err == nil {
			c.finishReconnect()
			c.install(t)
			c.fireReconnect()
			return
		}

		c.logger.Warn("reconnect failed", zap.Duration("retryIn", delay), zap.Error(err))
		delay *= 2
		if delay > c.cfg.ReconnectMaxDelay {
			delay = c.cfg.ReconnectMaxDelay
		}
	}
}

func (c *BoltClient) finishReconnect() {
	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
}

func (c *BoltClient) fireReconnect() {
	c.mu.Lock()
	callbacks := append([]func(){}, c.onReconnect...)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// Reconnect replaces the current connection now. It is a no-op while a background
// reconnect is already running.
func (c *BoltClient) Reconnect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return nil
	}
	c.reconnecting = true
	c.mu.Unlock()

	t, err := c.connect(ctx)
	if err != nil {
		// Hand over to the background loop so recovery continues
		c.mu.Lock()
		c.reconnecting = false
		if !c.isClosed() {
			c.startReconnectLocked()
		}
		c.mu.Unlock()
		return err
	}
	c.finishReconnect()
	c.install(t)
	c.fireReconnect()
	return nil
}

// OnReconnect registers fn to run after every successful reconnect.
func (c *BoltClient) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.mu.Unlock()
}

// Request sends req through the middleware chain and waits for the response.
func (c *BoltClient) Request(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	return c.invoke(ctx, req)
}

func (c *BoltClient) send(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	c.mu.Lock()
	t := c.cur
	c.mu.Unlock()
	if t == nil {
		return nil, ErrNotConnected
	}
	return t.Send(ctx, req)
}

// Ping round-trips a Ping request.
func (c *BoltClient) Ping(ctx context.Context) error {
	req, err := message.New(message.KindPing, nil)
	if err != nil {
		return err
	}
	_, err = c.Request(ctx, req)
	return err
}

// Connected reports whether a live transport is installed.
func (c *BoltClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil && c.cur.Err() == nil
}

func (c *BoltClient) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close stops reconnecting and closes the connection; in-flight requests fail with
// ErrClosed. Safe to call more than once.
func (c *BoltClient) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		t := c.cur
		c.mu.Unlock()
		if t != nil {
			t.Close()
		}
		c.wg.Wait()
	})
	return nil
}
