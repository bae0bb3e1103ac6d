// Package client is the entry point applications use: subscribe to dataIds, read their
// current values and receive change notifications.
//
// New loads the local cache, so reads serve persisted values before any network activity.
// Startup order in Init:
//
//	query server (optional) → address pool → transport → registrations → heartbeat
//
// Close cancels an Init in progress and tears the same components down in reverse.
package client

import (
	"context"
	"drm-client/addresspool"
	"drm-client/codec"
	"drm-client/config"
	"drm-client/heartbeat"
	"drm-client/loadbalance"
	"drm-client/regmanager"
	"drm-client/transport"
	"drm-client/valuemanager"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const errorBuffer = 64

var ErrClosed = errors.New("drm client closed")

// State of the client lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

type Option func(*DrmDataClient)

func WithLogger(l *zap.Logger) Option {
	return func(c *DrmDataClient) { c.logger = l }
}

// WithRegisterer registers the client's counters with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *DrmDataClient) { c.registerer = r }
}

// WithHTTPClient sets the client used for the REST discovery fallback.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *DrmDataClient) { c.httpClient = hc }
}

// DrmDataClient subscribes to DRM data and serves it to the application.
type DrmDataClient struct {
	opts       config.Options
	logger     *zap.Logger
	registerer prometheus.Registerer
	httpClient *http.Client
	metrics    *metrics

	pool      *addresspool.Pool
	bolt      *transport.BoltClient
	values    *valuemanager.Manager
	regs      *regmanager.Manager
	heartbeat *heartbeat.Manager
	query     *queryServer

	ctx    context.Context // canceled by Close
	cancel context.CancelFunc

	initMu       sync.Mutex // one Init at a time
	mu           sync.Mutex // guards state and queryStarted, never held across network calls
	state        State
	queryStarted bool

	errMu     sync.Mutex
	errs      chan error
	errClosed bool
}

// New wires every component. Nothing touches the network until Init; subscriptions made
// before Init are sent once the connection is up.
func New(opts config.Options, options ...Option) (*DrmDataClient, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	c := &DrmDataClient{
		opts:    opts,
		logger:  zap.NewNop(),
		metrics: newMetrics(),
		errs:    make(chan error, errorBuffer),
	}
	for _, o := range options {
		o(c)
	}
	if err := c.metrics.register(c.registerer); err != nil {
		return nil, err
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	codecType, err := codec.ParseCodecType(opts.Codec)
	if err != nil {
		return nil, err
	}
	balancer, err := loadbalance.New(opts.Balancer, opts.InstanceID)
	if err != nil {
		return nil, err
	}
	primary, fallback, err := c.discoverers()
	if err != nil {
		return nil, err
	}
	c.pool = addresspool.NewPool(primary, fallback,
		addresspool.WithBalancer(balancer),
		addresspool.WithLogger(c.logger))

	var valueOpts []valuemanager.Option
	valueOpts = append(valueOpts, valuemanager.WithLogger(c.logger), valuemanager.WithErrorReporter(c.report))
	if opts.EnableLocalCache {
		store, err := valuemanager.NewFileStore(opts.CacheDir, opts.CacheNamespace)
		if err != nil {
			// Degrade to memory only
			c.report(&valuemanager.PersistenceError{Op: "open", Err: err})
		} else {
			valueOpts = append(valueOpts, valuemanager.WithStore(store))
		}
	}
	c.values = valuemanager.New(valueOpts...)
	// Disk only; store failures are reported and the cache starts empty
	_ = c.values.Ready(c.ctx)

	handlers, err := c.handlers()
	if err != nil {
		return nil, err
	}
	c.bolt = transport.NewBoltClient(c.pool, handlers, transport.Config{
		Codec:              codecType,
		Timeout:            opts.Timeout,
		ReconnectBaseDelay: opts.ReconnectBaseDelay,
		ReconnectMaxDelay:  opts.ReconnectMaxDelay,
		Logger:             c.logger,
	})

	c.regs = regmanager.New(c.bolt, c.values, regmanager.Config{
		InstanceID: opts.InstanceID,
		Zone:       opts.Zone,
		AccessKey:  opts.AccessKey,
		SecretKey:  opts.SecretKey,
		Retries:    opts.RegisterRetries,
		RetryDelay: opts.RegisterRetryDelay,
		Logger:     c.logger,
		OnError:    c.report,
	})
	c.bolt.OnReconnect(func() {
		c.metrics.reconnects.Inc()
		c.regs.HandleReconnect()
	})

	c.heartbeat = heartbeat.New(c.bolt, c.pool, c.regs, heartbeat.Config{
		HeartbeatTimeout:      opts.HeartbeatTimeout,
		RegisterCheckInterval: opts.RegisterCheckInterval,
		PingTimeout:           opts.Timeout,
		Logger:                c.logger,
	})

	if opts.EnableQueryServer {
		c.query = newQueryServer(c)
	}
	return c, nil
}

// discoverers picks the primary and fallback address sources from the options. A static
// list wins over discovery.
func (c *DrmDataClient) discoverers() (primary, fallback addresspool.Discoverer, err error) {
	if len(c.opts.StaticEndpoints) > 0 {
		static, err := addresspool.NewStaticDiscoverer(c.opts.StaticEndpoints)
		return static, nil, err
	}
	if c.opts.DiscoveryFallbackURL != "" {
		fallback = addresspool.NewHTTPDiscoverer(c.opts.DiscoveryFallbackURL, c.httpClient)
	}
	if len(c.opts.EtcdEndpoints) == 0 {
		return fallback, nil, nil
	}
	etcd, err := addresspool.NewEtcdDiscoverer(c.opts.EtcdEndpoints, c.opts.DiscoveryPrefix, c.logger)
	if err != nil {
		if fallback == nil {
			return nil, nil, fmt.Errorf("%w: %w", addresspool.ErrDiscoveryUnavailable, err)
		}
		c.logger.Warn("etcd discovery unavailable, using fallback URL", zap.Error(err))
		return fallback, nil, nil
	}
	return etcd, fallback, nil
}

// Init connects and starts background work. On a discovery or connection failure the
// client is left in StateFailed, reads keep serving local fallback values and Init may be
// called again. Close cancels an Init in progress, which then returns ErrClosed.
func (c *DrmDataClient) Init(ctx context.Context) (err error) {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	switch c.State() {
	case StateReady:
		return nil
	case StateClosed:
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	defer func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		switch {
		case c.state == StateClosed:
			if err == nil {
				err = ErrClosed
			} else if !errors.Is(err, ErrClosed) {
				err = fmt.Errorf("%w: %w", ErrClosed, err)
			}
		case err != nil:
			c.state = StateFailed
			c.logger.Error("init failed", zap.Error(err))
		default:
			c.state = StateReady
			c.logger.Info("drm client ready", zap.String("clientId", c.regs.ClientID()))
		}
	}()

	if c.query != nil && !c.queryStarted {
		if err := c.query.start(c.opts.QueryServerAddr); err != nil {
			return fmt.Errorf("start query server: %w", err)
		}
		c.mu.Lock()
		closed := c.state == StateClosed
		c.queryStarted = !closed
		c.mu.Unlock()
		if closed {
			c.query.shutdown()
			return ErrClosed
		}
	}

	if err := c.pool.Ready(ctx); err != nil {
		return err
	}
	if err := c.bolt.Ready(ctx); err != nil {
		return err
	}
	c.regs.Activate()
	return c.heartbeat.Start()
}

// State returns the lifecycle state.
func (c *DrmDataClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers interest in sub.DataID. listener, if not nil, is called with the
// current value after every accepted change. Subscribing to the same dataId again only
// adds the listener.
func (c *DrmDataClient) Subscribe(sub regmanager.Subscription, listener func(value any)) (*regmanager.Registration, error) {
	var wrapped regmanager.Listener
	if listener != nil {
		dataID := sub.DataID
		wrapped = func(any) { listener(c.Get(dataID)) }
	}
	return c.regs.Subscribe(sub, wrapped)
}

// Get returns the current value of dataID: the last accepted push, else the local
// fallback, else the default. It returns nil for an unknown dataID.
func (c *DrmDataClient) Get(dataID string) any {
	reg := c.regs.Get(dataID)
	if reg == nil {
		return nil
	}
	return c.values.Get(reg)
}

// GetRaw returns the value of dataID exactly as received.
func (c *DrmDataClient) GetRaw(dataID string) (string, bool) {
	raw, ok := c.values.GetRaw(dataID)
	return raw.Value, ok
}

// Source tells where the current value of dataID came from.
func (c *DrmDataClient) Source(dataID string) valuemanager.Source {
	raw, ok := c.values.GetRaw(dataID)
	if !ok {
		return valuemanager.SourceDefault
	}
	return raw.Source
}

// UpdateValue applies raw to dataID as if the server had pushed it.
func (c *DrmDataClient) UpdateValue(dataID, raw string) error {
	if c.regs.Get(dataID) == nil {
		return fmt.Errorf("%w: %s", valuemanager.ErrUnknownRegistration, dataID)
	}
	return c.regs.HandlePush(dataID, raw)
}

// Registrations returns the current registrations ordered by dataId.
func (c *DrmDataClient) Registrations() []*regmanager.Registration {
	return c.regs.Registrations()
}

// Errors delivers validation, registration and persistence failures. Errors are dropped
// when nobody drains the channel. It is closed by Close.
func (c *DrmDataClient) Errors() <-chan error {
	return c.errs
}

// QueryAddr returns the query server address, or nil when it is not running.
func (c *DrmDataClient) QueryAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.queryStarted || c.state == StateClosed {
		return nil
	}
	return c.query.addr()
}

func (c *DrmDataClient) report(err error) {
	var verr *valuemanager.ValidationError
	var rerr *regmanager.RegistrationError
	switch {
	case errors.As(err, &verr):
		c.metrics.validationFailures.WithLabelValues(verr.DataID).Inc()
	case errors.As(err, &rerr):
		c.metrics.registrationFailures.WithLabelValues(rerr.DataID).Inc()
	}

	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.errClosed {
		return
	}
	select {
	case c.errs <- err:
	default:
		c.logger.Warn("error channel full, dropped", zap.Error(err))
	}
}

// Close stops the heartbeat, the query server and the transport, then the remaining
// components. Safe to call more than once.
func (c *DrmDataClient) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	stopQuery := c.queryStarted
	c.state = StateClosed
	c.mu.Unlock()
	c.cancel()

	var err error
	err = multierr.Append(err, c.heartbeat.Close())
	if stopQuery {
		err = multierr.Append(err, c.query.shutdown())
	}
	err = multierr.Append(err, c.bolt.Close())
	err = multierr.Append(err, c.regs.Close())
	err = multierr.Append(err, c.pool.Close())

	c.errMu.Lock()
	c.errClosed = true
	close(c.errs)
	c.errMu.Unlock()

	c.logger.Info("drm client closed")
	return err
}
