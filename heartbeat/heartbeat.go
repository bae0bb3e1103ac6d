// Package heartbeat runs the client's liveness loop.
//
// Two tickers run independently. The ping ticker checks the connection every
// HeartbeatTimeout and, when the ping fails, refreshes the address pool and reconnects.
// The sweep ticker resubmits registrations that went stale, on its own
// RegisterCheckInterval cadence.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultHeartbeatTimeout      = 30 * time.Second
	DefaultRegisterCheckInterval = 30 * time.Second
	DefaultPingTimeout           = 5 * time.Second
)

var ErrClosed = errors.New("heartbeat closed")

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// Transport is the connection being watched.
type Transport interface {
	Ping(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

// Refresher re-resolves server endpoints.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Sweeper resubmits registrations older than maxAge.
type Sweeper interface {
	ReregisterStale(ctx context.Context, maxAge time.Duration) (int, error)
}

type Config struct {
	HeartbeatTimeout      time.Duration // ping interval and staleness threshold
	RegisterCheckInterval time.Duration
	PingTimeout           time.Duration
	Logger                *zap.Logger
}

func (c *Config) setDefaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.RegisterCheckInterval <= 0 {
		c.RegisterCheckInterval = DefaultRegisterCheckInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type Manager struct {
	transport Transport
	pool      Refresher // may be nil
	sweeper   Sweeper
	cfg       Config
	logger    *zap.Logger

	state     atomic.Int32
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(transport Transport, pool Refresher, sweeper Sweeper, cfg Config) *Manager {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		transport: transport,
		pool:      pool,
		sweeper:   sweeper,
		cfg:       cfg,
		logger:    cfg.Logger.Named("heartbeat"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

// Start moves idle to running. Starting a running manager does nothing.
func (m *Manager) Start() error {
	if m.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		m.wg.Add(2)
		go m.loop(m.cfg.HeartbeatTimeout, m.ping)
		go m.loop(m.cfg.RegisterCheckInterval, m.sweep)
		m.logger.Info("started",
			zap.Duration("heartbeatTimeout", m.cfg.HeartbeatTimeout),
			zap.Duration("registerCheckInterval", m.cfg.RegisterCheckInterval))
		return nil
	}
	if m.State() == StateClosed {
		return ErrClosed
	}
	return nil
}

func (m *Manager) loop(interval time.Duration, tick func(ctx context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			tick(m.ctx)
		}
	}
}

func (m *Manager) ping(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	err := m.transport.Ping(pctx)
	cancel()
	if err == nil || ctx.Err() != nil {
		return
	}

	m.logger.Warn("ping failed, reconnecting", zap.Error(err))
	if m.pool != nil {
		if err := m.pool.Refresh(ctx); err != nil {
			m.logger.Warn("address refresh failed", zap.Error(err))
		}
	}
	if err := m.transport.Reconnect(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("reconnect failed", zap.Error(err))
	}
}

func (m *Manager) sweep(ctx context.Context) {
	n, err := m.sweeper.ReregisterStale(ctx, m.cfg.HeartbeatTimeout)
	if err != nil && ctx.Err() == nil {
		m.logger.Warn("stale re-registration incomplete", zap.Int("stale", n), zap.Error(err))
	}
}

// Close stops both tickers and waits for a tick in progress to return. No tick fires
// afterwards. Safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.state.Store(int32(StateClosed))
		m.cancel()
		m.wg.Wait()
	})
	return nil
}
