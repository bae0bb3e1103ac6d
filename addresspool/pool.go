package addresspool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrDiscoveryUnavailable means neither dynamic discovery nor the fallback produced endpoints.
	ErrDiscoveryUnavailable = errors.New("discovery unavailable")
	ErrNoEndpoint           = errors.New("no endpoint available")
	ErrPoolClosed           = errors.New("address pool closed")
)

// State of a Pool.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateFailed
	StateClosed
)

// Balancer picks one endpoint out of a set. Implementations live in package loadbalance.
type Balancer interface {
	Pick(endpoints []Endpoint) (*Endpoint, error)
	Name() string
}

// Pool holds the live endpoint set.
//
// The set is an immutable slice behind an atomic pointer: Refresh, Watch and MarkFailed build a
// new slice and swap it in, so a reader on the connect path never observes a half-updated set.
type Pool struct {
	primary  Discoverer // dynamic discovery, may be nil
	fallback Discoverer // REST or static list, may be nil
	balancer Balancer
	logger   *zap.Logger

	set   atomic.Pointer[[]Endpoint]
	state atomic.Int32

	mu          sync.Mutex // serializes resolve and lifecycle transitions
	cancelWatch context.CancelFunc
	watchDone   chan struct{}
}

type PoolOption func(*Pool)

func WithBalancer(b Balancer) PoolOption {
	return func(p *Pool) { p.balancer = b }
}

func WithLogger(l *zap.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a pool. At least one of primary and fallback must be non-nil for Ready to succeed.
func NewPool(primary, fallback Discoverer, opts ...PoolOption) *Pool {
	p := &Pool{primary: primary, fallback: fallback, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	empty := []Endpoint{}
	p.set.Store(&empty)
	return p
}

// State returns the lifecycle state.
func (p *Pool) State() State {
	return State(p.state.Load())
}

// Ready resolves the first endpoint set. It returns ErrDiscoveryUnavailable (and moves to
// StateFailed) when both sources fail; a later call retries.
func (p *Pool) Ready(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.State() {
	case StateReady:
		return nil
	case StateClosed:
		return ErrPoolClosed
	}

	if err := p.resolve(ctx); err != nil {
		p.state.Store(int32(StateFailed))
		return err
	}
	p.state.Store(int32(StateReady))

	if w, ok := p.primary.(Watcher); ok {
		watchCtx, cancel := context.WithCancel(context.Background())
		p.cancelWatch = cancel
		p.watchDone = make(chan struct{})
		go p.watch(watchCtx, w)
	}
	return nil
}

// Refresh re-resolves and swaps the set. On failure the previous set is kept.
func (p *Pool) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() == StateClosed {
		return ErrPoolClosed
	}
	return p.resolve(ctx)
}

func (p *Pool) resolve(ctx context.Context) error {
	var errs error
	for _, d := range []Discoverer{p.primary, p.fallback} {
		if d == nil {
			continue
		}
		endpoints, err := d.Discover(ctx)
		if err == nil && len(endpoints) == 0 {
			err = ErrNoEndpoint
		}
		if err != nil {
			p.logger.Warn("endpoint discovery failed", zap.String("source", fmt.Sprintf("%T", d)), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		p.swap(endpoints)
		return nil
	}
	if errs == nil {
		errs = errors.New("no discoverer configured")
	}
	return fmt.Errorf("%w: %w", ErrDiscoveryUnavailable, errs)
}

func (p *Pool) swap(endpoints []Endpoint) {
	next := make([]Endpoint, len(endpoints))
	copy(next, endpoints)
	for i := range next {
		next[i].Healthy = true
	}
	p.set.Store(&next)
	p.logger.Info("endpoint set updated", zap.Int("count", len(next)))
}

func (p *Pool) watch(ctx context.Context, w Watcher) {
	defer close(p.watchDone)
	for endpoints := range w.Watch(ctx) {
		if len(endpoints) == 0 {
			// Keep the last known set rather than stranding the transport
			p.logger.Warn("watch returned an empty endpoint set, keeping previous")
			continue
		}
		p.swap(endpoints)
	}
}

// Current returns a copy of the live set.
func (p *Pool) Current() []Endpoint {
	cur := *p.set.Load()
	return append([]Endpoint(nil), cur...)
}

// Pick selects an endpoint, preferring healthy ones. When every endpoint is marked failed the
// whole set is eligible again, so the caller keeps cycling instead of giving up.
func (p *Pool) Pick() (Endpoint, error) {
	cur := *p.set.Load()
	if len(cur) == 0 {
		return Endpoint{}, ErrNoEndpoint
	}
	candidates := make([]Endpoint, 0, len(cur))
	for _, ep := range cur {
		if ep.Healthy {
			candidates = append(candidates, ep)
		}
	}
	if len(candidates) == 0 {
		candidates = cur
	}
	if p.balancer == nil {
		return candidates[0], nil
	}
	ep, err := p.balancer.Pick(candidates)
	if err != nil {
		return Endpoint{}, err
	}
	return *ep, nil
}

// MarkFailed flags addr as unhealthy until the next refresh.
func (p *Pool) MarkFailed(addr string) {
	for {
		old := p.set.Load()
		next := make([]Endpoint, len(*old))
		copy(next, *old)
		changed := false
		for i := range next {
			if next[i].Addr() == addr && next[i].Healthy {
				next[i].Healthy = false
				changed = true
			}
		}
		if !changed || p.set.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Close stops the watch and closes discoverers that hold resources. Idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() == StateClosed {
		return nil
	}
	p.state.Store(int32(StateClosed))
	if p.cancelWatch != nil {
		p.cancelWatch()
		<-p.watchDone
	}
	var errs error
	for _, d := range []Discoverer{p.primary, p.fallback} {
		if c, ok := d.(io.Closer); ok {
			errs = multierr.Append(errs, c.Close())
		}
	}
	return errs
}
