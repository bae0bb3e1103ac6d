// Package regmanager tracks what the client is subscribed to and keeps the server in
// agreement with it.
//
// A Registration exists from the first Subscribe for its dataId until Close; it is never
// dropped because the server failed to confirm it. Register requests run in the
// background, retried with backoff, and at most one request per dataId is in flight:
// a re-registration that arrives while one is pending joins it.
package regmanager

import (
	"context"
	"drm-client/message"
	"drm-client/middleware"
	"drm-client/transport"
	"drm-client/valuemanager"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultRetries    = 3
	DefaultRetryDelay = 200 * time.Millisecond
	DefaultSweepRate  = 50 // registrations per second
	DefaultSweepBurst = 10
	DefaultParallel   = 8
)

// Requester sends a request and waits for its reply. *transport.BoltClient satisfies it.
type Requester interface {
	Request(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error)
}

// Config tunes a Manager. Zero values take the defaults above.
type Config struct {
	ClientID   string // generated when empty
	InstanceID string
	Zone       string
	AccessKey  string
	SecretKey  string // sent as is, never interpreted

	Retries    int
	RetryDelay time.Duration
	SweepRate  float64
	SweepBurst int
	Parallel   int // concurrent register requests during a resubmission

	Logger  *zap.Logger
	OnError func(error) // receives *RegistrationError values
	Now     func() time.Time
}

func (c *Config) setDefaults() {
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.SweepRate <= 0 {
		c.SweepRate = DefaultSweepRate
	}
	if c.SweepBurst <= 0 {
		c.SweepBurst = DefaultSweepBurst
	}
	if c.Parallel <= 0 {
		c.Parallel = DefaultParallel
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Manager is the single writer of registrations.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	values  *valuemanager.Manager
	invoke  middleware.HandlerFunc
	group   singleflight.Group
	limiter *rate.Limiter
	now     func() time.Time

	mu     sync.Mutex
	regs   map[string]*Registration
	active bool
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a manager. Subscriptions are only tracked until Activate is called.
func New(requester Requester, values *valuemanager.Manager, cfg Config) *Manager {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		logger:  cfg.Logger.Named("regmanager"),
		values:  values,
		limiter: rate.NewLimiter(rate.Limit(cfg.SweepRate), cfg.SweepBurst),
		now:     cfg.Now,
		regs:    make(map[string]*Registration),
		ctx:     ctx,
		cancel:  cancel,
	}
	attempt := func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
		resp, err := requester.Request(ctx, req)
		if err != nil {
			return nil, err
		}
		var result message.SubscriberRegResult
		if err := resp.Decode(&result); err != nil {
			return nil, err
		}
		if !result.Result {
			return resp, fmt.Errorf("%w: %s", errRejected, result.Message)
		}
		return resp, nil
	}
	m.invoke = middleware.RetryMiddleware(cfg.Retries-1, cfg.RetryDelay, retryable)(attempt)
	return m
}

func retryable(err error) bool {
	return !errors.Is(err, transport.ErrClosed) && !errors.Is(err, context.Canceled)
}

// ClientID returns the id sent with every registration.
func (m *Manager) ClientID() string {
	return m.cfg.ClientID
}

// Subscribe attaches listener to sub.DataID. The first subscription for a dataId creates
// the registration and, once active, registers it in the background; later ones only add
// their listener.
func (m *Manager) Subscribe(sub Subscription, listener Listener) (*Registration, error) {
	if sub.DataID == "" {
		return nil, ErrInvalidDataID
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	reg, ok := m.regs[sub.DataID]
	if ok {
		reg.addListener(listener)
		m.mu.Unlock()
		return reg, nil
	}
	reg = newRegistration(sub)
	reg.addListener(listener)
	m.regs[sub.DataID] = reg
	active := m.active
	if active {
		m.goLocked(func(ctx context.Context) { m.register(ctx, reg) })
	}
	m.mu.Unlock()

	m.logger.Info("subscribed", zap.String("dataId", sub.DataID), zap.Bool("active", active))
	return reg, nil
}

// Get returns the registration for dataID, or nil.
func (m *Manager) Get(dataID string) *Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[dataID]
}

// Registrations returns every registration ordered by dataId.
func (m *Manager) Registrations() []*Registration {
	m.mu.Lock()
	regs := make([]*Registration, 0, len(m.regs))
	for _, reg := range m.regs {
		regs = append(regs, reg)
	}
	m.mu.Unlock()
	sort.Slice(regs, func(i, j int) bool { return regs[i].DataID() < regs[j].DataID() })
	return regs
}

// Activate lets registrations reach the server and submits every registration not yet
// acked. It is called once the transport is connected.
func (m *Manager) Activate() {
	m.mu.Lock()
	if m.closed || m.active {
		m.mu.Unlock()
		return
	}
	m.active = true
	m.goLocked(func(ctx context.Context) { m.ReregisterUnacked(ctx) })
	m.mu.Unlock()
}

// HandleReconnect resubmits every registration in the background.
func (m *Manager) HandleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.active {
		return
	}
	m.goLocked(func(ctx context.Context) { m.ReregisterAll(ctx) })
}

// HandlePush applies a pushed value. A push for an unknown dataId is logged and dropped.
// Listeners run in subscription order unless the value fails validation. A listener must
// not push to its own dataId synchronously.
func (m *Manager) HandlePush(dataID, raw string) error {
	reg := m.Get(dataID)
	if reg == nil {
		m.logger.Warn("push for unregistered dataId dropped", zap.String("dataId", dataID))
		return nil
	}
	return m.apply(reg, raw, 0, false)
}

// apply commits raw and notifies the listeners while holding reg.applyMu, so two writers
// of the same dataId never interleave their notifications. With conditional set, raw is
// only committed while the cached version is still version.
func (m *Manager) apply(reg *Registration, raw string, version uint64, conditional bool) error {
	reg.applyMu.Lock()
	defer reg.applyMu.Unlock()

	var (
		cv  valuemanager.CachedValue
		err error
	)
	if conditional {
		cv, err = m.values.UpdateValueIf(reg, raw, version)
	} else {
		cv, err = m.values.UpdateValue(reg, raw)
	}
	if err != nil {
		return err
	}
	reg.touch(m.now())
	for i, l := range reg.snapshotListeners() {
		m.notify(reg.DataID(), i, l, cv.Parsed)
	}
	return nil
}

func (m *Manager) notify(dataID string, idx int, l Listener, value any) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("listener panicked",
				zap.String("dataId", dataID), zap.Int("listener", idx), zap.Any("panic", r))
		}
	}()
	l(value)
}

// HandleAck records a registration result. A positive ack carrying a value different from
// the cached one applies it like a push.
func (m *Manager) HandleAck(result message.SubscriberRegResult) {
	m.handleAck(result, 0, false)
}

// handleAck with conditional set drops the ack's value when the cached version moved past
// version, i.e. a push was accepted while the register request was in flight.
func (m *Manager) handleAck(result message.SubscriberRegResult, version uint64, conditional bool) {
	reg := m.Get(result.DataID)
	if reg == nil {
		m.logger.Warn("ack for unregistered dataId dropped", zap.String("dataId", result.DataID))
		return
	}
	if !result.Result {
		m.logger.Warn("registration rejected",
			zap.String("dataId", result.DataID), zap.String("reason", result.Message))
		return
	}
	reg.touch(m.now())
	reg.setAcked(true)

	if result.Value == nil {
		return
	}
	if cur, ok := m.values.GetRaw(reg.DataID()); ok &&
		cur.Source == valuemanager.SourceRemotePush && cur.Value == *result.Value {
		return
	}
	err := m.apply(reg, *result.Value, version, conditional)
	if errors.Is(err, valuemanager.ErrSuperseded) {
		m.logger.Debug("ack value superseded by a newer push", zap.String("dataId", reg.DataID()))
	}
}

// ReregisterAll resubmits every tracked registration and waits for the results.
func (m *Manager) ReregisterAll(ctx context.Context) error {
	return m.submit(ctx, m.Registrations(), false)
}

// ReregisterUnacked submits the registrations the server has not confirmed yet.
func (m *Manager) ReregisterUnacked(ctx context.Context) error {
	var pending []*Registration
	for _, reg := range m.Registrations() {
		if !reg.Acked() {
			pending = append(pending, reg)
		}
	}
	return m.submit(ctx, pending, false)
}

// ReregisterStale resubmits registrations that were never acked or saw no update within
// maxAge. Requests are paced by the sweep rate limiter. It returns how many were stale.
func (m *Manager) ReregisterStale(ctx context.Context, maxAge time.Duration) (int, error) {
	now := m.now()
	var stale []*Registration
	for _, reg := range m.Registrations() {
		if reg.stale(now, maxAge) {
			stale = append(stale, reg)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	m.logger.Info("re-registering stale registrations", zap.Int("count", len(stale)))
	return len(stale), m.submit(ctx, stale, true)
}

func (m *Manager) submit(ctx context.Context, regs []*Registration, paced bool) error {
	m.mu.Lock()
	closed, active := m.closed, m.active
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !active || len(regs) == 0 {
		return nil
	}

	ctx, cancel := m.bind(ctx)
	defer cancel()

	var (
		mu   sync.Mutex
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Parallel)
	for _, reg := range regs {
		if paced {
			if err := m.limiter.Wait(gctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
				break
			}
		}
		g.Go(func() error {
			if err := m.register(gctx, reg); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			// Failures are collected, not used to cancel the rest
			return nil
		})
	}
	g.Wait()
	return errs
}

// register sends one register request for reg, joining an attempt already in flight for
// the same dataId.
func (m *Manager) register(ctx context.Context, reg *Registration) error {
	dataID := reg.DataID()
	ch := m.group.DoChan(dataID, func() (any, error) {
		// The shared attempt outlives a single caller's ctx but not the manager
		return nil, m.registerOnce(m.ctx, reg)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) registerOnce(ctx context.Context, reg *Registration) error {
	req, err := message.New(message.KindSubscriberRegister, &message.SubscriberRegister{
		DataID:     reg.DataID(),
		GroupID:    reg.GroupID(),
		ClientID:   m.cfg.ClientID,
		InstanceID: m.cfg.InstanceID,
		Zone:       m.cfg.Zone,
		AccessKey:  m.cfg.AccessKey,
		SecretKey:  m.cfg.SecretKey,
	})
	if err != nil {
		return err
	}

	version := m.values.Version(reg.DataID())
	resp, err := m.invoke(ctx, req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
			return err
		}
		rerr := &RegistrationError{DataID: reg.DataID(), Attempts: m.cfg.Retries, Err: err}
		m.logger.Error("registration failed", zap.String("dataId", reg.DataID()), zap.Error(err))
		m.cfg.OnError(rerr)
		return rerr
	}

	var result message.SubscriberRegResult
	if err := resp.Decode(&result); err != nil {
		return err
	}
	if result.DataID == "" {
		result.DataID = reg.DataID()
	}
	m.handleAck(result, version, true)
	return nil
}

// bind derives a context that also ends when the manager closes.
func (m *Manager) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// goLocked runs fn in a tracked goroutine; m.mu must be held and m.closed false.
func (m *Manager) goLocked(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

// Close cancels background registrations and waits for them. Registrations are kept so
// reads keep working. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}
