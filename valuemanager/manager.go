// Package valuemanager owns the cache of validated DRM values.
//
// Every pushed value passes through the registration's Parser before it becomes readable.
// A value that fails to parse never replaces the current one; the failure goes to the error
// reporter instead. With a Store configured, accepted values are persisted and read back on
// the next start so reads succeed before the network is up.
package valuemanager

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Source tells where a cached value came from.
type Source int

const (
	SourceDefault Source = iota
	SourceLocalFallback
	SourceRemotePush
)

func (s Source) String() string {
	switch s {
	case SourceLocalFallback:
		return "local-fallback"
	case SourceRemotePush:
		return "remote-push"
	default:
		return "default"
	}
}

// Subject is the registration data the value manager needs. The registration itself
// belongs to the registration manager.
type Subject interface {
	DataID() string
	DefaultValue() any
	Parser() Parser // nil means InferParser(DefaultValue())
}

// CachedValue is the current value of one dataId.
type CachedValue struct {
	Raw       string // exactly as received or loaded
	Parsed    any    // what Get returns, only valid when parsed is set
	Source    Source
	Version   uint64
	UpdatedAt time.Time

	parsed bool // local-fallback values are parsed on first read
}

// RawValue is the untransformed view used for server-side inspection.
type RawValue struct {
	Value  string
	Source Source
}

// Manager is the only writer of cached values.
type Manager struct {
	writeMu sync.Mutex   // serializes UpdateValue including persistence
	mu      sync.RWMutex // guards values
	values  map[string]*CachedValue

	store  Store
	report func(error)
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Manager)

// WithStore enables the local cache.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithErrorReporter receives ValidationError and PersistenceError values.
func WithErrorReporter(fn func(error)) Option {
	return func(m *Manager) { m.report = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates an empty manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		values: make(map[string]*CachedValue),
		report: func(error) {},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ready loads persisted values as local fallbacks. A store failure is reported and the
// manager continues in memory only; Ready itself only fails on ctx.
func (m *Manager) Ready(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	records, err := m.store.LoadAll(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		m.warn(&PersistenceError{Op: "load", Err: err})
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		if _, ok := m.values[rec.DataID]; ok {
			// A remote value arrived first and always wins
			continue
		}
		m.values[rec.DataID] = &CachedValue{
			Raw:       rec.Value,
			Source:    SourceLocalFallback,
			Version:   rec.Version,
			UpdatedAt: rec.SavedAt,
		}
	}
	m.logger.Info("local cache loaded", zap.Int("count", len(records)))
	return nil
}

// UpdateValue validates raw for reg and, on success, makes it the current value and
// persists it. On failure the previous value stays and a *ValidationError is reported
// and returned. Concurrent updates commit in the order they acquire the writer lock.
func (m *Manager) UpdateValue(reg Subject, raw string) (CachedValue, error) {
	return m.update(reg, raw, 0, false)
}

// UpdateValueIf is UpdateValue applied only while the cached version of reg's dataId is
// still version (0 when nothing is cached). Otherwise it returns ErrSuperseded and
// changes nothing.
func (m *Manager) UpdateValueIf(reg Subject, raw string, version uint64) (CachedValue, error) {
	return m.update(reg, raw, version, true)
}

// Version returns the version of the cached value of dataID, 0 when there is none.
func (m *Manager) Version(dataID string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cv, ok := m.values[dataID]; ok {
		return cv.Version
	}
	return 0
}

func (m *Manager) update(reg Subject, raw string, expect uint64, conditional bool) (CachedValue, error) {
	if reg == nil {
		return CachedValue{}, ErrUnknownRegistration
	}
	dataID := reg.DataID()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if conditional && m.Version(dataID) != expect {
		return CachedValue{}, ErrSuperseded
	}
	parsed, err := parse(reg, raw)
	if err != nil {
		verr := &ValidationError{DataID: dataID, Raw: raw, Err: err}
		m.logger.Warn("rejected pushed value", zap.String("dataId", dataID), zap.Error(err))
		m.report(verr)
		return CachedValue{}, verr
	}

	m.mu.Lock()
	var version uint64 = 1
	if prev, ok := m.values[dataID]; ok {
		version = prev.Version + 1
	}
	cv := &CachedValue{
		Raw:       raw,
		Parsed:    parsed,
		Source:    SourceRemotePush,
		Version:   version,
		UpdatedAt: m.now(),
		parsed:    true,
	}
	m.values[dataID] = cv
	m.mu.Unlock()

	if m.store != nil {
		rec := Record{DataID: dataID, Value: raw, Version: version, SavedAt: cv.UpdatedAt}
		if err := m.store.Save(context.Background(), rec); err != nil {
			m.warn(&PersistenceError{DataID: dataID, Op: "save", Err: err})
		}
	}
	return *cv, nil
}

// Get returns the value applications should see: nil for a nil reg, the default when
// nothing was received, otherwise the parsed value.
func (m *Manager) Get(reg Subject) any {
	if reg == nil {
		return nil
	}
	dataID := reg.DataID()

	m.mu.RLock()
	cv, ok := m.values[dataID]
	if ok && cv.parsed {
		v := cv.Parsed
		m.mu.RUnlock()
		return v
	}
	m.mu.RUnlock()
	if !ok {
		return reg.DefaultValue()
	}

	// Local fallback not parsed yet
	m.mu.Lock()
	defer m.mu.Unlock()
	cv = m.values[dataID]
	if cv.parsed {
		return cv.Parsed
	}
	parsed, err := parse(reg, cv.Raw)
	if err != nil {
		parsed = reg.DefaultValue()
		m.report(&ValidationError{DataID: dataID, Raw: cv.Raw, Err: err})
	}
	cv.Parsed = parsed
	cv.parsed = true
	return parsed
}

// Lookup returns a copy of the cached entry for dataID.
func (m *Manager) Lookup(dataID string) (CachedValue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cv, ok := m.values[dataID]
	if !ok {
		return CachedValue{}, false
	}
	return *cv, true
}

// GetRaw returns the untransformed value, bypassing parsing and defaults.
func (m *Manager) GetRaw(dataID string) (RawValue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cv, ok := m.values[dataID]
	if !ok {
		return RawValue{}, false
	}
	return RawValue{Value: cv.Raw, Source: cv.Source}, true
}

func (m *Manager) warn(err *PersistenceError) {
	m.logger.Warn("local cache degraded to memory", zap.String("dataId", err.DataID), zap.Error(err.Err))
	m.report(err)
}

// parse applies reg's parser. An empty push means "use the default".
func parse(reg Subject, raw string) (any, error) {
	if raw == "" {
		return reg.DefaultValue(), nil
	}
	p := reg.Parser()
	if p == nil {
		p = InferParser(reg.DefaultValue())
	}
	return p(raw)
}
