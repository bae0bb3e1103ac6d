package regmanager

import (
	"drm-client/valuemanager"
	"sync"
	"time"
)

// Listener is called with the newly cached value after an accepted push.
type Listener func(value any)

// Subscription describes what to subscribe to.
type Subscription struct {
	DataID       string
	GroupID      string
	DefaultValue any
	Parser       valuemanager.Parser // nil infers one from DefaultValue
}

// Registration is the client-side record of one subscribed dataId. It is created and
// mutated only by Manager.
type Registration struct {
	sub Subscription

	applyMu sync.Mutex // held from commit until the last listener returns

	mu         sync.Mutex
	lastUpdate time.Time
	acked      bool
	listeners  []Listener
}

var _ valuemanager.Subject = (*Registration)(nil)

func newRegistration(sub Subscription) *Registration {
	return &Registration{sub: sub}
}

func (r *Registration) DataID() string              { return r.sub.DataID }
func (r *Registration) GroupID() string             { return r.sub.GroupID }
func (r *Registration) DefaultValue() any           { return r.sub.DefaultValue }
func (r *Registration) Parser() valuemanager.Parser { return r.sub.Parser }

// LastUpdate returns the time of the last accepted push or positive ack. A push that
// fails validation does not move it.
func (r *Registration) LastUpdate() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUpdate
}

// Acked reports whether the server has confirmed this registration.
func (r *Registration) Acked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acked
}

// Listeners returns how many listeners are attached.
func (r *Registration) Listeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// touch moves lastUpdate forward; it never goes back.
func (r *Registration) touch(now time.Time) {
	r.mu.Lock()
	if now.After(r.lastUpdate) {
		r.lastUpdate = now
	}
	r.mu.Unlock()
}

func (r *Registration) setAcked(v bool) {
	r.mu.Lock()
	r.acked = v
	r.mu.Unlock()
}

func (r *Registration) addListener(l Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *Registration) snapshotListeners() []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Listener(nil), r.listeners...)
}

// stale reports whether the registration was never acked or has not been refreshed
// within maxAge.
func (r *Registration) stale(now time.Time, maxAge time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.acked || now.Sub(r.lastUpdate) > maxAge
}
