package addresspool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing(err error) DiscovererFunc {
	return func(ctx context.Context) ([]Endpoint, error) { return nil, err }
}

func fixed(addrs ...string) DiscovererFunc {
	return func(ctx context.Context) ([]Endpoint, error) { return ParseEndpoints(addrs) }
}

func TestPoolReadyPrimary(t *testing.T) {
	p := NewPool(fixed("10.0.0.1:9880", "10.0.0.2:9880"), failing(errors.New("unused")))
	require.NoError(t, p.Ready(context.Background()))
	assert.Equal(t, StateReady, p.State())
	assert.Len(t, p.Current(), 2)
}

func TestPoolReadyFallsBack(t *testing.T) {
	p := NewPool(failing(errors.New("etcd down")), fixed("10.0.0.9:9880"))
	require.NoError(t, p.Ready(context.Background()))

	cur := p.Current()
	require.Len(t, cur, 1)
	assert.Equal(t, "10.0.0.9:9880", cur[0].Addr())
}

func TestPoolReadyDiscoveryUnavailable(t *testing.T) {
	p := NewPool(failing(errors.New("etcd down")), failing(errors.New("rest down")))
	err := p.Ready(context.Background())
	require.ErrorIs(t, err, ErrDiscoveryUnavailable)
	assert.Contains(t, err.Error(), "etcd down")
	assert.Contains(t, err.Error(), "rest down")
	assert.Equal(t, StateFailed, p.State())
}

func TestPoolEmptyPrimaryUsesFallback(t *testing.T) {
	empty := DiscovererFunc(func(ctx context.Context) ([]Endpoint, error) { return nil, nil })
	p := NewPool(empty, fixed("10.0.0.3:9880"))
	require.NoError(t, p.Ready(context.Background()))
	assert.Equal(t, "10.0.0.3:9880", p.Current()[0].Addr())
}

func TestPoolRefreshSwapsWholeSet(t *testing.T) {
	var mu sync.Mutex
	addrs := []string{"10.0.0.1:1", "10.0.0.2:2"}
	d := DiscovererFunc(func(ctx context.Context) ([]Endpoint, error) {
		mu.Lock()
		defer mu.Unlock()
		return ParseEndpoints(addrs)
	})
	p := NewPool(d, nil)
	require.NoError(t, p.Ready(context.Background()))
	p.MarkFailed("10.0.0.1:1")

	mu.Lock()
	addrs = []string{"10.0.0.7:7"}
	mu.Unlock()
	require.NoError(t, p.Refresh(context.Background()))

	cur := p.Current()
	require.Len(t, cur, 1)
	assert.Equal(t, "10.0.0.7:7", cur[0].Addr())
	assert.True(t, cur[0].Healthy)
}

func TestPoolRefreshFailureKeepsSet(t *testing.T) {
	calls := 0
	d := DiscovererFunc(func(ctx context.Context) ([]Endpoint, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("gone")
		}
		return ParseEndpoints([]string{"10.0.0.1:1"})
	})
	p := NewPool(d, nil)
	require.NoError(t, p.Ready(context.Background()))
	require.ErrorIs(t, p.Refresh(context.Background()), ErrDiscoveryUnavailable)
	assert.Len(t, p.Current(), 1)
}

func TestPoolPickSkipsFailed(t *testing.T) {
	p := NewPool(fixed("10.0.0.1:1", "10.0.0.2:2"), nil)
	require.NoError(t, p.Ready(context.Background()))

	p.MarkFailed("10.0.0.1:1")
	ep, err := p.Pick()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:2", ep.Addr())

	// All failed: the whole set is eligible again
	p.MarkFailed("10.0.0.2:2")
	ep, err = p.Pick()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:1", ep.Addr())
}

func TestPoolPickEmpty(t *testing.T) {
	p := NewPool(nil, nil)
	_, err := p.Pick()
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

type chanWatcher struct {
	DiscovererFunc
	ch chan []Endpoint
}

func (w *chanWatcher) Watch(ctx context.Context) <-chan []Endpoint {
	out := make(chan []Endpoint)
	go func() {
		defer close(out)
		for {
			select {
			case eps := <-w.ch:
				out <- eps
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func TestPoolWatchUpdatesSet(t *testing.T) {
	w := &chanWatcher{DiscovererFunc: fixed("10.0.0.1:1"), ch: make(chan []Endpoint)}
	p := NewPool(w, nil)
	require.NoError(t, p.Ready(context.Background()))

	eps, _ := ParseEndpoints([]string{"10.0.0.5:5", "10.0.0.6:6"})
	w.ch <- eps
	assert.Eventually(t, func() bool { return len(p.Current()) == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Refresh(context.Background()), ErrPoolClosed)
}

func TestHTTPDiscoverer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ServerListPath {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("10.1.0.1:9880\n10.1.0.2:9881,10.1.0.3"))
	}))
	defer srv.Close()

	d := NewHTTPDiscoverer(srv.URL+"///", nil)
	assert.Equal(t, srv.URL+ServerListPath, d.URL())

	eps, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, eps, 3)
	assert.Equal(t, "10.1.0.2:9881", eps[1].Addr())
	assert.Equal(t, DefaultPort, eps[2].Port)
}

func TestHTTPDiscovererJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["10.1.0.1:9880"]`))
	}))
	defer srv.Close()

	eps, err := NewHTTPDiscoverer(srv.URL, nil).Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, eps, 1)
}

func TestHTTPDiscovererStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPDiscoverer(srv.URL, nil).Discover(context.Background())
	assert.Error(t, err)
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("[::1]:9000")
	require.NoError(t, err)
	assert.Equal(t, "::1", ep.Host)
	assert.Equal(t, 9000, ep.Port)

	_, err = ParseEndpoint("host:notaport")
	assert.Error(t, err)
}

func TestStaticDiscoverer(t *testing.T) {
	d, err := NewStaticDiscoverer([]string{"127.0.0.1:1", ""})
	require.NoError(t, err)
	eps, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, eps, 1)

	empty, err := NewStaticDiscoverer(nil)
	require.NoError(t, err)
	_, err = empty.Discover(context.Background())
	assert.Error(t, err)
}
