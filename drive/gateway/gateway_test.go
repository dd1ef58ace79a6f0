package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-drive/errors"
)

const (
	txA = "dx3GrOQPV5Mwc1c-4HTsyq0s1TNugMf7XfIKJkyVQt8"
	txB = "XOJ8FBxa6sGLwChnxhF2L71WkKLSKq1aU5Yn5WnFLrY"
)

type fakeGateway struct {
	hits    map[string]*atomic.Int32
	objects map[string]string
	failing atomic.Int32
	mu      sync.Mutex

	// started and release, when set, hold every request until release closes.
	started chan struct{}
	release chan struct{}
}

func newFakeGateway(t *testing.T) (*fakeGateway, *httptest.Server) {
	t.Helper()
	fg := &fakeGateway{
		hits: make(map[string]*atomic.Int32),
		objects: map[string]string{
			"/" + txA:            `{"name":"nft"}`,
			"/tx/" + txA:         `{"id":"` + txA + `"}`,
			"/block/height/1000": `{"height":1000}`,
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fg.hit(r.URL.Path)
		if fg.release != nil {
			select {
			case fg.started <- struct{}{}:
			default:
			}
			<-fg.release
		}
		if fg.failing.Load() > 0 {
			fg.failing.Add(-1)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		body, ok := fg.objects[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return fg, srv
}

func (f *fakeGateway) hit(p string) {
	f.mu.Lock()
	c, ok := f.hits[p]
	if !ok {
		c = new(atomic.Int32)
		f.hits[p] = c
	}
	f.mu.Unlock()
	c.Add(1)
}

func (f *fakeGateway) count(p string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.hits[p]; ok {
		return int(c.Load())
	}
	return 0
}

func newTestGateway(t *testing.T, srv *httptest.Server, mutate func(*Config)) *Gateway {
	t.Helper()
	cfg := Config{
		URL:          srv.URL,
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := New(cfg)
	require.NoError(t, err)
	return g
}

func readAll(t *testing.T, g *Gateway, fd int32) string {
	t.Helper()
	var sb strings.Builder
	buf := make([]byte, 8)
	for {
		n, err := g.Read(context.Background(), fd, buf)
		require.NoError(t, err)
		sb.Write(buf[:n])
		if n < len(buf) {
			return sb.String()
		}
	}
}

func TestGateway_OpenKinds(t *testing.T) {
	_, srv := newFakeGateway(t)
	g := newTestGateway(t, srv, nil)
	ctx := context.Background()

	tests := map[string]string{
		"/data/" + txA: `{"name":"nft"}`,
		"/tx/" + txA:   `{"id":"` + txA + `"}`,
		"/block/1000":  `{"height":1000}`,
	}
	for path, want := range tests {
		fd, err := g.Open(ctx, path, "r")
		require.NoError(t, err, path)
		require.GreaterOrEqual(t, fd, int32(3))
		require.Equal(t, want, readAll(t, g, fd), path)
		require.NoError(t, g.Close(fd))
	}
}

func TestGateway_FetchesOnce(t *testing.T) {
	fg, srv := newFakeGateway(t)
	g := newTestGateway(t, srv, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fd, err := g.Open(ctx, "/data/"+txA, "r")
			if err != nil {
				t.Errorf("Open: %v", err)
				return
			}
			g.Close(fd)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, fg.count("/"+txA))
	p, _ := ParsePath("/data/" + txA)
	require.True(t, g.Cached(p))
}

func TestGateway_FetchSurvivesCallerCancel(t *testing.T) {
	fg, srv := newFakeGateway(t)
	fg.started = make(chan struct{}, 1)
	fg.release = make(chan struct{})
	g := newTestGateway(t, srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if fd, err := g.Open(ctx, "/data/"+txA, "r"); err == nil {
			g.Close(fd)
		}
	}()

	<-fg.started
	cancel()
	close(fg.release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Open did not return")
	}

	p, _ := ParsePath("/data/" + txA)
	require.True(t, g.Cached(p), "fetch finished after the first caller gave up")

	fd, err := g.Open(context.Background(), "/data/"+txA, "r")
	require.NoError(t, err)
	require.Equal(t, `{"name":"nft"}`, readAll(t, g, fd))
	require.Equal(t, 1, fg.count("/"+txA))
}

func TestGateway_Admissible(t *testing.T) {
	fg, srv := newFakeGateway(t)
	g := newTestGateway(t, srv, func(c *Config) {
		c.Admissible = []string{txB}
		c.MaxBlockHeight = 500
	})

	_, err := g.Open(context.Background(), "/data/"+txA, "r")
	require.ErrorIs(t, err, ErrNotAdmissible)
	require.True(t, errors.IsKind(err, errors.KindRejected))

	_, err = g.Open(context.Background(), "/block/1000", "r")
	require.ErrorIs(t, err, ErrFutureBlock)

	require.Zero(t, fg.count("/"+txA), "rejected paths never reach the network")
}

func TestGateway_NotFound(t *testing.T) {
	_, srv := newFakeGateway(t)
	g := newTestGateway(t, srv, nil)

	_, err := g.Open(context.Background(), "/data/"+txB, "r")
	require.Error(t, err)
	require.True(t, errors.IsKind(err, errors.KindRejected))
	require.Contains(t, err.Error(), "404")
}

func TestGateway_RetriesTransientFailures(t *testing.T) {
	fg, srv := newFakeGateway(t)
	fg.failing.Store(2)
	g := newTestGateway(t, srv, nil)

	fd, err := g.Open(context.Background(), "/tx/"+txA, "r")
	require.NoError(t, err)
	require.Equal(t, 3, fg.count("/tx/"+txA))
	require.Contains(t, readAll(t, g, fd), txA)
}

func TestGateway_FailuresNotCached(t *testing.T) {
	fg, srv := newFakeGateway(t)
	fg.failing.Store(100)
	g := newTestGateway(t, srv, nil)

	_, err := g.Open(context.Background(), "/block/1000", "r")
	require.Error(t, err)

	fg.failing.Store(0)
	_, err = g.Open(context.Background(), "/block/1000", "r")
	require.NoError(t, err)
}

func TestGateway_MaxObjectSize(t *testing.T) {
	_, srv := newFakeGateway(t)
	g := newTestGateway(t, srv, func(c *Config) { c.MaxObjectSize = 4 })

	_, err := g.Open(context.Background(), "/data/"+txA, "r")
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestGateway_RejectsInput(t *testing.T) {
	_, srv := newFakeGateway(t)
	g := newTestGateway(t, srv, nil)

	_, err := g.Open(context.Background(), "/data/"+txA, "w")
	require.True(t, errors.IsKind(err, errors.KindRejected))

	_, err = g.Open(context.Background(), "/etc/passwd", "r")
	require.True(t, errors.IsKind(err, errors.KindInvalidInput))
}

func TestGateway_RateLimited(t *testing.T) {
	_, srv := newFakeGateway(t)
	g := newTestGateway(t, srv, func(c *Config) {
		c.RequestsPerSecond = 1000
		c.Burst = 1
	})

	_, err := g.Open(context.Background(), "/data/"+txA, "r")
	require.NoError(t, err)
	_, err = g.Open(context.Background(), "/tx/"+txA, "r")
	require.NoError(t, err)
}

func TestNew_TimeoutLeavesCallerClient(t *testing.T) {
	_, srv := newFakeGateway(t)
	hc := &http.Client{}
	g := newTestGateway(t, srv, func(c *Config) {
		c.HTTPClient = hc
		c.Timeout = time.Second
	})

	require.Zero(t, hc.Timeout)
	_, err := g.Open(context.Background(), "/tx/"+txA, "r")
	require.NoError(t, err)
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New(Config{URL: "not a url"})
	require.True(t, errors.IsKind(err, errors.KindConfig))
}
