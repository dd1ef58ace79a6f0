// Package gateway is a drive backed by an Arweave-style HTTP gateway.
//
// Guests open paths of three kinds:
//
//	/data/<txid>      transaction data, fetched from <url>/<txid>
//	/tx/<txid>        transaction header, fetched from <url>/tx/<txid>
//	/block/<height>   block, fetched from <url>/block/height/<height>
//
// Content is fetched once per path, kept in an in-memory file system and
// served from there by fsdrive. Concurrent opens of the same path share one
// fetch. When an admissible list is configured, data and tx paths outside it
// are rejected without touching the network.
package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/psanford/memfs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/wippyai/wasm-drive/drive"
	"github.com/wippyai/wasm-drive/drive/fsdrive"
	"github.com/wippyai/wasm-drive/errors"
)

const tracerName = "wasm-drive/gateway"

var (
	ErrNotAdmissible = stderrors.New("transaction not admissible")
	ErrFutureBlock   = stderrors.New("block beyond allowed height")
	ErrTooLarge      = stderrors.New("object exceeds size limit")
)

// DefaultURL is the public Arweave gateway.
const DefaultURL = "https://arweave.net"

// Config configures a Gateway. Zero values select defaults.
type Config struct {
	// URL is the gateway base URL.
	URL string

	// Admissible restricts data and tx paths to these transaction ids.
	// Empty admits everything.
	Admissible []string

	// MaxBlockHeight rejects block paths above it. 0 means no limit.
	MaxBlockHeight uint64

	// MaxObjectSize bounds a single fetched object in bytes. 0 means no
	// limit.
	MaxObjectSize int64

	// MaxOpen caps simultaneously open descriptors. 0 means no limit.
	MaxOpen int

	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration

	// RequestsPerSecond limits outbound fetches. 0 disables limiting.
	RequestsPerSecond float64
	Burst             int

	// HTTPClient replaces the underlying transport client, mostly for tests.
	HTTPClient *http.Client
}

// Gateway implements drive.Drive. Safe for concurrent use.
type Gateway struct {
	base       *url.URL
	client     *retryablehttp.Client
	limiter    *rate.Limiter
	cache      *memfs.FS
	files      *fsdrive.Drive
	admissible map[string]struct{}
	group      singleflight.Group
	cacheMu    sync.Mutex
	cached     map[string]struct{}
	cfg        Config
}

// New returns a gateway drive.
func New(cfg Config) (*Gateway, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	base, err := url.Parse(cfg.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.Config(fmt.Sprintf("invalid gateway url %q", cfg.URL), err)
	}

	client := retryablehttp.NewClient()
	client.Logger = leveledLogger{s: Logger().Named("http").Sugar()}
	if cfg.HTTPClient != nil {
		hc := *cfg.HTTPClient
		client.HTTPClient = &hc
	}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}
	if cfg.RetryMax > 0 {
		client.RetryMax = cfg.RetryMax
	}
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	cache := memfs.New()
	for _, k := range []Kind{KindData, KindTx, KindBlock} {
		if err := cache.MkdirAll(string(k), 0o755); err != nil {
			return nil, err
		}
	}

	var admissible map[string]struct{}
	if len(cfg.Admissible) > 0 {
		admissible = make(map[string]struct{}, len(cfg.Admissible))
		for _, id := range cfg.Admissible {
			admissible[id] = struct{}{}
		}
	}

	return &Gateway{
		base:       base,
		client:     client,
		limiter:    limiter,
		cache:      cache,
		files:      fsdrive.New(cache, fsdrive.WithMaxOpen(cfg.MaxOpen)),
		admissible: admissible,
		cached:     make(map[string]struct{}),
		cfg:        cfg,
	}, nil
}

// Factory registers g as the same handle on every resolution.
func Factory(g *Gateway) drive.Factory {
	return drive.Static(drive.Async(g))
}

// Admits reports whether p passes the admissible list and block limit.
func (g *Gateway) Admits(p Path) error {
	switch p.Kind {
	case KindData, KindTx:
		if g.admissible == nil {
			return nil
		}
		if _, ok := g.admissible[p.ID]; !ok {
			return ErrNotAdmissible
		}
	case KindBlock:
		if g.cfg.MaxBlockHeight > 0 && p.Height() > g.cfg.MaxBlockHeight {
			return ErrFutureBlock
		}
	}
	return nil
}

func (g *Gateway) Open(ctx context.Context, filename, mode string) (int32, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "gateway.Open",
		trace.WithAttributes(attribute.String("drive.path", filename)))
	defer span.End()

	fd, err := g.open(ctx, filename, mode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return -1, err
	}
	span.SetAttributes(attribute.Int("drive.fd", int(fd)))
	return fd, nil
}

func (g *Gateway) open(ctx context.Context, filename, mode string) (int32, error) {
	if !fsdrive.ReadMode(mode) {
		return -1, errors.Rejected(errors.PhaseOpen, filename, fmt.Errorf("%w %q", fsdrive.ErrMode, mode))
	}
	p, err := ParsePath(filename)
	if err != nil {
		return -1, err
	}
	if err := g.Admits(p); err != nil {
		return -1, errors.Rejected(errors.PhaseOpen, filename, err)
	}

	if err := g.ensure(ctx, p); err != nil {
		return -1, errors.Rejected(errors.PhaseOpen, filename, err)
	}
	return g.files.Open(ctx, p.CacheName(), "r")
}

func (g *Gateway) Read(ctx context.Context, fd int32, p []byte) (int, error) {
	return g.files.Read(ctx, fd, p)
}

// Close releases fd.
func (g *Gateway) Close(fd int32) error {
	return g.files.Close(fd)
}

// Cached reports whether p is already held locally.
func (g *Gateway) Cached(p Path) bool {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	_, ok := g.cached[p.CacheName()]
	return ok
}

// FS exposes the local cache.
func (g *Gateway) FS() fs.FS {
	return g.cache
}

// ensure fetches p into the cache unless it is already there. Concurrent
// callers for the same path share one fetch that outlives any single
// caller's cancellation; failures are not remembered.
func (g *Gateway) ensure(ctx context.Context, p Path) error {
	if g.Cached(p) {
		return nil
	}

	_, err, shared := g.group.Do(p.CacheName(), func() (interface{}, error) {
		if g.Cached(p) {
			return nil, nil
		}
		// Waiters share this fetch, so one caller's cancellation must not fail it.
		body, err := g.fetch(context.WithoutCancel(ctx), p)
		if err != nil {
			return nil, err
		}

		g.cacheMu.Lock()
		defer g.cacheMu.Unlock()
		if err := g.cache.WriteFile(p.CacheName(), body, 0o444); err != nil {
			return nil, err
		}
		g.cached[p.CacheName()] = struct{}{}
		return nil, nil
	})
	if shared {
		Logger().Debug("gateway fetch shared", zap.Stringer("path", p))
	}
	return err
}

func (g *Gateway) fetch(ctx context.Context, p Path) ([]byte, error) {
	target := g.base.JoinPath(p.Remote()).String()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "gateway.fetch",
		trace.WithAttributes(attribute.String("http.url", target)))
	defer span.End()

	body, err := g.get(ctx, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		Logger().Warn("gateway fetch failed", zap.String("url", target), zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.response_size", len(body)))
	Logger().Debug("gateway fetched", zap.String("url", target), zap.Int("size", len(body)))
	return body, nil
}

func (g *Gateway) get(ctx context.Context, target string) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", target, resp.Status)
	}

	r := io.Reader(resp.Body)
	if g.cfg.MaxObjectSize > 0 {
		r = io.LimitReader(resp.Body, g.cfg.MaxObjectSize+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if g.cfg.MaxObjectSize > 0 && int64(len(body)) > g.cfg.MaxObjectSize {
		return nil, ErrTooLarge
	}
	return body, nil
}

// Shutdown closes every open descriptor. Cached content is kept.
func (g *Gateway) Shutdown() error {
	return g.files.Shutdown()
}
