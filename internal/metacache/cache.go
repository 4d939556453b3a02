// Package metacache maps normalized source keys to resolved descriptor sets
// with TTL eviction and at most one in-flight upstream resolution per key.
package metacache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/singleflight"

	"media-gateway/internal/media"
	"media-gateway/internal/platform/metrics"
)

// Defaults for Config fields left zero.
const (
	DefaultTTL            = time.Hour
	DefaultSweepInterval  = 5 * time.Minute
	DefaultResolveTimeout = 20 * time.Second
)

// Config tunes the cache.
type Config struct {
	TTL            time.Duration
	SweepInterval  time.Duration
	ResolveTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = DefaultResolveTimeout
	}
	return c
}

// Cache resolves source keys through an Engine, caching results.
type Cache struct {
	engine  media.Engine
	store   Store
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	flights singleflight.Group
}

// New returns a Cache over engine and store. m may be nil.
func New(engine media.Engine, store Store, cfg Config, log *slog.Logger, m *metrics.Metrics) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		engine:  engine,
		store:   store,
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// Resolve returns the descriptors for sourceKey. An unexpired entry is served
// without an upstream call; concurrent misses for one key share a single
// engine call. The shared call is bounded by ResolveTimeout and is not
// cancelled when one waiting caller gives up. Errors are never cached.
func (c *Cache) Resolve(ctx context.Context, sourceKey string) ([]media.Descriptor, error) {
	if descs, ok := c.lookup(ctx, sourceKey); ok {
		c.metrics.CacheLookup("hit")
		return descs, nil
	}
	c.metrics.CacheLookup("miss")

	ch := c.flights.DoChan(sourceKey, func() (any, error) {
		return c.fill(context.WithoutCancel(ctx), sourceKey)
	})
	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.CacheLookup("coalesced")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]media.Descriptor)), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("resolve %s: %w", sourceKey, ctx.Err())
	}
}

// lookup serves a live entry and lazily drops an expired one.
func (c *Cache) lookup(ctx context.Context, key string) ([]media.Descriptor, bool) {
	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn("metadata cache read failed", slog.String("source_key", key), slog.String("error", err.Error()))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if e.Expired(c.now()) {
		if err := c.store.Delete(ctx, key); err != nil {
			c.log.Warn("metadata cache evict failed", slog.String("source_key", key), slog.String("error", err.Error()))
		}
		return nil, false
	}
	return slices.Clone(e.Descriptors), true
}

// fill runs inside the flight: re-check the store, then call the engine.
func (c *Cache) fill(ctx context.Context, key string) ([]media.Descriptor, error) {
	if descs, ok := c.lookup(ctx, key); ok {
		return descs, nil
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.ResolveTimeout)
	defer cancel()

	descs, err := c.engine.Resolve(rctx, key)
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) && !errors.Is(err, media.ErrUpstreamUnavailable) && media.KindOf(err) == media.KindUpstreamUnavailable {
			err = fmt.Errorf("%w: no answer within %s: %w", media.ErrUpstreamUnavailable, c.cfg.ResolveTimeout, err)
		}
		c.metrics.UpstreamResolve(media.KindOf(err))
		return nil, fmt.Errorf("resolve %s: %w", key, err)
	}
	c.metrics.UpstreamResolve("ok")
	if len(descs) == 0 {
		return nil, fmt.Errorf("resolve %s: no formats: %w", key, media.ErrNotFound)
	}

	e := Entry{SourceKey: key, Descriptors: slices.Clone(descs), ResolvedAt: c.now(), TTL: c.cfg.TTL}
	if err := c.store.Set(ctx, e); err != nil {
		c.log.Warn("metadata cache write failed", slog.String("source_key", key), slog.String("error", err.Error()))
	}
	c.log.Debug("metadata resolved", slog.String("source_key", key), slog.Int("formats", len(descs)))
	return descs, nil
}

// Invalidate drops key so the next Resolve goes upstream.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// Sweep removes expired entries once and returns how many were dropped.
func (c *Cache) Sweep(ctx context.Context) int {
	n, err := c.store.DeleteExpired(ctx, c.now())
	if err != nil {
		c.log.Warn("metadata cache sweep failed", slog.String("error", err.Error()))
	}
	if n > 0 {
		c.log.Debug("metadata cache swept", slog.Int("evicted", n))
	}
	return n
}

// Run sweeps on SweepInterval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}
