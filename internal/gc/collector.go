// Package gc reclaims temp resources of finished sessions, force-terminates
// abandoned ones and removes temp subtrees nobody owns.
package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"media-gateway/internal/media"
	"media-gateway/internal/platform/metrics"
	"media-gateway/internal/session"
	"media-gateway/internal/tempstore"
)

var (
	// ErrStale is the cause recorded on sessions that outlived the
	// staleness ceiling.
	ErrStale = fmt.Errorf("exceeded staleness ceiling: %w", media.ErrCancelled)

	// ErrDisconnected is the cause recorded on sessions whose client went
	// quiet for longer than the disconnect ceiling.
	ErrDisconnected = fmt.Errorf("client disconnected: %w", media.ErrCancelled)
)

// Config tunes the collector.
type Config struct {
	Interval        time.Duration
	StaleAfter      time.Duration
	DisconnectAfter time.Duration
	Retention       time.Duration
	AckTimeout      time.Duration
	// Parallel bounds concurrent reclamations within one sweep.
	Parallel int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.DisconnectAfter <= 0 {
		c.DisconnectAfter = 2 * time.Minute
	}
	if c.Retention < 0 {
		c.Retention = 0
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.Parallel <= 0 {
		c.Parallel = 4
	}
	return c
}

// Collector is the garbage collector. All of its operations are idempotent
// and safe to run concurrently with each other and with the pipelines.
type Collector struct {
	reg     *session.Registry
	temp    *tempstore.Store
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	wake    chan struct{}
	mu      sync.Mutex
	pending map[session.ID]struct{}
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock overrides time.Now; used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// New returns a Collector over reg and temp.
func New(reg *session.Registry, temp *tempstore.Store, cfg Config, log *slog.Logger, m *metrics.Metrics, opts ...Option) *Collector {
	if log == nil {
		log = slog.Default()
	}
	c := &Collector{
		reg:     reg,
		temp:    temp,
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: m,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		pending: make(map[session.ID]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request queues id for reclamation and wakes the collector. It never
// blocks.
func (c *Collector) Request(id session.ID) {
	c.mu.Lock()
	c.pending[id] = struct{}{}
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run sweeps every Interval and reclaims requested sessions as soon as they
// arrive, until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.log.Info("garbage collector started", slog.Duration("interval", c.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			c.log.Info("garbage collector stopped")
			return
		case <-c.wake:
			if err := c.ReclaimRequested(ctx); err != nil {
				c.log.Warn("reclaim failed", slog.String("error", err.Error()))
			}
		case <-ticker.C:
			if err := c.SweepOnce(ctx); err != nil {
				c.log.Warn("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ReclaimRequested reclaims every session queued through Request.
func (c *Collector) ReclaimRequested(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]session.ID, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	clear(c.pending)
	c.mu.Unlock()

	var sessions []*session.Session
	for _, id := range ids {
		if s, err := c.reg.Get(id); err == nil {
			sessions = append(sessions, s)
		}
	}
	return c.reclaimAll(ctx, sessions)
}

// SweepOnce runs one full pass: force-terminate stale and disconnected
// sessions, reclaim terminal ones, drop expired records and remove orphaned
// temp subtrees older than one interval.
func (c *Collector) SweepOnce(ctx context.Context) error {
	now := c.now()

	var all []*session.Session
	c.reg.Range(func(s *session.Session) bool {
		all = append(all, s)
		return true
	})

	var terminal []*session.Session
	for _, s := range all {
		c.enforceCeilings(s, now)
		if s.State().Terminal() {
			terminal = append(terminal, s)
		}
	}

	var errs *multierror.Error
	if err := c.reclaimAll(ctx, terminal); err != nil {
		errs = multierror.Append(errs, err)
	}

	for _, s := range terminal {
		if s.ReclaimPending() {
			continue
		}
		if fin := s.FinishedAt(); !fin.IsZero() && now.Sub(fin) >= c.cfg.Retention {
			c.reg.Delete(s.ID())
		}
	}

	removed, err := c.temp.Sweep(c.claimed, now.Add(-c.cfg.Interval))
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	if len(removed) > 0 {
		c.log.Info("removed orphaned temp resources", slog.Int("count", len(removed)))
	}
	return errs.ErrorOrNil()
}

// StartupSweep removes every temp subtree not claimed by a registered
// session, regardless of age. Run it before accepting sessions.
func (c *Collector) StartupSweep() ([]string, error) {
	removed, err := c.temp.Sweep(c.claimed, time.Time{})
	if len(removed) > 0 {
		c.log.Info("startup sweep removed temp resources", slog.Int("count", len(removed)))
	}
	return removed, err
}

func (c *Collector) claimed(name string) bool {
	return c.reg.Has(session.ID(name))
}

func (c *Collector) enforceCeilings(s *session.Session, now time.Time) {
	state := s.State()
	if state.Terminal() {
		return
	}
	switch {
	case now.Sub(s.CreatedAt()) > c.cfg.StaleAfter:
		if s.Fail(ErrStale) {
			c.metrics.IncForced("stale")
			c.log.Warn("session force-terminated",
				slog.String("session_id", string(s.ID())),
				slog.String("reason", "stale"),
				slog.String("state", string(state)),
			)
		}
	case now.Sub(s.LastActivity()) > c.cfg.DisconnectAfter:
		var ok bool
		if state == session.Serving {
			ok = s.Cancel(ErrDisconnected)
		} else {
			ok = s.Fail(ErrDisconnected)
		}
		if ok {
			c.metrics.IncForced("disconnect")
			c.log.Warn("session force-terminated",
				slog.String("session_id", string(s.ID())),
				slog.String("reason", "disconnect"),
				slog.String("state", string(state)),
			)
		}
	}
}

// reclaimAll reclaims pending sessions with at most Parallel in flight.
// Sessions not started before ctx ends are left for the next sweep.
func (c *Collector) reclaimAll(ctx context.Context, sessions []*session.Session) error {
	var g multierror.Group
	sem := semaphore.NewWeighted(int64(c.cfg.Parallel))
	for _, s := range sessions {
		if ctx.Err() != nil {
			break
		}
		if !s.ReclaimPending() {
			continue
		}
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			return c.reclaim(s)
		})
	}
	return g.Wait().ErrorOrNil()
}

var errAckTimeout = errors.New("worker did not acknowledge cancellation")

// reclaim removes the temp resource of a terminal session once its workers
// have stopped. If they do not stop within AckTimeout the resource is left
// for the next sweep.
func (c *Collector) reclaim(s *session.Session) error {
	if !s.WaitIdle(c.cfg.AckTimeout) {
		c.log.Warn("reclaim deferred",
			slog.String("session_id", string(s.ID())),
			slog.String("error", errAckTimeout.Error()),
		)
		return nil
	}
	removed, err := c.temp.Remove(string(s.ID()))
	if err != nil {
		return fmt.Errorf("reclaim %s: %w", s.ID(), err)
	}
	s.MarkReclaimed()
	if removed {
		c.metrics.IncReclaimed()
		c.log.Debug("temp resource reclaimed", slog.String("session_id", string(s.ID())))
	}
	return nil
}
