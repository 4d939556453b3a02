package gc

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"media-gateway/internal/media"
	"media-gateway/internal/platform/logger"
	"media-gateway/internal/session"
	"media-gateway/internal/tempstore"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clk  *clock
	reg  *session.Registry
	temp *tempstore.Store
	gc   *Collector
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := &clock{t: time.Now()}
	temp, err := tempstore.New(t.TempDir(), 0)
	require.NoError(t, err)
	reg := session.NewRegistry(session.WithClock(clk.Now))
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 50 * time.Millisecond
	}
	return &fixture{
		clk:  clk,
		reg:  reg,
		temp: temp,
		gc:   New(reg, temp, cfg, logger.Discard(), nil, WithClock(clk.Now)),
	}
}

// mergeSession registers a merge session holding a temp resource with one
// file in it.
func (f *fixture) mergeSession(t *testing.T) (*session.Session, string) {
	t.Helper()
	s, err := f.reg.Create(media.MergeAndPurge)
	require.NoError(t, err)
	res, err := f.temp.Create(string(s.ID()), 0)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(res.Path("video.mp4"), []byte("partial"), 0o600))
	s.SetTempDir(res.Dir)
	return s, res.Dir
}

func TestCollector_ReclaimsOnRequest(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, Config{Interval: time.Hour})
	s, dir := f.mergeSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.gc.Run(ctx)
		close(done)
	}()

	require.NoError(t, s.Transition(session.Acquiring))
	s.Fail(media.ErrUpstreamInterrupted)
	f.gc.Request(s.ID())

	require.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return os.IsNotExist(err)
	}, 2*time.Second, time.Millisecond)
	assert.False(t, s.ReclaimPending())

	cancel()
	<-done
}

func TestCollector_WaitsForWorkerAck(t *testing.T) {
	f := newFixture(t, Config{})
	s, dir := f.mergeSession(t)

	workDone, err := s.BeginWork()
	require.NoError(t, err)
	s.Cancel(nil)

	require.NoError(t, f.gc.SweepOnce(context.Background()))
	assert.DirExists(t, dir, "a worker still holding the resource blocks reclamation")
	assert.True(t, s.ReclaimPending())

	workDone()
	require.NoError(t, f.gc.SweepOnce(context.Background()))
	assert.NoDirExists(t, dir)
}

func TestCollector_ReclaimParallelismIsBounded(t *testing.T) {
	const ack = 40 * time.Millisecond
	f := newFixture(t, Config{Parallel: 2, AckTimeout: ack})

	var dones []func()
	for i := 0; i < 5; i++ {
		s, _ := f.mergeSession(t)
		done, err := s.BeginWork()
		require.NoError(t, err)
		dones = append(dones, done)
		s.Cancel(nil)
	}
	defer func() {
		for _, d := range dones {
			d()
		}
	}()

	// Every reclaim waits out the ack timeout; two at a time need three rounds.
	start := time.Now()
	require.NoError(t, f.gc.SweepOnce(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 3*ack)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start = time.Now()
	require.NoError(t, f.gc.SweepOnce(ctx))
	assert.Less(t, time.Since(start), ack, "a cancelled sweep starts no reclamation")
}

func TestCollector_ReclaimIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{Retention: time.Hour})
	s, dir := f.mergeSession(t)
	s.Fail(media.ErrMergeFailed)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.gc.SweepOnce(context.Background()))
		}()
	}
	wg.Wait()
	f.gc.Request(s.ID())
	require.NoError(t, f.gc.ReclaimRequested(context.Background()))

	assert.NoDirExists(t, dir)
	snap, err := f.reg.Snapshot(s.ID())
	require.NoError(t, err)
	assert.Equal(t, session.Failed, snap.State, "state stays terminal and unchanged")
}

func TestCollector_StaleSessionIsFailed(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: 30 * time.Minute, DisconnectAfter: time.Hour})
	s, dir := f.mergeSession(t)
	require.NoError(t, s.Transition(session.Acquiring))

	f.clk.Advance(31 * time.Minute)
	require.NoError(t, f.gc.SweepOnce(context.Background()))

	snap := s.Snapshot()
	assert.Equal(t, session.Failed, snap.State)
	assert.Equal(t, media.KindCancelled, snap.Failure)
	assert.NoDirExists(t, dir)
}

func TestCollector_DisconnectCeiling(t *testing.T) {
	f := newFixture(t, Config{DisconnectAfter: 2 * time.Minute, StaleAfter: time.Hour})

	serving, servingDir := f.mergeSession(t)
	for _, st := range []session.State{session.Acquiring, session.Merging, session.Ready, session.Serving} {
		require.NoError(t, serving.Transition(st))
	}
	acquiring, _ := f.mergeSession(t)
	require.NoError(t, acquiring.Transition(session.Acquiring))
	polled, _ := f.mergeSession(t)
	require.NoError(t, polled.Transition(session.Acquiring))

	f.clk.Advance(3 * time.Minute)
	polled.Touch()
	require.NoError(t, f.gc.SweepOnce(context.Background()))

	assert.Equal(t, session.Cancelled, serving.State())
	assert.Equal(t, session.Failed, acquiring.State())
	assert.Equal(t, session.Acquiring, polled.State(), "recent client activity keeps a session alive")
	assert.NoDirExists(t, servingDir)
}

func TestCollector_RetentionDropsRecords(t *testing.T) {
	f := newFixture(t, Config{Retention: 5 * time.Minute})
	s, _ := f.mergeSession(t)
	s.Fail(media.ErrNotFound)
	direct, err := f.reg.Create(media.DirectPipe)
	require.NoError(t, err)
	require.NoError(t, direct.Transition(session.Serving))
	require.NoError(t, direct.Transition(session.Completed))

	require.NoError(t, f.gc.SweepOnce(context.Background()))
	assert.Equal(t, 2, f.reg.Len(), "finished sessions stay pollable during retention")

	f.clk.Advance(6 * time.Minute)
	require.NoError(t, f.gc.SweepOnce(context.Background()))
	assert.Zero(t, f.reg.Len())
}

func TestCollector_StartupSweep(t *testing.T) {
	f := newFixture(t, Config{})
	kept, keptDir := f.mergeSession(t)
	for _, name := range []string{"orphan-a", "orphan-b"} {
		require.NoError(t, os.MkdirAll(filepath.Join(f.temp.Root(), name, "nested"), 0o700))
	}

	removed, err := f.gc.StartupSweep()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"orphan-a", "orphan-b"}, removed)
	assert.DirExists(t, keptDir)
	assert.True(t, f.reg.Has(kept.ID()))
}

func TestCollector_PeriodicOrphanSweepHasAgeGuard(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Minute})
	orphan := filepath.Join(f.temp.Root(), "orphan")
	require.NoError(t, os.Mkdir(orphan, 0o700))

	require.NoError(t, f.gc.SweepOnce(context.Background()))
	assert.DirExists(t, orphan, "directories younger than one interval survive")

	f.clk.Advance(2 * time.Minute)
	require.NoError(t, f.gc.SweepOnce(context.Background()))
	assert.NoDirExists(t, orphan)
}

func TestCollector_RequestNeverBlocks(t *testing.T) {
	f := newFixture(t, Config{})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			f.gc.Request(session.NewID())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Request blocked without a running collector")
	}
	assert.NoError(t, f.gc.ReclaimRequested(context.Background()))
}
