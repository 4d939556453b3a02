// Package pipeline runs Merge-and-Purge downloads: acquire the video and
// audio tracks into a session's temp resource, merge them (or re-encode a
// lone audio track), serve the result once, and hand the temp resource to
// the collector.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"media-gateway/internal/media"
	"media-gateway/internal/mergetool"
	"media-gateway/internal/platform/metrics"
	"media-gateway/internal/relay"
	"media-gateway/internal/session"
	"media-gateway/internal/tempstore"
)

var (
	// ErrNotReady is returned by Serve before the artifact exists or while
	// another client is already being served.
	ErrNotReady = errors.New("artifact not ready")

	// ErrGone is returned for sessions that already finished.
	ErrGone = errors.New("session finished")

	// ErrDirectSelection is returned by Begin for selections that need
	// neither a merge nor a transcode.
	ErrDirectSelection = errors.New("selection needs no merge tool")
)

// Config tunes the pipeline.
type Config struct {
	MaxSessions      int
	AcquireTimeout   time.Duration
	MergeTimeoutMax  time.Duration
	ProgressInterval time.Duration
}

// Deps are the collaborators of a Merger.
type Deps struct {
	Registry *session.Registry
	Temp     *tempstore.Store
	Relay    *relay.Streamer
	Tool     mergetool.Tool
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	// Reclaim asks the collector to reclaim a terminal session's resources.
	Reclaim func(session.ID)
}

// Merger owns every merge session's worker.
type Merger struct {
	deps  Deps
	cfg   Config
	slots *semaphore.Weighted
	log   *slog.Logger

	base     context.Context
	stopBase context.CancelFunc
	workers  sync.WaitGroup
}

// New returns a Merger. Workers outlive the requests that start them and are
// stopped by Close.
func New(deps Deps, cfg Config) *Merger {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 16
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Minute
	}
	if cfg.MergeTimeoutMax <= 0 {
		cfg.MergeTimeoutMax = 10 * time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Reclaim == nil {
		deps.Reclaim = func(session.ID) {}
	}
	base, stop := context.WithCancel(context.Background())
	return &Merger{
		deps:     deps,
		cfg:      cfg,
		slots:    semaphore.NewWeighted(int64(cfg.MaxSessions)),
		log:      deps.Logger,
		base:     base,
		stopBase: stop,
	}
}

// Begin registers a merge session for sel and starts acquisition in the
// background. It fails with ResourceExhausted when the session ceiling or
// temp capacity is reached.
func (m *Merger) Begin(ctx context.Context, sel media.Selection) (session.ID, error) {
	if sel.Kind() != media.MergeAndPurge {
		return "", fmt.Errorf("begin merge: %w: %w", ErrDirectSelection, media.ErrNotFound)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !m.slots.TryAcquire(1) {
		return "", fmt.Errorf("begin merge: %d sessions in flight: %w", m.cfg.MaxSessions, media.ErrResourceExhausted)
	}

	sess, err := m.deps.Registry.Create(media.MergeAndPurge)
	if err != nil {
		m.slots.Release(1)
		return "", fmt.Errorf("begin merge: %w", err)
	}
	id := sess.ID()

	size := sel.ApproxSize()
	res, err := m.deps.Temp.Create(string(id), 2*size)
	if err != nil {
		sess.Fail(err)
		m.deps.Registry.Delete(id)
		m.slots.Release(1)
		return "", fmt.Errorf("begin merge: %w", err)
	}

	m.deps.Metrics.SessionStarted(string(media.MergeAndPurge))
	sess.OnTerminal(func(snap session.Snapshot) {
		m.slots.Release(1)
		m.deps.Metrics.SessionFinished(string(snap.Pipeline), string(snap.State), snap.Failure)
		m.deps.Reclaim(id)
	})

	sess.SetTempDir(res.Dir)
	sess.SetFilename(media.Filename(sel.Title(), sel.OutputContainer()))
	if size > 0 {
		sess.SetTotal(size)
	} else {
		sess.SetTotal(-1)
	}

	done, err := sess.BeginWork()
	if err != nil {
		return "", fmt.Errorf("begin merge: %w", err)
	}
	workCtx, cancel := context.WithCancel(m.base)
	sess.Bind(cancel)

	attrs := []any{
		slog.String("session_id", string(id)),
		slog.String("audio_format", sel.Audio.FormatID),
		slog.Int64("approx_size", size),
	}
	if sel.Video != nil {
		attrs = append(attrs, slog.String("video_format", sel.Video.FormatID))
	}
	if sel.Transcodes() {
		attrs = append(attrs, slog.Int("mp3_kbps", sel.MP3Bitrate))
	}
	m.log.Info("merge session started", attrs...)

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		defer cancel()
		defer done()
		m.run(workCtx, sess, res, sel)
	}()
	return id, nil
}

func (m *Merger) run(ctx context.Context, sess *session.Session, res tempstore.Resource, sel media.Selection) {
	if err := sess.Transition(session.Acquiring); err != nil {
		return
	}

	actx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	videoPath, audioPath, acquired, err := m.acquire(actx, sess, res, sel)
	cancel()
	if err != nil {
		m.fail(sess, err)
		return
	}
	sess.SetTotal(acquired)

	if err := sess.Transition(session.Merging); err != nil {
		return
	}
	container := sel.OutputContainer()
	partial := res.Path("output.partial")
	final := res.Path("output." + container)

	mctx, cancel := context.WithTimeout(ctx, mergetool.Timeout(acquired, m.cfg.MergeTimeoutMax))
	start := time.Now()
	err = m.deps.Tool.Merge(mctx, mergetool.Job{
		VideoPath:    videoPath,
		AudioPath:    audioPath,
		OutputPath:   partial,
		Container:    container,
		AudioBitrate: sel.MP3Bitrate,
	})
	cancel()
	if err != nil {
		m.deps.Metrics.ObserveMerge("failed", time.Since(start).Seconds())
		if ctx.Err() == nil && !errors.Is(err, media.ErrMergeFailed) {
			err = fmt.Errorf("%w: %w", media.ErrMergeFailed, err)
		}
		m.fail(sess, err)
		return
	}
	m.deps.Metrics.ObserveMerge("ok", time.Since(start).Seconds())

	if err := os.Rename(partial, final); err != nil {
		m.fail(sess, fmt.Errorf("%w: publish artifact: %v", media.ErrMergeFailed, err))
		return
	}
	info, err := os.Stat(final)
	if err != nil {
		m.fail(sess, fmt.Errorf("%w: stat artifact: %v", media.ErrMergeFailed, err))
		return
	}
	if videoPath != "" {
		_ = os.Remove(videoPath)
	}
	_ = os.Remove(audioPath)

	sess.SetArtifact(final, info.Size())
	if err := sess.Transition(session.Ready); err != nil {
		return
	}
	m.log.Info("merge session ready",
		slog.String("session_id", string(sess.ID())),
		slog.Int64("size", info.Size()),
		slog.Duration("merge_took", time.Since(start)),
	)
}

type track struct {
	role string
	desc media.Descriptor
	path string
}

// acquire fetches the selected tracks concurrently. The first failure
// cancels the sibling fetch. videoPath is empty for transcodes.
func (m *Merger) acquire(ctx context.Context, sess *session.Session, res tempstore.Resource, sel media.Selection) (videoPath, audioPath string, total int64, err error) {
	var tracks []track
	if sel.Video != nil {
		videoPath = res.Path("video." + trackExt(*sel.Video))
		tracks = append(tracks, track{"video", *sel.Video, videoPath})
	}
	audioPath = res.Path("audio." + trackExt(*sel.Audio))
	tracks = append(tracks, track{"audio", *sel.Audio, audioPath})

	rep := session.NewReporter(sess, m.cfg.ProgressInterval)
	sizes := make([]int64, len(tracks))
	g, gctx := errgroup.WithContext(ctx)
	for i, tr := range tracks {
		g.Go(func() error {
			f, err := os.OpenFile(tr.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
			if err != nil {
				return fmt.Errorf("%s track: %w", tr.role, err)
			}
			n, err := m.deps.Relay.Fetch(gctx, tr.desc, f, rep)
			cerr := f.Close()
			sizes[i] = n
			if err != nil {
				return fmt.Errorf("%s track: %w", tr.role, err)
			}
			if cerr != nil {
				return fmt.Errorf("%s track: %w", tr.role, cerr)
			}
			return nil
		})
	}
	err = g.Wait()
	rep.Flush()
	if err != nil {
		return "", "", 0, err
	}
	for _, n := range sizes {
		total += n
	}
	return videoPath, audioPath, total, nil
}

func trackExt(d media.Descriptor) string {
	if d.Container == "" {
		return "bin"
	}
	return d.Container
}

func (m *Merger) fail(sess *session.Session, err error) {
	if !sess.Fail(err) {
		return
	}
	m.log.Warn("merge session failed",
		slog.String("session_id", string(sess.ID())),
		slog.String("failure", media.KindOf(err)),
		slog.String("error", err.Error()),
	)
}

// Poll returns the session's progress and records client activity.
func (m *Merger) Poll(id session.ID) (session.Snapshot, error) {
	sess, err := m.deps.Registry.Get(id)
	if err != nil {
		return session.Snapshot{}, err
	}
	sess.Touch()
	return sess.Snapshot(), nil
}

// Artifact describes the file handed to Serve's start callback.
type Artifact struct {
	Filename  string
	Size      int64
	Container string
}

// Serve streams the merged artifact of a Ready session to sink. start runs
// once, right before the first byte is written. A session is served at most
// once; a finished transfer completes it, an interrupted one cancels it.
func (m *Merger) Serve(ctx context.Context, id session.ID, sink io.Writer, start func(Artifact)) error {
	sess, err := m.deps.Registry.Get(id)
	if err != nil {
		return err
	}
	switch st := sess.State(); {
	case st.Terminal():
		return fmt.Errorf("%s is %s: %w", id, st, ErrGone)
	case st != session.Ready:
		return fmt.Errorf("%s is %s: %w", id, st, ErrNotReady)
	}

	done, err := sess.BeginWork()
	if err != nil {
		return fmt.Errorf("%s: %w", id, ErrGone)
	}
	defer done()

	if err := sess.Transition(session.Serving); err != nil {
		return fmt.Errorf("%s: %w", id, ErrNotReady)
	}
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.Bind(cancel)

	path, size := sess.Artifact()
	f, err := os.Open(path)
	if err != nil {
		sess.Fail(fmt.Errorf("open artifact: %w", err))
		return err
	}
	defer f.Close()

	snap := sess.Snapshot()
	if start != nil {
		start(Artifact{Filename: snap.Filename, Size: size, Container: strings.TrimPrefix(filepath.Ext(path), ".")})
	}
	sess.ResetProgress(size)
	sess.Touch()

	n, err := m.deps.Relay.Copy(sctx, f, sink, relay.Options{
		Reporter: session.NewReporter(sess, m.cfg.ProgressInterval),
		Session:  sess,
		Pipeline: media.MergeAndPurge,
	})
	if err != nil {
		if errors.Is(err, media.ErrCancelled) {
			sess.Cancel(err)
		} else {
			sess.Fail(err)
		}
		m.log.Info("merge session serve interrupted",
			slog.String("session_id", string(id)),
			slog.Int64("bytes", n),
			slog.String("error", err.Error()),
		)
		return err
	}
	if err := sess.Transition(session.Completed); err != nil {
		return fmt.Errorf("%s: %w", id, ErrGone)
	}
	m.log.Info("merge session completed", slog.String("session_id", string(id)), slog.Int64("bytes", n))
	return nil
}

// Cancel stops a non-terminal session of any pipeline. Its worker notices
// through the bound context.
func (m *Merger) Cancel(id session.ID) error {
	sess, err := m.deps.Registry.Get(id)
	if err != nil {
		return err
	}
	if !sess.Cancel(fmt.Errorf("cancelled by client: %w", media.ErrCancelled)) {
		return fmt.Errorf("%s is %s: %w", id, sess.State(), ErrGone)
	}
	m.log.Info("session cancelled", slog.String("session_id", string(id)))
	return nil
}

// InFlight returns how many merge sessions currently hold a slot.
func (m *Merger) InFlight() int {
	n := 0
	m.deps.Registry.Range(func(s *session.Session) bool {
		if s.Kind() == media.MergeAndPurge && !s.State().Terminal() {
			n++
		}
		return true
	})
	return n
}

// Close cancels every worker and waits for them until ctx ends.
func (m *Merger) Close(ctx context.Context) error {
	m.stopBase()
	idle := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
