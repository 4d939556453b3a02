package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-gateway/internal/media"
	"media-gateway/internal/mergetool"
	"media-gateway/internal/platform/logger"
	"media-gateway/internal/platform/metrics"
	"media-gateway/internal/relay"
	"media-gateway/internal/session"
	"media-gateway/internal/tempstore"
)

var (
	videoBytes = bytes.Repeat([]byte("v"), 150<<10)
	audioBytes = bytes.Repeat([]byte("a"), 70<<10)
)

// concatTool stands in for ffmpeg by concatenating both tracks. Transcodes
// prefix the audio with the requested bitrate.
var concatTool = mergetool.ToolFunc(func(ctx context.Context, job mergetool.Job) error {
	var v []byte
	if job.Transcode() {
		v = []byte(fmt.Sprintf("mp3@%d:", job.AudioBitrate))
	} else {
		var err error
		if v, err = os.ReadFile(job.VideoPath); err != nil {
			return err
		}
	}
	a, err := os.ReadFile(job.AudioPath)
	if err != nil {
		return err
	}
	return os.WriteFile(job.OutputPath, append(v, a...), 0o600)
})

type harness struct {
	m        *Merger
	metrics  *metrics.Metrics
	reg      *session.Registry
	temp     *tempstore.Store
	reclaims chan session.ID
	upstream *httptest.Server
}

func newHarness(t *testing.T, handler http.Handler, tool mergetool.Tool, cfg Config, maxBytes int64) *harness {
	t.Helper()
	if handler == nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/video", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(videoBytes) })
		mux.HandleFunc("/audio", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(audioBytes) })
		handler = mux
	}
	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)

	temp, err := tempstore.New(t.TempDir(), maxBytes)
	require.NoError(t, err)
	if tool == nil {
		tool = concatTool
	}
	h := &harness{
		metrics:  metrics.New(),
		reg:      session.NewRegistry(),
		temp:     temp,
		reclaims: make(chan session.ID, 16),
		upstream: upstream,
	}
	h.m = New(Deps{
		Registry: h.reg,
		Temp:     temp,
		Relay:    relay.New(upstream.Client(), relay.MinChunkSize, logger.Discard(), nil),
		Tool:     tool,
		Logger:   logger.Discard(),
		Metrics:  h.metrics,
		Reclaim:  func(id session.ID) { h.reclaims <- id },
	}, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.m.Close(ctx)
	})
	return h
}

func (h *harness) selection() media.Selection {
	return media.Pair(
		media.Descriptor{FormatID: "137", Container: "mp4", Height: 1080, HasVideo: true, RequiresMerge: true, UpstreamURL: h.upstream.URL + "/video", ApproxSize: int64(len(videoBytes)), Title: "Clip"},
		media.Descriptor{FormatID: "140", Container: "m4a", HasAudio: true, RequiresMerge: true, UpstreamURL: h.upstream.URL + "/audio", ApproxSize: int64(len(audioBytes))},
	)
}

func waitState(t *testing.T, h *harness, id session.ID, want session.State) session.Snapshot {
	t.Helper()
	var snap session.Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = h.m.Poll(id)
		return err == nil && snap.State == want
	}, 5*time.Second, 2*time.Millisecond, "session never reached %s (last %s)", want, snap.State)
	return snap
}

func TestMerger_FullScenario(t *testing.T) {
	h := newHarness(t, nil, nil, Config{}, 0)
	sel := h.selection()
	require.Equal(t, media.MergeAndPurge, sel.Kind())

	id, err := h.m.Begin(context.Background(), sel)
	require.NoError(t, err)

	var seen []session.State
	require.Eventually(t, func() bool {
		snap, err := h.m.Poll(id)
		if err != nil {
			return false
		}
		if len(seen) == 0 || seen[len(seen)-1] != snap.State {
			seen = append(seen, snap.State)
		}
		return snap.State == session.Ready
	}, 5*time.Second, time.Millisecond)
	order := map[session.State]int{session.Created: 0, session.Acquiring: 1, session.Merging: 2, session.Ready: 3}
	for i := 1; i < len(seen); i++ {
		assert.Less(t, order[seen[i-1]], order[seen[i]], "observed states regress: %v", seen)
	}

	var sink bytes.Buffer
	var got Artifact
	require.NoError(t, h.m.Serve(context.Background(), id, &sink, func(a Artifact) { got = a }))
	assert.Equal(t, append(append([]byte{}, videoBytes...), audioBytes...), sink.Bytes())
	assert.Equal(t, "Clip.mp4", got.Filename)
	assert.Equal(t, "mp4", got.Container)
	assert.EqualValues(t, sink.Len(), got.Size)

	snap, err := h.m.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, session.Completed, snap.State)
	require.NotNil(t, snap.TotalBytes)
	assert.Equal(t, *snap.TotalBytes, snap.BytesTransferred)
	assert.Equal(t, id, <-h.reclaims)

	err = h.m.Serve(context.Background(), id, io.Discard, nil)
	assert.ErrorIs(t, err, ErrGone, "an artifact is served once")
}

func TestMerger_MergeToolFailure(t *testing.T) {
	tool := mergetool.ToolFunc(func(context.Context, mergetool.Job) error {
		return fmt.Errorf("%w: exit status 1", media.ErrMergeFailed)
	})
	h := newHarness(t, nil, tool, Config{}, 0)

	id, err := h.m.Begin(context.Background(), h.selection())
	require.NoError(t, err)
	snap := waitState(t, h, id, session.Failed)
	assert.Equal(t, media.KindMergeFailed, snap.Failure)
	assert.Equal(t, id, <-h.reclaims)

	_, err = os.Stat(h.temp.Root() + "/" + string(id) + "/output.mp4")
	assert.True(t, os.IsNotExist(err), "no artifact is published after a failed merge")
}

func TestMerger_UnclassifiedToolErrorIsMergeFailed(t *testing.T) {
	tool := mergetool.ToolFunc(func(context.Context, mergetool.Job) error { return errors.New("exec: not found") })
	h := newHarness(t, nil, tool, Config{}, 0)
	id, err := h.m.Begin(context.Background(), h.selection())
	require.NoError(t, err)
	snap := waitState(t, h, id, session.Failed)
	assert.Equal(t, media.KindMergeFailed, snap.Failure)
}

func TestMerger_SiblingFailureCancelsOtherFetch(t *testing.T) {
	videoStopped := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/video", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(videoBytes[:relay.MinChunkSize])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(videoStopped)
	})
	mux.HandleFunc("/audio", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		http.NotFound(w, r)
	})
	h := newHarness(t, mux, nil, Config{}, 0)

	id, err := h.m.Begin(context.Background(), h.selection())
	require.NoError(t, err)
	snap := waitState(t, h, id, session.Failed)
	assert.Equal(t, media.KindNotFound, snap.Failure)

	select {
	case <-videoStopped:
	case <-time.After(5 * time.Second):
		t.Fatal("video fetch was not cancelled")
	}
}

type brokenSink struct{ writes int }

func (b *brokenSink) Write(p []byte) (int, error) {
	if b.writes > 0 {
		return 0, errors.New("connection reset by peer")
	}
	b.writes++
	return len(p), nil
}

func TestMerger_DisconnectDuringServing(t *testing.T) {
	h := newHarness(t, nil, nil, Config{}, 0)
	id, err := h.m.Begin(context.Background(), h.selection())
	require.NoError(t, err)
	waitState(t, h, id, session.Ready)

	err = h.m.Serve(context.Background(), id, &brokenSink{}, nil)
	assert.ErrorIs(t, err, media.ErrCancelled)

	snap, err := h.m.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, session.Cancelled, snap.State)
	assert.Equal(t, id, <-h.reclaims)
}

func TestMerger_ServeBeforeReady(t *testing.T) {
	gate := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/video", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-gate:
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("/audio", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(audioBytes) })
	h := newHarness(t, mux, nil, Config{}, 0)
	defer close(gate)

	id, err := h.m.Begin(context.Background(), h.selection())
	require.NoError(t, err)
	waitState(t, h, id, session.Acquiring)

	err = h.m.Serve(context.Background(), id, io.Discard, nil)
	assert.ErrorIs(t, err, ErrNotReady)

	err = h.m.Serve(context.Background(), session.ID("missing"), io.Discard, nil)
	assert.ErrorIs(t, err, session.ErrNotFound)

	require.NoError(t, h.m.Cancel(id))
	snap := waitState(t, h, id, session.Cancelled)
	assert.Equal(t, media.KindCancelled, snap.Failure)
	assert.ErrorIs(t, h.m.Cancel(id), ErrGone)
}

func TestMerger_SessionCeiling(t *testing.T) {
	gate := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/video", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-gate:
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("/audio", func(w http.ResponseWriter, r *http.Request) {})
	h := newHarness(t, mux, nil, Config{MaxSessions: 1}, 0)
	defer close(gate)

	first, err := h.m.Begin(context.Background(), h.selection())
	require.NoError(t, err)
	_, err = h.m.Begin(context.Background(), h.selection())
	assert.ErrorIs(t, err, media.ErrResourceExhausted)
	assert.Equal(t, 1, h.m.InFlight())

	require.NoError(t, h.m.Cancel(first))
	waitState(t, h, first, session.Cancelled)
	_, err = h.m.Begin(context.Background(), h.selection())
	assert.NoError(t, err, "a terminal session frees its slot")
}

func TestMerger_TempCapacity(t *testing.T) {
	h := newHarness(t, nil, nil, Config{MaxSessions: 1}, 1024)
	_, err := h.m.Begin(context.Background(), h.selection())
	assert.ErrorIs(t, err, media.ErrResourceExhausted)
	assert.Zero(t, h.reg.Len(), "a rejected begin leaves no session behind")
	_, err = h.m.Begin(context.Background(), h.selection())
	assert.ErrorIs(t, err, media.ErrResourceExhausted)
	assert.NotContains(t, err.Error(), "sessions in flight", "the slot was released")

	scrape := scrapeMetrics(h.metrics)
	assert.NotContains(t, scrape, "mg_sessions_started_total", "a rejected begin starts no session")
	assert.NotContains(t, scrape, "mg_sessions_finished_total", "a rejected begin finishes no session")
}

func TestMerger_StartedAndFinishedCountersMatch(t *testing.T) {
	h := newHarness(t, nil, nil, Config{}, 0)
	id, err := h.m.Begin(context.Background(), h.selection())
	require.NoError(t, err)
	waitState(t, h, id, session.Ready)
	require.NoError(t, h.m.Serve(context.Background(), id, io.Discard, nil))
	<-h.reclaims

	scrape := scrapeMetrics(h.metrics)
	assert.Contains(t, scrape, `mg_sessions_started_total{pipeline="merge"} 1`)
	assert.Contains(t, scrape, `mg_sessions_finished_total{failure="",pipeline="merge",state="completed"} 1`)
}

func TestMerger_TranscodeToMP3(t *testing.T) {
	h := newHarness(t, nil, nil, Config{}, 0)
	audio := media.Descriptor{FormatID: "251", Container: "webm", HasAudio: true, RequiresMerge: true, UpstreamURL: h.upstream.URL + "/audio", ApproxSize: int64(len(audioBytes)), Title: "Song"}
	sel := media.TranscodeMP3(audio, 192)
	require.Equal(t, media.MergeAndPurge, sel.Kind())

	id, err := h.m.Begin(context.Background(), sel)
	require.NoError(t, err)
	waitState(t, h, id, session.Ready)

	var sink bytes.Buffer
	var got Artifact
	require.NoError(t, h.m.Serve(context.Background(), id, &sink, func(a Artifact) { got = a }))
	assert.Equal(t, "mp3@192:"+string(audioBytes), sink.String())
	assert.Equal(t, "Song.mp3", got.Filename)
	assert.Equal(t, "mp3", got.Container)

	entries, err := os.ReadDir(h.temp.Root() + "/" + string(id))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "video."), "a transcode fetches no video track")
	}
}

func TestMerger_RejectsDirectSelection(t *testing.T) {
	h := newHarness(t, nil, nil, Config{}, 0)
	_, err := h.m.Begin(context.Background(), media.Single(media.Descriptor{FormatID: "22", HasVideo: true, HasAudio: true}))
	assert.ErrorIs(t, err, media.ErrNotFound)
	assert.ErrorIs(t, err, ErrDirectSelection)

	_, err = h.m.Begin(context.Background(), media.Single(media.Descriptor{FormatID: "140", HasAudio: true, RequiresMerge: true}))
	assert.ErrorIs(t, err, ErrDirectSelection, "native audio is relayed, not merged")
}

func scrapeMetrics(m *metrics.Metrics) string {
	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}
