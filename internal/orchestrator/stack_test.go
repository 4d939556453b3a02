package orchestrator

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"media-gateway/internal/media"
	"media-gateway/internal/mergetool"
	"media-gateway/internal/metacache"
	"media-gateway/internal/pipeline"
	"media-gateway/internal/platform/logger"
	"media-gateway/internal/relay"
	"media-gateway/internal/session"
	"media-gateway/internal/tempstore"
)

var (
	muxedBytes = bytes.Repeat([]byte("m"), 90<<10)
	videoBytes = bytes.Repeat([]byte("v"), 120<<10)
	audioBytes = bytes.Repeat([]byte("a"), 40<<10)
)

// testStack wires the whole download path against a local upstream and a
// fake extraction engine.
type testStack struct {
	svc      *Service
	handler  *Handler
	router   *chi.Mux
	reg      *session.Registry
	merger   *pipeline.Merger
	upstream *httptest.Server
	calls    atomic.Int32
	// failures is the number of leading engine calls that fail transiently.
	failures atomic.Int32
	gate     chan struct{}
}

type stackOptions struct {
	rateLimit int
	gateVideo bool
	prober    Prober
	// resolveTimeout bounds each engine call; slowCalls leading calls block
	// until it expires.
	resolveTimeout time.Duration
	slowCalls      int32
}

func newTestStack(t *testing.T, opts stackOptions) *testStack {
	t.Helper()
	st := &testStack{gate: make(chan struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc("/muxed", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(muxedBytes) })
	mux.HandleFunc("/video", func(w http.ResponseWriter, r *http.Request) {
		if opts.gateVideo {
			select {
			case <-st.gate:
			case <-r.Context().Done():
				return
			}
		}
		_, _ = w.Write(videoBytes)
	})
	mux.HandleFunc("/audio", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(audioBytes) })
	st.upstream = httptest.NewServer(mux)
	t.Cleanup(st.upstream.Close)
	if opts.gateVideo {
		t.Cleanup(func() { close(st.gate) })
	}

	engine := media.EngineFunc(func(ctx context.Context, key string) ([]media.Descriptor, error) {
		n := st.calls.Add(1)
		if n <= opts.slowCalls {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if n <= st.failures.Load() {
			return nil, media.ErrUpstreamUnavailable
		}
		if key != "https://www.youtube.com/watch?v=dQw4w9WgXcQ" {
			return nil, media.ErrNotFound
		}
		base := st.upstream.URL
		return []media.Descriptor{
			{FormatID: "22", Container: "mp4", Height: 720, HasVideo: true, HasAudio: true, UpstreamURL: base + "/muxed", ApproxSize: int64(len(muxedBytes)), Title: "Song", Duration: 213 * time.Second, Thumbnail: "https://i.ytimg.com/vi/dQw4w9WgXcQ/maxresdefault.jpg"},
			{FormatID: "137", Container: "mp4", Height: 1080, HasVideo: true, RequiresMerge: true, UpstreamURL: base + "/video", ApproxSize: int64(len(videoBytes)), Title: "Song"},
			{FormatID: "140", Container: "m4a", Bitrate: 128000, HasAudio: true, RequiresMerge: true, UpstreamURL: base + "/audio", ApproxSize: int64(len(audioBytes)), Title: "Song"},
		}, nil
	})

	log := logger.Discard()
	temp, err := tempstore.New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("tempstore: %v", err)
	}
	st.reg = session.NewRegistry()
	streamer := relay.New(st.upstream.Client(), relay.MinChunkSize, log, nil)
	concat := mergetool.ToolFunc(func(ctx context.Context, job mergetool.Job) error {
		var v []byte
		if !job.Transcode() {
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
	st.merger = pipeline.New(pipeline.Deps{
		Registry: st.reg,
		Temp:     temp,
		Relay:    streamer,
		Tool:     concat,
		Logger:   log,
	}, pipeline.Config{ProgressInterval: time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.merger.Close(ctx)
	})

	st.svc = NewService(Deps{
		Resolver:         metacache.New(engine, metacache.NewMemoryStore(), metacache.Config{ResolveTimeout: opts.resolveTimeout}, log, nil),
		Merger:           st.merger,
		Streamer:         streamer,
		Registry:         st.reg,
		Prober:           opts.prober,
		Logger:           log,
		Retry:            Retry{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
		ProgressInterval: time.Millisecond,
	})
	st.handler = NewHandler(st.svc, log, nil)
	st.handler.EventInterval = 5 * time.Millisecond
	st.router = chi.NewRouter()
	st.handler.Routes(st.router, opts.rateLimit)
	return st
}

const testURL = "https://youtu.be/dQw4w9WgXcQ"

func (st *testStack) waitState(t *testing.T, id session.ID, want session.State) session.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := st.svc.Poll(id)
		if err == nil && snap.State == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s never reached %s (last %s, err %v)", id, want, snap.State, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
