package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"media-gateway/internal/media"
	"media-gateway/internal/pipeline"
	"media-gateway/internal/platform/metrics"
	"media-gateway/internal/relay"
	"media-gateway/internal/session"
)

// Resolver turns a normalized source key into descriptors. The metadata
// cache implements it.
type Resolver interface {
	Resolve(ctx context.Context, sourceKey string) ([]media.Descriptor, error)
}

// Prober reports the merge tool version.
type Prober interface {
	Version(ctx context.Context) (string, error)
}

// Retry bounds call-site retries of transient resolution failures.
type Retry struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetry is used for zero Retry fields.
var DefaultRetry = Retry{MaxTries: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 4 * time.Second}

// Deps are the collaborators of a Service.
type Deps struct {
	Resolver Resolver
	Merger   *pipeline.Merger
	Streamer *relay.Streamer
	Registry *session.Registry
	Prober   Prober
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	Retry            Retry
	ProgressInterval time.Duration
}

// Service ties resolution, pipeline selection and both pipelines together.
type Service struct {
	resolver Resolver
	merger   *pipeline.Merger
	streamer *relay.Streamer
	reg      *session.Registry
	prober   Prober
	log      *slog.Logger
	metrics  *metrics.Metrics
	retry    Retry
	interval time.Duration
}

// NewService returns a Service over deps.
func NewService(deps Deps) *Service {
	r := deps.Retry
	if r.MaxTries == 0 {
		r.MaxTries = DefaultRetry.MaxTries
	}
	if r.InitialInterval <= 0 {
		r.InitialInterval = DefaultRetry.InitialInterval
	}
	if r.MaxInterval <= 0 {
		r.MaxInterval = DefaultRetry.MaxInterval
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		resolver: deps.Resolver,
		merger:   deps.Merger,
		streamer: deps.Streamer,
		reg:      deps.Registry,
		prober:   deps.Prober,
		log:      deps.Logger,
		metrics:  deps.Metrics,
		retry:    r,
		interval: deps.ProgressInterval,
	}
}

// resolve normalizes rawURL and resolves it, retrying transient failures
// with exponential backoff. NotFound and other permanent failures are
// returned at once.
func (s *Service) resolve(ctx context.Context, rawURL string) (string, []media.Descriptor, error) {
	key, err := media.NormalizeSourceKey(rawURL)
	if err != nil {
		return "", nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval
	b.MaxInterval = s.retry.MaxInterval

	attempt := 0
	descs, err := backoff.Retry(ctx, func() ([]media.Descriptor, error) {
		attempt++
		descs, err := s.resolver.Resolve(ctx, key)
		if err == nil {
			return descs, nil
		}
		if !media.Transient(err) {
			return nil, backoff.Permanent(err)
		}
		s.log.Info("transient resolve failure",
			slog.String("source_key", key),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return nil, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.retry.MaxTries))
	if err != nil {
		return key, nil, err
	}
	return key, descs, nil
}

// Info resolves rawURL and lists its quality options.
func (s *Service) Info(ctx context.Context, rawURL string) (InfoResponse, error) {
	key, descs, err := s.resolve(ctx, rawURL)
	if err != nil {
		return InfoResponse{}, err
	}
	info := InfoResponse{SourceKey: key, Options: media.Options(descs)}
	for _, d := range descs {
		if info.Title == "" {
			info.Title = d.Title
		}
		if info.Thumbnail == "" {
			info.Thumbnail = d.Thumbnail
		}
		if d.Duration > 0 && info.Duration == 0 {
			info.Duration = int64(d.Duration / time.Second)
		}
	}
	info.DurationFormatted = formatDuration(info.Duration)
	return info, nil
}

// formatDuration renders seconds as MM:SS, or HH:MM:SS from one hour on.
func formatDuration(seconds int64) string {
	if seconds <= 0 {
		return "00:00"
	}
	h, m, s := seconds/3600, seconds%3600/60, seconds%60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// Plan resolves req and chooses the tracks and pipeline for it.
func (s *Service) Plan(ctx context.Context, req DownloadRequest) (Plan, error) {
	key, descs, err := s.resolve(ctx, req.URL)
	if err != nil {
		return Plan{}, err
	}
	sel, err := media.Choose(descs, req.Quality)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		SourceKey: key,
		Selection: sel,
		Pipeline:  sel.Kind(),
		Filename:  media.Filename(sel.Title(), sel.OutputContainer()),
	}, nil
}

// BeginMerge starts a Merge-and-Purge session for plan.
func (s *Service) BeginMerge(ctx context.Context, plan Plan) (session.ID, error) {
	return s.merger.Begin(ctx, plan.Selection)
}

// OpenDirect registers a lightweight session for a direct transfer whose
// progress the client wants to poll.
func (s *Service) OpenDirect(plan Plan) (*session.Session, error) {
	sess, err := s.reg.Create(media.DirectPipe)
	if err != nil {
		return nil, err
	}
	d := plan.Selection.Primary()
	if d.ApproxSize > 0 {
		sess.SetTotal(d.ApproxSize)
	} else {
		sess.SetTotal(-1)
	}
	sess.SetFilename(plan.Filename)
	return sess, nil
}

// StreamDirect relays plan's single descriptor to sink. sess may be nil;
// when set it moves Created -> Serving -> Completed, or to Cancelled or
// Failed when the transfer stops early.
func (s *Service) StreamDirect(ctx context.Context, plan Plan, sink io.Writer, sess *session.Session) (int64, error) {
	d := plan.Selection.Primary()
	s.metrics.SessionStarted(string(media.DirectPipe))

	var rep *session.Reporter
	if sess != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		sess.Bind(cancel)

		done, err := sess.BeginWork()
		if err != nil {
			return 0, fmt.Errorf("direct session %s: %w", sess.ID(), pipeline.ErrGone)
		}
		defer done()
		if err := sess.Transition(session.Serving); err != nil {
			return 0, fmt.Errorf("direct session %s: %w", sess.ID(), pipeline.ErrGone)
		}
		rep = session.NewReporter(sess, s.interval)
	}

	n, err := s.streamer.Stream(ctx, d, sink, relay.Options{Reporter: rep, Session: sess, Pipeline: media.DirectPipe})

	state := session.Completed
	switch {
	case err == nil:
		if sess != nil {
			_ = sess.Transition(session.Completed)
		}
	case media.KindOf(err) == media.KindCancelled:
		state = session.Cancelled
		if sess != nil {
			sess.Cancel(err)
		}
	default:
		state = session.Failed
		if sess != nil {
			sess.Fail(err)
		}
	}
	s.metrics.SessionFinished(string(media.DirectPipe), string(state), media.KindOf(err))
	return n, err
}

// Poll returns the session snapshot and counts as client activity.
func (s *Service) Poll(id session.ID) (session.Snapshot, error) {
	return s.merger.Poll(id)
}

// Serve streams a Ready session's artifact to sink.
func (s *Service) Serve(ctx context.Context, id session.ID, sink io.Writer, start func(pipeline.Artifact)) error {
	return s.merger.Serve(ctx, id, sink, start)
}

// Cancel stops a session.
func (s *Service) Cancel(id session.ID) error {
	return s.merger.Cancel(id)
}

// Active lists non-terminal sessions, oldest first.
func (s *Service) Active() []session.Snapshot {
	return s.reg.Active()
}

// Health probes the merge tool.
func (s *Service) Health(ctx context.Context) HealthResponse {
	resp := HealthResponse{Status: "ok", ActiveSessions: s.reg.ActiveCount()}
	if s.prober == nil {
		resp.MergeTool = "unknown"
		return resp
	}
	v, err := s.prober.Version(ctx)
	if err != nil {
		resp.Status = "degraded"
		resp.MergeTool = "unavailable"
		resp.MergeToolError = err.Error()
		return resp
	}
	resp.MergeTool = v
	return resp
}
