// Package relay moves media bytes from an upstream URL (or a local artifact)
// to a sink in fixed-size chunks without reading ahead of the sink.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"media-gateway/internal/media"
	"media-gateway/internal/platform/metrics"
	"media-gateway/internal/session"
)

// Chunk window bounds.
const (
	DefaultChunkSize = 256 << 10
	MinChunkSize     = 64 << 10
	MaxChunkSize     = 1 << 20
)

// ClampChunk returns n bounded to [MinChunkSize, MaxChunkSize], or the
// default when n is not positive.
func ClampChunk(n int) int {
	switch {
	case n <= 0:
		return DefaultChunkSize
	case n < MinChunkSize:
		return MinChunkSize
	case n > MaxChunkSize:
		return MaxChunkSize
	}
	return n
}

// Options carries the optional side channels of one transfer.
type Options struct {
	// Reporter receives byte counts on a throttled cadence.
	Reporter *session.Reporter
	// Session is touched on every sink write to record client activity.
	Session *session.Session
	// Pipeline labels the relayed-bytes metric.
	Pipeline media.PipelineKind
}

// Streamer relays bytes through a shared HTTP client.
type Streamer struct {
	client  *http.Client
	chunk   int
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New returns a Streamer. A nil client gets a transport without an overall
// timeout, since transfers are bounded by their contexts.
func New(client *http.Client, chunkSize int, log *slog.Logger, m *metrics.Metrics) *Streamer {
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
		}}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Streamer{client: client, chunk: ClampChunk(chunkSize), log: log, metrics: m}
}

// ChunkSize returns the effective chunk window.
func (s *Streamer) ChunkSize() int { return s.chunk }

// Stream relays the descriptor's upstream bytes to sink. It returns the
// number of bytes written to sink. Failures are classified: upstream status
// errors as NotFound, RateLimited or UpstreamUnavailable; a body that breaks
// mid-transfer as UpstreamInterrupted; a failing sink or ended ctx as
// Cancelled.
func (s *Streamer) Stream(ctx context.Context, d media.Descriptor, sink io.Writer, opts Options) (int64, error) {
	body, err := s.open(ctx, d)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	if opts.Pipeline == "" {
		opts.Pipeline = media.DirectPipe
	}
	n, err := s.pump(ctx, body, sink, opts, media.ErrUpstreamInterrupted)
	if err != nil {
		s.log.Debug("relay stopped",
			slog.String("format_id", d.FormatID),
			slog.Int64("bytes", n),
			slog.String("error", err.Error()),
		)
		return n, fmt.Errorf("stream format %s: %w", d.FormatID, err)
	}
	return n, nil
}

// Fetch downloads the descriptor into w, used to acquire tracks into temp
// files. Progress goes to rep.
func (s *Streamer) Fetch(ctx context.Context, d media.Descriptor, w io.Writer, rep *session.Reporter) (int64, error) {
	body, err := s.open(ctx, d)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	n, err := s.pump(ctx, body, w, Options{Reporter: rep, Pipeline: media.MergeAndPurge}, media.ErrUpstreamInterrupted)
	if err != nil {
		return n, fmt.Errorf("fetch format %s: %w", d.FormatID, err)
	}
	return n, nil
}

// Copy relays a local source (a merged artifact) to sink with the same
// chunked loop as Stream.
func (s *Streamer) Copy(ctx context.Context, src io.Reader, sink io.Writer, opts Options) (int64, error) {
	return s.pump(ctx, src, sink, opts, errReadArtifact)
}

var errReadArtifact = errors.New("read artifact")

func (s *Streamer) open(ctx context.Context, d media.Descriptor) (io.ReadCloser, error) {
	if d.UpstreamURL == "" {
		return nil, fmt.Errorf("format %s has no upstream url: %w", d.FormatID, media.ErrNotFound)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.UpstreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", media.ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", media.ErrUpstreamUnavailable, err)
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, fmt.Errorf("upstream status %d: %w", resp.StatusCode, err)
	}
	return resp.Body, nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return media.ErrNotFound
	case code == http.StatusForbidden || code == http.StatusTooManyRequests:
		return media.ErrRateLimited
	default:
		return media.ErrUpstreamUnavailable
	}
}

// pump is the synchronous read-then-write loop. The next read is only issued
// after the previous chunk was accepted by dst.
func (s *Streamer) pump(ctx context.Context, src io.Reader, dst io.Writer, opts Options, srcErr error) (int64, error) {
	defer opts.Reporter.Flush()

	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, s.chunk)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("%w: %w", media.ErrCancelled, err)
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
				opts.Reporter.Add(int64(nw))
				s.metrics.AddBytesRelayed(string(opts.Pipeline), int64(nw))
			}
			if werr == nil && nw < nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, fmt.Errorf("%w: write sink: %v", media.ErrCancelled, werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
			if opts.Session != nil {
				opts.Session.Touch()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			if err := ctx.Err(); err != nil {
				return written, fmt.Errorf("%w: %w", media.ErrCancelled, err)
			}
			return written, fmt.Errorf("%w: %v", srcErr, rerr)
		}
	}
}
