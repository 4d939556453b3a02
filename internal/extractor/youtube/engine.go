// Package youtube resolves YouTube source keys into media descriptors.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kkdai/youtube/v2"

	"media-gateway/internal/media"
)

// Engine implements media.Engine over the kkdai client.
type Engine struct {
	client *youtube.Client
	log    *slog.Logger
}

// New returns an Engine. A nil httpClient uses http.DefaultClient.
func New(httpClient *http.Client, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{client: &youtube.Client{HTTPClient: httpClient}, log: log}
}

// Resolve fetches the video's metadata and returns one descriptor per
// format with a usable stream URL.
func (e *Engine) Resolve(ctx context.Context, sourceKey string) ([]media.Descriptor, error) {
	video, err := e.client.GetVideoContext(ctx, sourceKey)
	if err != nil {
		return nil, fmt.Errorf("fetch video metadata: %w", classify(ctx, err))
	}

	src := sourceFields(video)
	descs := make([]media.Descriptor, 0, len(video.Formats))
	for i := range video.Formats {
		f := &video.Formats[i]
		streamURL, err := e.client.GetStreamURLContext(ctx, video, f)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("fetch stream url: %w", classify(ctx, err))
			}
			e.log.Debug("format skipped",
				slog.String("video_id", video.ID),
				slog.Int("itag", f.ItagNo),
				slog.String("error", err.Error()),
			)
			continue
		}
		descs = append(descs, descriptorFromFormat(*f, streamURL, src))
	}
	if len(descs) == 0 {
		return nil, fmt.Errorf("video %s has no downloadable formats: %w", video.ID, media.ErrNotFound)
	}
	return descs, nil
}

// classify maps a library error onto the media error taxonomy. An expired
// deadline is an unavailable upstream; a cancelled context stays as is.
func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", media.ErrUpstreamUnavailable, ctxErr)
		}
		return ctxErr
	}
	switch {
	case errors.Is(err, youtube.ErrVideoPrivate),
		errors.Is(err, youtube.ErrLoginRequired),
		errors.Is(err, youtube.ErrNotPlayableInEmbed),
		errors.Is(err, youtube.ErrInvalidCharactersInVideoID),
		errors.Is(err, youtube.ErrVideoIDMinLength):
		return fmt.Errorf("%w: %v", media.ErrNotFound, err)
	}

	var playability youtube.ErrPlayabiltyStatus
	if errors.As(err, &playability) {
		return fmt.Errorf("%w: %v", media.ErrNotFound, err)
	}

	var status youtube.ErrUnexpectedStatusCode
	if errors.As(err, &status) {
		return fmt.Errorf("%w: %v", statusKind(int(status)), err)
	}
	return fmt.Errorf("%w: %v", media.ErrUpstreamUnavailable, err)
}

func statusKind(code int) error {
	switch code {
	case http.StatusNotFound, http.StatusGone:
		return media.ErrNotFound
	case http.StatusForbidden, http.StatusTooManyRequests:
		return media.ErrRateLimited
	}
	return media.ErrUpstreamUnavailable
}

// sourceFields returns the per-source fields every descriptor of video shares.
func sourceFields(video *youtube.Video) media.Descriptor {
	d := media.Descriptor{Title: video.Title, Duration: video.Duration}
	var best *youtube.Thumbnail
	for i := range video.Thumbnails {
		t := &video.Thumbnails[i]
		if best == nil || t.Width*t.Height > best.Width*best.Height {
			best = t
		}
	}
	if best != nil {
		d.Thumbnail = best.URL
	}
	return d
}

// descriptorFromFormat maps one library format onto a descriptor, starting
// from the source fields in src.
func descriptorFromFormat(f youtube.Format, streamURL string, src media.Descriptor) media.Descriptor {
	kind, container, codecs := parseMime(f.MimeType)

	hasVideo := kind == "video"
	hasAudio := kind == "audio" || f.AudioChannels > 0
	d := src
	d.FormatID = strconv.Itoa(f.ItagNo)
	d.Container = container
	d.Height = f.Height
	d.Bitrate = f.Bitrate
	d.ApproxSize = approxSize(f)
	d.UpstreamURL = streamURL
	d.RequiresMerge = !(hasVideo && hasAudio)
	d.ExpiresAt = expiry(streamURL)
	d.HasVideo = hasVideo
	d.HasAudio = hasAudio
	switch {
	case hasVideo && len(codecs) > 1:
		d.VideoCodec, d.AudioCodec = codecs[0], codecs[1]
	case hasVideo && len(codecs) == 1:
		d.VideoCodec = codecs[0]
	case len(codecs) > 0:
		d.AudioCodec = codecs[0]
	}
	return d
}

// parseMime splits `video/mp4; codecs="avc1.4d401f, mp4a.40.2"` into its
// media kind, the container name used for files, and the codec list.
func parseMime(raw string) (kind, container string, codecs []string) {
	mt, params, err := mime.ParseMediaType(raw)
	if err != nil {
		mt, _, _ = strings.Cut(raw, ";")
		mt = strings.TrimSpace(mt)
	}
	kind, sub, _ := strings.Cut(mt, "/")
	switch {
	case kind == "audio" && sub == "mp4":
		container = "m4a"
	case sub == "3gpp":
		container = "3gp"
	default:
		container = sub
	}
	for _, c := range strings.Split(params["codecs"], ",") {
		if c = strings.TrimSpace(c); c != "" {
			codecs = append(codecs, c)
		}
	}
	return kind, container, codecs
}

func approxSize(f youtube.Format) int64 {
	if f.ContentLength > 0 {
		return int64(f.ContentLength)
	}
	ms, err := strconv.ParseInt(f.ApproxDurationMs, 10, 64)
	if err != nil || ms <= 0 || f.Bitrate <= 0 {
		return 0
	}
	return int64(f.Bitrate) * ms / 8000
}

// expiry reads the unix `expire` query parameter of a signed stream URL.
func expiry(streamURL string) time.Time {
	u, err := url.Parse(streamURL)
	if err != nil {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(u.Query().Get("expire"), 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
