// Package media holds the resolved stream model shared by every pipeline:
// descriptors, the pipeline selector, quality selection and the error
// taxonomy surfaced to callers.
package media

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Descriptor is one downloadable quality/format option of a source.
// Descriptors are immutable once resolved.
type Descriptor struct {
	FormatID      string    `json:"format_id"`
	Container     string    `json:"container"`
	Height        int       `json:"height,omitempty"`
	Bitrate       int       `json:"bitrate,omitempty"`
	ApproxSize    int64     `json:"approx_size,omitempty"`
	UpstreamURL   string    `json:"upstream_url"`
	RequiresMerge bool      `json:"requires_merge"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`

	Title      string        `json:"title,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Thumbnail  string        `json:"thumbnail,omitempty"`
	HasVideo   bool          `json:"has_video"`
	HasAudio   bool          `json:"has_audio"`
	VideoCodec string        `json:"video_codec,omitempty"`
	AudioCodec string        `json:"audio_codec,omitempty"`
}

// AudioOnly reports whether the descriptor carries no video track.
func (d Descriptor) AudioOnly() bool {
	return d.HasAudio && !d.HasVideo
}

// Muxed reports whether the descriptor is a single container with both tracks.
func (d Descriptor) Muxed() bool {
	return d.HasAudio && d.HasVideo && !d.RequiresMerge
}

// Expired reports whether the upstream URL has passed its expiry.
// A zero ExpiresAt never expires.
func (d Descriptor) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt)
}

// Engine is the extraction collaborator that turns a source key into the
// descriptors available for it. Implementations must honour ctx deadlines and
// classify failures with ErrNotFound, ErrUpstreamUnavailable or ErrRateLimited.
type Engine interface {
	Resolve(ctx context.Context, sourceKey string) ([]Descriptor, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, sourceKey string) ([]Descriptor, error)

// Resolve implements Engine.
func (f EngineFunc) Resolve(ctx context.Context, sourceKey string) ([]Descriptor, error) {
	return f(ctx, sourceKey)
}

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// maxFilenameBytes bounds the stem of an attachment name.
const maxFilenameBytes = 120

// Filename builds the attachment name offered to the client.
func Filename(title, ext string) string {
	name := strings.TrimSpace(invalidFilenameChars.ReplaceAllString(title, ""))
	if name == "" {
		name = "download"
	}
	if len(name) > maxFilenameBytes {
		cut := maxFilenameBytes
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = strings.TrimSpace(name[:cut])
	}
	if ext == "" {
		return name
	}
	return name + "." + ext
}
