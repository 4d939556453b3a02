// Package mergetool wraps the external tool that combines one video track and
// one audio track into a single container, or re-encodes a lone audio track.
package mergetool

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"media-gateway/internal/media"
)

// Job describes one merge. A job without VideoPath re-encodes AudioPath to
// MP3 at AudioBitrate kbit/s.
type Job struct {
	VideoPath  string
	AudioPath  string
	OutputPath string
	// Container is the output container: mp4, webm, mkv or mp3.
	Container    string
	AudioBitrate int
}

// Transcode reports whether the job re-encodes audio instead of muxing.
func (j Job) Transcode() bool {
	return j.VideoPath == ""
}

// Tool merges tracks. Merge must return an error wrapping
// media.ErrMergeFailed on a non-zero exit or timeout, and must leave no
// process running once it returns.
type Tool interface {
	Merge(ctx context.Context, job Job) error
}

// ToolFunc adapts a function to Tool.
type ToolFunc func(ctx context.Context, job Job) error

// Merge calls f.
func (f ToolFunc) Merge(ctx context.Context, job Job) error { return f(ctx, job) }

// Merge timeout model: a fixed floor plus time proportional to size.
const (
	timeoutFloor   = 30 * time.Second
	bytesPerSecond = 20 << 20
)

// Timeout returns the deadline for merging size bytes, capped by max.
func Timeout(size int64, max time.Duration) time.Duration {
	d := timeoutFloor
	if size > 0 {
		d += time.Duration(size/bytesPerSecond) * time.Second
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

// DefaultGrace is how long a cancelled merge gets between SIGTERM and SIGKILL.
const DefaultGrace = 3 * time.Second

// FFmpeg runs ffmpeg as the merge tool. The process runs in its own process
// group so cancellation also reaps any children.
type FFmpeg struct {
	Path   string
	Grace  time.Duration
	Logger *slog.Logger
}

// NewFFmpeg returns an FFmpeg tool at path ("ffmpeg" when empty).
func NewFFmpeg(path string, log *slog.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if log == nil {
		log = slog.Default()
	}
	return &FFmpeg{Path: path, Grace: DefaultGrace, Logger: log}
}

var formats = map[string]string{
	"mp4":  "mp4",
	"m4a":  "mp4",
	"webm": "webm",
	"mkv":  "matroska",
	"mp3":  "mp3",
}

// DefaultAudioBitrate is used for transcode jobs without a bitrate.
const DefaultAudioBitrate = 320

// Args returns the ffmpeg argument list for job. Merges copy streams and
// never re-encode; transcodes drop any video and encode audio with LAME.
func Args(job Job) []string {
	if job.Transcode() {
		kbps := job.AudioBitrate
		if kbps <= 0 {
			kbps = DefaultAudioBitrate
		}
		return []string{
			"-hide_banner", "-nostdin", "-loglevel", "error", "-y",
			"-i", job.AudioPath,
			"-vn", "-map", "0:a:0",
			"-c:a", "libmp3lame", "-b:a", fmt.Sprintf("%dk", kbps),
			"-f", "mp3", job.OutputPath,
		}
	}
	format, ok := formats[job.Container]
	if !ok {
		format = "matroska"
	}
	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "error", "-y",
		"-i", job.VideoPath,
		"-i", job.AudioPath,
		"-map", "0:v:0", "-map", "1:a:0",
		"-c", "copy",
	}
	if format == "mp4" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, "-f", format, job.OutputPath)
}

// Merge runs ffmpeg for job.
func (f *FFmpeg) Merge(ctx context.Context, job Job) error {
	if job.AudioPath == "" || job.OutputPath == "" {
		return fmt.Errorf("incomplete merge job: %w", media.ErrMergeFailed)
	}

	stderr := &tailBuffer{max: 4 << 10}
	cmd := exec.CommandContext(ctx, f.Path, Args(job)...)
	cmd.Stderr = stderr
	exited := configure(cmd, f.grace())

	start := time.Now()
	err := cmd.Run()
	exited()
	if err == nil {
		f.Logger.Debug("merge finished",
			slog.String("output", job.OutputPath),
			slog.Duration("took", time.Since(start)),
		)
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: timed out after %s", media.ErrMergeFailed, time.Since(start).Round(time.Millisecond))
		}
		return fmt.Errorf("merge: %w: %w", media.ErrCancelled, ctxErr)
	}
	if tail := stderr.String(); tail != "" {
		return fmt.Errorf("%w: %v: %s", media.ErrMergeFailed, err, tail)
	}
	return fmt.Errorf("%w: %v", media.ErrMergeFailed, err)
}

func (f *FFmpeg) grace() time.Duration {
	if f.Grace <= 0 {
		return DefaultGrace
	}
	return f.Grace
}

// Version returns the first line of `ffmpeg -version`, used as a health probe.
func (f *FFmpeg) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, f.Path, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", f.Path, err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

// String returns the last non-empty lines joined by "; ".
func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(t.buf))
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, "; ")
}
