package media

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Choose maps a quality selector to a Selection.
//
// Accepted selectors: an exact format id, "audio"/"bestaudio" for the best
// native audio track, "m4a" for the best native m4a track, "mp3" and
// "mp3-320"/"mp3-192"/"mp3-128" for the best audio re-encoded to MP3, a
// height such as "1080" or "1080p", and "best" or "". Height and best
// selectors prefer a separate video track paired with container-matched
// audio and fall back to muxed formats.
func Choose(descs []Descriptor, quality string) (Selection, error) {
	q := strings.ToLower(strings.TrimSpace(quality))

	for _, d := range descs {
		if d.FormatID != "" && d.FormatID == quality {
			if d.HasVideo && !d.HasAudio {
				if a, ok := bestAudio(descs, d.Container); ok {
					return Pair(d, a), nil
				}
				return Selection{}, fmt.Errorf("format %s: no audio track to pair: %w", quality, ErrNotFound)
			}
			return Single(d), nil
		}
	}

	switch {
	case q == "audio" || q == "bestaudio":
		if a, ok := bestAudio(descs, ""); ok {
			return Single(a), nil
		}
		return Selection{}, fmt.Errorf("no audio format: %w", ErrNotFound)
	case q == "m4a":
		if a, ok := bestAudio(descs, "mp4"); ok && a.Container == "m4a" {
			return Single(a), nil
		}
		return Selection{}, fmt.Errorf("no m4a audio format: %w", ErrNotFound)
	case q == "mp3" || strings.HasPrefix(q, "mp3-"):
		kbps, ok := mp3Bitrates[q]
		if !ok {
			return Selection{}, fmt.Errorf("unknown mp3 quality %q: %w", quality, ErrNotFound)
		}
		if a, ok := bestAudio(descs, ""); ok {
			return TranscodeMP3(a, kbps), nil
		}
		return Selection{}, fmt.Errorf("no audio format to encode: %w", ErrNotFound)
	case q == "" || q == "best":
		return chooseByHeight(descs, 0)
	}

	h, err := strconv.Atoi(strings.TrimSuffix(q, "p"))
	if err != nil || h <= 0 {
		return Selection{}, fmt.Errorf("unknown quality %q: %w", quality, ErrNotFound)
	}
	return chooseByHeight(descs, h)
}

// mp3Bitrates maps the MP3 selectors onto their encoder bitrate in kbit/s.
var mp3Bitrates = map[string]int{
	"mp3":     320,
	"mp3-320": 320,
	"mp3-192": 192,
	"mp3-128": 128,
}

// mp3Size estimates the encoded size of d at kbps, falling back to the
// source size when the duration is unknown.
func mp3Size(d Descriptor, kbps int) int64 {
	if d.Duration <= 0 {
		return d.ApproxSize
	}
	return int64(d.Duration.Seconds() * float64(kbps) * 1000 / 8)
}

// chooseByHeight picks the best video at or below maxHeight; 0 means no cap.
func chooseByHeight(descs []Descriptor, maxHeight int) (Selection, error) {
	fits := func(d Descriptor) bool { return maxHeight == 0 || d.Height <= maxHeight }

	var video *Descriptor
	for i := range descs {
		d := descs[i]
		if !d.HasVideo || d.HasAudio || !fits(d) {
			continue
		}
		if video == nil || betterVideo(d, *video) {
			video = &descs[i]
		}
	}

	var muxed *Descriptor
	for i := range descs {
		d := descs[i]
		if !d.Muxed() || !fits(d) {
			continue
		}
		if muxed == nil || betterVideo(d, *muxed) {
			muxed = &descs[i]
		}
	}

	if video != nil && (muxed == nil || video.Height > muxed.Height) {
		if a, ok := bestAudio(descs, video.Container); ok {
			return Pair(*video, a), nil
		}
	}
	if muxed != nil {
		return Single(*muxed), nil
	}
	if maxHeight > 0 {
		return Selection{}, fmt.Errorf("no format at or below %dp: %w", maxHeight, ErrNotFound)
	}
	return Selection{}, fmt.Errorf("no playable format: %w", ErrNotFound)
}

// betterVideo orders by height, then mp4 over other containers, then bitrate.
func betterVideo(a, b Descriptor) bool {
	if a.Height != b.Height {
		return a.Height > b.Height
	}
	if (a.Container == "mp4") != (b.Container == "mp4") {
		return a.Container == "mp4"
	}
	return a.Bitrate > b.Bitrate
}

// bestAudio returns the highest-bitrate audio-only descriptor, preferring one
// whose container muxes cleanly with videoContainer.
func bestAudio(descs []Descriptor, videoContainer string) (Descriptor, bool) {
	want := ""
	switch videoContainer {
	case "mp4":
		want = "m4a"
	case "webm":
		want = "webm"
	}
	var best, bestMatch *Descriptor
	for i := range descs {
		d := &descs[i]
		if !d.AudioOnly() {
			continue
		}
		if best == nil || d.Bitrate > best.Bitrate {
			best = d
		}
		if want != "" && d.Container == want && (bestMatch == nil || d.Bitrate > bestMatch.Bitrate) {
			bestMatch = d
		}
	}
	if bestMatch != nil {
		return *bestMatch, true
	}
	if best != nil {
		return *best, true
	}
	return Descriptor{}, false
}

// QualityOption is a user-facing choice derived from resolved descriptors.
type QualityOption struct {
	Value    string       `json:"value"`
	Label    string       `json:"label"`
	Pipeline PipelineKind `json:"pipeline"`
	Size     int64        `json:"approx_size,omitempty"`
}

// Options lists one option per distinct video height (highest first), a
// best-audio option and the MP3 encodings. Labels carry a human-readable
// size estimate when known.
func Options(descs []Descriptor) []QualityOption {
	heights := map[int]bool{}
	for _, d := range descs {
		if d.HasVideo && d.Height > 0 {
			heights[d.Height] = true
		}
	}
	sorted := make([]int, 0, len(heights))
	for h := range heights {
		sorted = append(sorted, h)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	opts := make([]QualityOption, 0, len(sorted)+1)
	for _, h := range sorted {
		sel, err := chooseByHeight(descs, h)
		if err != nil || sel.Primary().Height != h {
			continue
		}
		opts = append(opts, QualityOption{
			Value:    strconv.Itoa(h),
			Label:    labelWithSize(heightLabel(h), sel.ApproxSize()),
			Pipeline: sel.Kind(),
			Size:     sel.ApproxSize(),
		})
	}
	if a, ok := bestAudio(descs, ""); ok {
		opts = append(opts, QualityOption{
			Value:    "audio",
			Label:    labelWithSize("Audio only ("+a.Container+")", a.ApproxSize),
			Pipeline: DirectPipe,
			Size:     a.ApproxSize,
		})
		for _, kbps := range []int{320, 192, 128} {
			size := mp3Size(a, kbps)
			opts = append(opts, QualityOption{
				Value:    fmt.Sprintf("mp3-%d", kbps),
				Label:    labelWithSize(fmt.Sprintf("MP3 %dkbps", kbps), size),
				Pipeline: MergeAndPurge,
				Size:     size,
			})
		}
	}
	return opts
}

func heightLabel(h int) string {
	switch {
	case h >= 2160:
		return fmt.Sprintf("4K (%dp)", h)
	case h >= 1440:
		return fmt.Sprintf("2K (%dp)", h)
	case h >= 1080:
		return fmt.Sprintf("Full HD (%dp)", h)
	case h >= 720:
		return fmt.Sprintf("HD (%dp)", h)
	}
	return fmt.Sprintf("%dp", h)
}

func labelWithSize(label string, size int64) string {
	if size <= 0 {
		return label
	}
	return label + " • ~" + humanize.IBytes(uint64(size))
}
