package media

// PipelineKind identifies the delivery pipeline for a download.
type PipelineKind string

const (
	// DirectPipe relays upstream bytes straight to the client.
	DirectPipe PipelineKind = "direct"
	// MergeAndPurge acquires separate tracks, merges them, serves the
	// result and purges the temp resource.
	MergeAndPurge PipelineKind = "merge"
)

// Select decides the pipeline for a single chosen descriptor: DirectPipe iff
// it is audio-only or needs no merge, otherwise MergeAndPurge.
func Select(d Descriptor) PipelineKind {
	if d.AudioOnly() || !d.RequiresMerge {
		return DirectPipe
	}
	return MergeAndPurge
}

// Selection is the outcome of quality selection: a single descriptor, a
// video track paired with an audio track, or an audio track to re-encode.
type Selection struct {
	Video *Descriptor
	Audio *Descriptor
	// MP3Bitrate, in kbit/s, asks for the audio track to be re-encoded to
	// MP3. Zero keeps the native encoding.
	MP3Bitrate int
}

// Single returns a Selection for one descriptor.
func Single(d Descriptor) Selection {
	if d.AudioOnly() {
		return Selection{Audio: &d}
	}
	return Selection{Video: &d}
}

// Pair returns a Selection for separate video and audio tracks.
func Pair(video, audio Descriptor) Selection {
	return Selection{Video: &video, Audio: &audio}
}

// TranscodeMP3 returns a Selection that re-encodes audio to MP3 at kbps.
func TranscodeMP3(audio Descriptor, kbps int) Selection {
	return Selection{Audio: &audio, MP3Bitrate: kbps}
}

// Transcodes reports whether the selection re-encodes its audio track.
func (s Selection) Transcodes() bool {
	return s.MP3Bitrate > 0 && s.Audio != nil
}

// IsPair reports whether both tracks are present.
func (s Selection) IsPair() bool {
	return s.Video != nil && s.Audio != nil
}

// Primary returns the descriptor a single-track selection streams.
func (s Selection) Primary() Descriptor {
	if s.Video != nil {
		return *s.Video
	}
	if s.Audio != nil {
		return *s.Audio
	}
	return Descriptor{}
}

// Kind returns the pipeline for the selection. Pairs and transcodes need the
// merge tool and a temp resource; everything else is relayed directly.
func (s Selection) Kind() PipelineKind {
	if s.IsPair() || s.Transcodes() {
		return MergeAndPurge
	}
	return Select(s.Primary())
}

// ApproxSize sums the approximate sizes of the selected source tracks.
func (s Selection) ApproxSize() int64 {
	var n int64
	if s.Video != nil {
		n += s.Video.ApproxSize
	}
	if s.Audio != nil {
		n += s.Audio.ApproxSize
	}
	return n
}

// Title returns the source title carried by the selection.
func (s Selection) Title() string {
	if s.Video != nil && s.Video.Title != "" {
		return s.Video.Title
	}
	if s.Audio != nil {
		return s.Audio.Title
	}
	return ""
}

// OutputContainer picks the container of the delivered file. Pairs keep a
// shared container (mp4+m4a, webm+webm) and fall back to matroska otherwise.
func (s Selection) OutputContainer() string {
	if s.Transcodes() {
		return "mp3"
	}
	if !s.IsPair() {
		return s.Primary().Container
	}
	v, a := s.Video.Container, s.Audio.Container
	switch {
	case v == "mp4" && (a == "m4a" || a == "mp4"):
		return "mp4"
	case v == "webm" && a == "webm":
		return "webm"
	}
	return "mkv"
}
