package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"media-gateway/internal/media"
	"media-gateway/internal/pipeline"
	"media-gateway/internal/platform/metrics"
	"media-gateway/internal/session"
)

const maxRequestBody = 16 << 10

// Handler exposes orchestrator HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics

	// EventInterval is the SSE progress cadence.
	EventInterval time.Duration
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m, EventInterval: 500 * time.Millisecond}
}

// Routes mounts the download API on r. Resolution endpoints are rate
// limited per client IP when limitPerMinute > 0.
func (h *Handler) Routes(r chi.Router, limitPerMinute int) {
	limited := func(next http.Handler) http.Handler { return next }
	if limitPerMinute > 0 {
		limited = httprate.Limit(limitPerMinute, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "too many requests", Kind: media.KindRateLimited})
			}),
		)
	}

	r.Get("/healthz", h.Health)
	r.With(limited).Get("/info", h.Info)
	r.Route("/downloads", func(r chi.Router) {
		r.With(limited).Post("/", h.StartDownload)
		r.Get("/", h.ListActive)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Poll)
			r.Delete("/", h.Cancel)
			r.Get("/events", h.Events)
			r.Get("/file", h.File)
		})
	})
}

// StartDownload handles POST /downloads.
// Body: { "url": "...", "quality": "1080", "progress": false }.
// Merge downloads answer 202 with a session id; direct downloads stream the
// file in the response.
func (h *Handler) StartDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.log.Debug("invalid download body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "url is required"})
		return
	}

	plan, err := h.svc.Plan(r.Context(), req)
	if err != nil {
		h.writeError(w, r, "plan download", err)
		return
	}

	if plan.Pipeline == media.MergeAndPurge {
		id, err := h.svc.BeginMerge(r.Context(), plan)
		if err != nil {
			h.writeError(w, r, "begin merge", err)
			return
		}
		w.Header().Set("Location", "/downloads/"+string(id))
		writeJSON(w, http.StatusAccepted, DownloadAccepted{SessionID: id, Pipeline: plan.Pipeline})
		return
	}

	var sess *session.Session
	if req.Progress {
		if sess, err = h.svc.OpenDirect(plan); err != nil {
			h.writeError(w, r, "open direct session", err)
			return
		}
	}

	d := plan.Selection.Primary()
	sink := &lazyHeaderWriter{w: w, onFirst: func(hdr http.Header) {
		hdr.Set("Content-Type", contentType(d.Container, d.AudioOnly()))
		hdr.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": plan.Filename}))
		hdr.Set("X-Pipeline", string(media.DirectPipe))
		if sess != nil {
			hdr.Set("X-Session-ID", string(sess.ID()))
		}
	}}
	n, err := h.svc.StreamDirect(r.Context(), plan, sink, sess)
	if err != nil {
		if !sink.started {
			h.writeError(w, r, "direct stream", err)
			return
		}
		h.log.Warn("direct stream ended early",
			slog.String("source_key", plan.SourceKey),
			slog.Int64("bytes", n),
			slog.String("failure", media.KindOf(err)),
		)
	}
}

// Poll handles GET /downloads/{id}.
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Poll(session.ID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, "poll", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Events handles GET /downloads/{id}/events as a Server-Sent Events stream
// of snapshots, ending after the first terminal one.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	id := session.ID(chi.URLParam(r, "id"))
	snap, err := h.svc.Poll(id)
	if err != nil {
		h.writeError(w, r, "events", err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(h.EventInterval)
	defer ticker.Stop()
	for {
		payload, _ := json.Marshal(snap)
		if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
		if snap.State.Terminal() {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
		if snap, err = h.svc.Poll(id); err != nil {
			return
		}
	}
}

// File handles GET /downloads/{id}/file.
func (h *Handler) File(w http.ResponseWriter, r *http.Request) {
	id := session.ID(chi.URLParam(r, "id"))
	started := false
	err := h.svc.Serve(r.Context(), id, w, func(a pipeline.Artifact) {
		started = true
		hdr := w.Header()
		hdr.Set("Content-Type", contentType(a.Container, false))
		hdr.Set("Content-Length", strconv.FormatInt(a.Size, 10))
		hdr.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename}))
		w.WriteHeader(http.StatusOK)
	})
	if err == nil {
		return
	}
	if !started {
		h.writeError(w, r, "serve", err)
		return
	}
	h.log.Info("artifact transfer interrupted",
		slog.String("session_id", string(id)),
		slog.String("failure", media.KindOf(err)),
	)
}

// Cancel handles DELETE /downloads/{id}.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := session.ID(chi.URLParam(r, "id"))
	if err := h.svc.Cancel(id); err != nil {
		h.writeError(w, r, "cancel", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListActive handles GET /downloads.
func (h *Handler) ListActive(w http.ResponseWriter, r *http.Request) {
	active := h.svc.Active()
	if active == nil {
		active = []session.Snapshot{}
	}
	writeJSON(w, http.StatusOK, ActiveResponse{Sessions: active, Count: len(active)})
}

// Info handles GET /info?url=.
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "url is required"})
		return
	}
	info, err := h.svc.Info(r.Context(), raw)
	if err != nil {
		h.writeError(w, r, "info", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := h.svc.Health(r.Context())
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrGone):
		return http.StatusGone
	case errors.Is(err, pipeline.ErrNotReady):
		return http.StatusConflict
	}
	switch media.KindOf(err) {
	case media.KindNotFound:
		return http.StatusNotFound
	case media.KindRateLimited:
		return http.StatusTooManyRequests
	case media.KindUpstreamUnavailable, media.KindUpstreamInterrupted:
		return http.StatusBadGateway
	case media.KindResourceExhausted:
		return http.StatusServiceUnavailable
	case media.KindCancelled:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	kind := media.KindOf(err)
	if errors.Is(err, session.ErrNotFound) {
		kind = media.KindNotFound
	}
	attrs := []any{slog.String("op", op), slog.Int("status", status), slog.String("error", err.Error())}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", attrs...)
	} else {
		h.log.Debug("request rejected", attrs...)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var containerTypes = map[string]string{
	"mp4":  "video/mp4",
	"webm": "video/webm",
	"mkv":  "video/x-matroska",
	"3gp":  "video/3gpp",
	"m4a":  "audio/mp4",
	"mp3":  "audio/mpeg",
}

func contentType(container string, audioOnly bool) string {
	if audioOnly && container == "webm" {
		return "audio/webm"
	}
	if ct, ok := containerTypes[container]; ok {
		return ct
	}
	return "application/octet-stream"
}

// lazyHeaderWriter sets response headers right before the first body byte,
// so a transfer that fails before any data can still answer with an error.
type lazyHeaderWriter struct {
	w       http.ResponseWriter
	onFirst func(http.Header)
	started bool
}

func (l *lazyHeaderWriter) Write(p []byte) (int, error) {
	if !l.started {
		l.started = true
		l.onFirst(l.w.Header())
		l.w.WriteHeader(http.StatusOK)
	}
	return l.w.Write(p)
}

func (l *lazyHeaderWriter) Flush() {
	if f, ok := l.w.(http.Flusher); ok && l.started {
		f.Flush()
	}
}
