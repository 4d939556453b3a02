package orchestrator

import (
	"media-gateway/internal/media"
	"media-gateway/internal/session"
)

// DownloadRequest is the body of POST /downloads.
type DownloadRequest struct {
	URL     string `json:"url"`
	Quality string `json:"quality"`
	// Progress asks for a pollable session on direct downloads too.
	Progress bool `json:"progress"`
}

// DownloadAccepted is returned for downloads that run in the background.
type DownloadAccepted struct {
	SessionID session.ID         `json:"session_id"`
	Pipeline  media.PipelineKind `json:"pipeline"`
}

// Plan is a resolved download: the tracks to deliver and how.
type Plan struct {
	SourceKey string
	Selection media.Selection
	Pipeline  media.PipelineKind
	Filename  string
}

// InfoResponse is returned by GET /info.
type InfoResponse struct {
	SourceKey         string                `json:"source_key"`
	Title             string                `json:"title"`
	Thumbnail         string                `json:"thumbnail,omitempty"`
	Duration          int64                 `json:"duration"`
	DurationFormatted string                `json:"duration_formatted"`
	Options           []media.QualityOption `json:"options"`
}

// ActiveResponse lists in-flight sessions.
type ActiveResponse struct {
	Sessions []session.Snapshot `json:"sessions"`
	Count    int                `json:"count"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status         string `json:"status"`
	MergeTool      string `json:"merge_tool"`
	MergeToolError string `json:"merge_tool_error,omitempty"`
	ActiveSessions int    `json:"active_sessions"`
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
