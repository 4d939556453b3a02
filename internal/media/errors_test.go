package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("resolve: %w", ErrNotFound), KindNotFound},
		{fmt.Errorf("x: %w", ErrRateLimited), KindRateLimited},
		{ErrUpstreamInterrupted, KindUpstreamInterrupted},
		{fmt.Errorf("ffmpeg exit 1: %w", ErrMergeFailed), KindMergeFailed},
		{ErrResourceExhausted, KindResourceExhausted},
		{context.Canceled, KindCancelled},
		{context.DeadlineExceeded, KindUpstreamUnavailable},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestTransient(t *testing.T) {
	if !Transient(fmt.Errorf("a: %w", ErrUpstreamUnavailable)) || !Transient(ErrRateLimited) {
		t.Error("unavailable and rate limited should be transient")
	}
	if Transient(ErrNotFound) || Transient(ErrMergeFailed) {
		t.Error("not found and merge failed should not be transient")
	}
	if !Transient(fmt.Errorf("resolve: %w", context.DeadlineExceeded)) {
		t.Error("an expired resolve deadline should be transient")
	}
	if Transient(context.Canceled) || Transient(nil) {
		t.Error("cancellation and nil should not be transient")
	}
}

func TestFilename(t *testing.T) {
	if got := Filename(`A/B: "c"?`, "mp4"); got != "AB c.mp4" {
		t.Errorf("Filename = %q", got)
	}
	if got := Filename("   ", "m4a"); got != "download.m4a" {
		t.Errorf("Filename blank = %q", got)
	}
}

func TestFilename_truncatesOnRuneBoundary(t *testing.T) {
	title := strings.Repeat("a", 119) + "é…"
	got := Filename(title, "mp4")
	if !utf8.ValidString(got) {
		t.Fatalf("Filename produced invalid UTF-8: %q", got)
	}
	if want := strings.Repeat("a", 119) + ".mp4"; got != want {
		t.Errorf("Filename = %q, want %q", got, want)
	}

	long := strings.Repeat("日本", 50)
	got = Filename(long, "")
	if !utf8.ValidString(got) || len(got) > 120 {
		t.Errorf("Filename(%d bytes) = %d bytes, valid=%v", len(long), len(got), utf8.ValidString(got))
	}
}
