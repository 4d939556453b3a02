package media

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidSource is returned for empty or unparseable source URLs.
var ErrInvalidSource = fmt.Errorf("invalid source url: %w", ErrNotFound)

var errMissingVideoID = errors.New("could not extract video id")

// NormalizeSourceKey canonicalizes a source URL so that different spellings
// of the same media share one cache entry.
//
// YouTube URL shapes are reduced to https://www.youtube.com/watch?v={ID}:
//
//	http(s)://(www|m|music).youtube.com/watch?v={ID}
//	http(s)://(www|m).youtube.com/(v|embed|shorts|live)/{ID}
//	http(s)://youtu.be/{ID}
//
// Other URLs keep their path and query with a lowercased scheme and host and
// no fragment.
func NormalizeSourceKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidSource
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", ErrInvalidSource
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", ErrInvalidSource
	}

	host := strings.ToLower(u.Hostname())
	if isYouTubeHost(host) {
		id, err := youTubeID(host, u)
		if err != nil {
			return "", fmt.Errorf("%s: %v: %w", raw, err, ErrInvalidSource)
		}
		return "https://www.youtube.com/watch?v=" + id, nil
	}

	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

func isYouTubeHost(host string) bool {
	switch host {
	case "youtube.com", "www.youtube.com", "m.youtube.com", "music.youtube.com", "youtu.be":
		return true
	}
	return false
}

func youTubeID(host string, u *url.URL) (string, error) {
	var id string
	if host == "youtu.be" {
		id = strings.Trim(u.Path, "/")
	} else {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		switch {
		case len(parts) == 1 && (parts[0] == "watch" || parts[0] == "details"):
			id = u.Query().Get("v")
		case len(parts) >= 2 && (parts[0] == "v" || parts[0] == "embed" || parts[0] == "shorts" || parts[0] == "live"):
			id = parts[1]
		}
	}
	if id == "" || strings.ContainsAny(id, "/?&#") {
		return "", errMissingVideoID
	}
	return id, nil
}
