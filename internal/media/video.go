package media

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

const youtubePrefix = "youtube:"

var youtubeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// Query parameters that never change which video a URL points to.
var volatileParams = map[string]bool{
	"t":            true,
	"si":           true,
	"feature":      true,
	"list":         true,
	"index":        true,
	"pp":           true,
	"ab_channel":   true,
	"fbclid":       true,
	"gclid":        true,
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
}

// CanonicalKey derives the identity of a video from its URL.
//
// YouTube links in any of their shapes (watch, youtu.be, shorts, embed, live
// or a bare id) map to "youtube:<id>". Other URLs map to host and path with
// the remaining query parameters sorted, so reordering a query string yields
// the same key.
func CanonicalKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("video url is empty")
	}
	if strings.HasPrefix(raw, youtubePrefix) && youtubeIDPattern.MatchString(strings.TrimPrefix(raw, youtubePrefix)) {
		return raw, nil
	}
	if youtubeIDPattern.MatchString(raw) {
		return youtubePrefix + raw, nil
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid video url %q: %w", raw, err)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	if host == "" {
		return "", fmt.Errorf("invalid video url %q: missing host", raw)
	}

	if id, ok := youtubeID(host, u); ok {
		return youtubePrefix + id, nil
	}

	path := strings.TrimRight(u.EscapedPath(), "/")
	query := u.Query()
	keys := make([]string, 0, len(query))
	for k := range query {
		if !volatileParams[strings.ToLower(k)] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(host)
	b.WriteString(path)
	for i, k := range keys {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		values := append([]string(nil), query[k]...)
		sort.Strings(values)
		for j, v := range values {
			if j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k) + "=" + url.QueryEscape(v))
		}
	}
	return b.String(), nil
}

func youtubeID(host string, u *url.URL) (string, bool) {
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	var id string
	switch host {
	case "youtu.be":
		id = segments[0]
	case "youtube.com", "music.youtube.com", "youtube-nocookie.com":
		switch segments[0] {
		case "watch":
			id = u.Query().Get("v")
		case "shorts", "embed", "live", "v":
			if len(segments) > 1 {
				id = segments[1]
			}
		}
	default:
		return "", false
	}
	if !youtubeIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

// YouTubeID returns the video id of a "youtube:" key.
func YouTubeID(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, youtubePrefix)
	return id, ok && youtubeIDPattern.MatchString(id)
}

// ThumbnailURL returns the default thumbnail of a video key, if one is known.
func ThumbnailURL(key string) string {
	id, ok := YouTubeID(key)
	if !ok {
		return ""
	}
	return "https://i.ytimg.com/vi/" + id + "/hqdefault.jpg"
}
