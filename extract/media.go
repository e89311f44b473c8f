package extract

import (
	"strings"

	"github.com/alanbriolat/movie-archiver/generic"
	"github.com/alanbriolat/movie-archiver/util"
)

// MediaMatcher recognises intercepted response URLs that look like a media stream.
type MediaMatcher struct {
	Extensions   generic.Set[string]
	PathSegments []string
}

func NewMediaMatcher() MediaMatcher {
	return MediaMatcher{
		Extensions: generic.NewSet(
			".m3u8",
			".mp4",
			".ts",
		),
		PathSegments: []string{
			"/stream",
			"/playlist",
		},
	}
}

// Match tests a URL that has already had its query string removed. Matching ignores case.
func (m *MediaMatcher) Match(base string) bool {
	base = strings.ToLower(base)
	if base == "" || strings.HasPrefix(base, "data:") {
		return false
	}
	for _, ext := range m.Extensions.ToSlice() {
		if strings.Contains(base, ext) {
			return true
		}
	}
	for _, segment := range m.PathSegments {
		if strings.Contains(base, segment) {
			return true
		}
	}
	return false
}

var defaultMediaMatcher = NewMediaMatcher()

// IsMediaURL strips the query string from rawURL and reports whether what is left looks like media.
func IsMediaURL(rawURL string) bool {
	return defaultMediaMatcher.Match(util.StripQuery(rawURL))
}

// SelectMediaURL picks the media URL to store for a page: the first candidate, in sorted order, that contains every
// marker; failing that the player iframe src, made absolute against pageURL; failing that "".
func SelectMediaURL(candidates generic.Set[string], markers []string, iframeSrc string, pageURL string) string {
	for _, candidate := range generic.SortedSlice(candidates) {
		if containsAll(candidate, markers) {
			return candidate
		}
	}
	if iframeSrc = strings.TrimSpace(iframeSrc); iframeSrc != "" {
		return util.ResolveReference(pageURL, iframeSrc)
	}
	return ""
}

func containsAll(s string, markers []string) bool {
	for _, marker := range markers {
		if !strings.Contains(s, marker) {
			return false
		}
	}
	return true
}
