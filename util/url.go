package util

import (
	"errors"
	"net/url"
	"path"
	"strings"
)

var (
	ErrNoFilename = errors.New("cannot extract valid filename")
)

func FilenameFromURL(url *url.URL) (string, error) {
	if url == nil {
		return "", ErrNoFilename
	}
	path := strings.Trim(url.Path, "/")
	if path == "" {
		return "", ErrNoFilename
	}
	pathElements := strings.Split(path, "/")
	filename := pathElements[len(pathElements)-1]
	if filename == "" {
		return "", ErrNoFilename
	}
	// Don't allow "filenames" that are just ".", "..", etc.
	if strings.ReplaceAll(filename, ".", "") == "" {
		return "", ErrNoFilename
	}
	return filename, nil
}

func FilenameFromURLString(s string) (string, error) {
	if parsedURL, err := url.Parse(s); err != nil {
		return "", err
	} else {
		return FilenameFromURL(parsedURL)
	}
}

// ExtensionFromURLString returns the extension (including the dot) of the filename in the URL path, or fallback if
// there is no usable filename or extension.
func ExtensionFromURLString(s string, fallback string) string {
	filename, err := FilenameFromURLString(s)
	if err != nil {
		return fallback
	}
	ext := path.Ext(filename)
	if ext == "" || ext == "." {
		return fallback
	}
	return strings.ToLower(ext)
}

// StripQuery returns the URL without its query string and fragment.
func StripQuery(s string) string {
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		return s[:i]
	}
	return s
}

// ResolveReference makes ref absolute relative to base, returning ref unchanged if either fails to parse.
func ResolveReference(base string, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}
