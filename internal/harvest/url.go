package harvest

import (
	"net/url"
	"strings"
)

// FilenameFromURL extracts the last path segment of a URL, or "" when the
// path has no usable segment.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	path := u.Path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return ""
}

// HostFromURL extracts the lowercase host of a URL, or "" when unparseable.
func HostFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// HasExtension reports whether the URL path ends in the given extension,
// case-insensitively. The extension is given without a leading dot.
func HasExtension(rawURL, ext string) bool {
	suffix := "." + strings.ToLower(ext)
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.HasSuffix(strings.ToLower(rawURL), suffix)
	}
	return strings.HasSuffix(strings.ToLower(u.Path), suffix)
}
