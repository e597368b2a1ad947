package storage

import (
	"net/url"
	stdpath "path"
	"strings"
)

// indexName stands in for a request path that ends at a directory.
const indexName = "index"

// hostSegment makes a host[:port] usable as one directory name.
func hostSegment(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	r := strings.NewReplacer(":", "_", "/", "_", `\`, "_")
	host = r.Replace(host)
	if host == "" || host == "." || host == ".." {
		return "_"
	}
	return host
}

// pathSegments turns a URL path (query ignored) into clean relative segments.
// "/" and paths ending in "/" map onto the index file.
func pathSegments(rawPath string) string {
	if u, err := url.Parse(rawPath); err == nil && u.Path != "" {
		rawPath = u.Path
	} else if before, _, ok := strings.Cut(rawPath, "?"); ok {
		rawPath = before
	}
	if rawPath == "" || strings.HasSuffix(rawPath, "/") {
		rawPath += indexName
	}
	// Cleaning a rooted path drops any ".." that would climb past it.
	clean := stdpath.Clean("/" + rawPath)
	return strings.TrimPrefix(clean, "/")
}
