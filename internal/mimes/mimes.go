// Package mimes classifies media types for display decisions and sniffs
// unknown content.
package mimes

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// viewableApplication lists non-text/ types that are still rendered inline
// as text.
var viewableApplication = map[string]bool{
	"application/json":         true,
	"application/xml":          true,
	"application/xhtml+xml":    true,
	"application/javascript":   true,
	"application/ecmascript":   true,
	"application/sql":          true,
	"application/x-sh":         true,
	"application/x-yaml":       true,
	"application/graphql":      true,
	"application/ld+json":      true,
	"application/x-httpd-php":  true,
	"application/x-javascript": true,
	"image/svg+xml":            true,
}

// ViewableText reports whether content of the given media type is returned
// inline as text rather than as a reference URI.
func ViewableText(mediaType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	if strings.HasSuffix(mt, "+json") || strings.HasSuffix(mt, "+xml") {
		return true
	}
	return viewableApplication[mt]
}

// Detect sniffs the media type from the first bytes of content. It never
// returns an empty string; unrecognized data comes back as
// application/octet-stream.
func Detect(head []byte) string {
	return mimetype.Detect(head).String()
}
