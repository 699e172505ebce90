package http

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// JoinPath joins URL path segments with forward slashes, whatever separator
// the segments were written with. The result has no leading or trailing slash.
func JoinPath(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ReplaceAll(p, "\\", "/")
		p = strings.Trim(p, "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		return ""
	}
	return strings.Trim(path.Join(cleaned...), "/")
}

// PathAndQuery strips scheme and host from an absolute URL, keeping the
// escaped path and raw query as sent by the server
func PathAndQuery(rawURL string) (string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("error parsing URL: %w", err)
	}
	return parsedURL.RequestURI(), nil
}

// EscapeResource percent-encodes the characters of a relative resource that
// may not appear unescaped in a request URI, such as spaces and double
// quotes. The path and query are escaped separately at the first '?', so
// OData delimiters like $, &, = and ' pass through. Existing %XX escapes are
// kept as they are.
func EscapeResource(resource string) string {
	resourcePath, query, hasQuery := strings.Cut(resource, "?")
	resourcePath = escapeExcept(resourcePath, isPathChar)
	if !hasQuery {
		return resourcePath
	}
	return resourcePath + "?" + escapeExcept(query, isQueryChar)
}

func escapeExcept(s string, allowed func(byte) bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b.WriteByte(c)
		case allowed(c):
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// isPathChar reports whether c is a pchar or '/' as defined by RFC 3986
func isPathChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-._~!$&'()*+,;=:@/", c) >= 0
}

func isQueryChar(c byte) bool {
	return c == '?' || isPathChar(c)
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}
