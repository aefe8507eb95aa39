package utils

import (
	"net/url"
	"strings"
	"unicode"
)

// SanitizeString removes control characters (keeping newlines and tabs) and trims.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// MaskSensitive keeps the first visibleChars characters and stars the rest.
func MaskSensitive(s string, visibleChars int) string {
	if len(s) <= visibleChars {
		return strings.Repeat("*", len(s))
	}
	return s[:visibleChars] + strings.Repeat("*", len(s)-visibleChars)
}

// RedactURL hides userinfo, the query and the last path segment (usually the
// stream key) of a relay destination URL so it can be logged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return MaskSensitive(raw, 8)
	}

	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	if u.User != nil {
		b.WriteString("***@")
	}
	b.WriteString(u.Host)

	path := u.Path
	if i := strings.LastIndex(path, "/"); i >= 0 && i < len(path)-1 {
		path = path[:i+1] + MaskSensitive(path[i+1:], 2)
	}
	b.WriteString(path)

	if u.RawQuery != "" {
		b.WriteString("?***")
	}
	return b.String()
}
