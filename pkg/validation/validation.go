package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"squadx/pkg/utils"
)

var (
	// IDRegex validates session, participant and destination ids.
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	joinCodeRegex = regexp.MustCompile(`^[` + utils.JoinCodeAlphabet + `]{` + fmt.Sprint(utils.JoinCodeLength) + `}$`)
)

// ValidateID validates an opaque identifier.
func ValidateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > 100 {
		return fmt.Errorf("%s is too long (max 100 characters)", fieldName)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateDisplayName validates a participant display name.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("display name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	if utf8.RuneCountInString(name) > 64 {
		return fmt.Errorf("display name is too long (max 64 characters)")
	}
	return nil
}

// ValidateJoinCode validates an already normalized join code.
func ValidateJoinCode(code string) error {
	if code == "" {
		return fmt.Errorf("join code is required")
	}
	if !joinCodeRegex.MatchString(code) {
		return fmt.Errorf("invalid join code format")
	}
	return nil
}

// ValidateServiceURL validates the URL of an HTTP or websocket collaborator.
func ValidateServiceURL(urlStr string) error {
	return validateURL(urlStr, "http", "https", "ws", "wss")
}

// ValidateRelayURL validates a live relay destination URL.
func ValidateRelayURL(urlStr string) error {
	return validateURL(urlStr, "rtmp", "rtmps", "srt")
}

func validateURL(urlStr string, schemes ...string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid URL scheme %q (must be one of %s)", u.Scheme, strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateBitrate validates a bitrate in kbps.
func ValidateBitrate(kbps int, fieldName string) error {
	if kbps < 64 {
		return fmt.Errorf("%s must be at least 64 kbps", fieldName)
	}
	if kbps > 50000 {
		return fmt.Errorf("%s is too high (max 50000 kbps)", fieldName)
	}
	return nil
}

// ValidateRange validates that v lies within [min, max].
func ValidateRange(v, min, max int, fieldName string) error {
	if v < min || v > max {
		return fmt.Errorf("%s must be between %d and %d", fieldName, min, max)
	}
	return nil
}
