package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// NameRegex matches viewer and stream names.
	NameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

	// SessionIDRegex matches ids produced by utils.GenerateSessionID.
	SessionIDRegex = regexp.MustCompile(`^viewer_[0-9a-f-]{36}$`)
)

// ValidateViewerName validates the name a viewer token is issued for
func ValidateViewerName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("viewer is required")
	}
	if err := ValidateStringLength(name, 2, 64, "viewer"); err != nil {
		return err
	}
	if !NameRegex.MatchString(name) {
		return fmt.Errorf("viewer contains invalid characters (only letters, numbers, _, -, . allowed)")
	}
	return nil
}

// ValidateStreamName validates the stream name used as the media stream id
func ValidateStreamName(name string) error {
	if name == "" {
		return fmt.Errorf("stream name is required")
	}
	if len(name) > 100 {
		return fmt.Errorf("stream name is too long (max 100 characters)")
	}
	if !NameRegex.MatchString(name) {
		return fmt.Errorf("invalid stream name format")
	}
	return nil
}

func ValidateSessionID(id string) error {
	if !SessionIDRegex.MatchString(id) {
		return fmt.Errorf("invalid session ID format")
	}
	return nil
}

// ValidateEndpoint validates an http(s) service endpoint
func ValidateEndpoint(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
