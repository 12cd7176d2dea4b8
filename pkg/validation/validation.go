package validation

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxUsernameLength bounds display names shown to other room members.
const MaxUsernameLength = 32

// ValidateUsername validates a display name chosen at join time
func ValidateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("username is required")
	}
	if !utf8.ValidString(username) {
		return fmt.Errorf("username contains invalid characters")
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return fmt.Errorf("username is too long (max %d characters)", MaxUsernameLength)
	}
	for _, r := range username {
		if unicode.IsControl(r) {
			return fmt.Errorf("username contains control characters")
		}
	}
	return nil
}

// ValidateRoomName checks that room is one of the catalog names
func ValidateRoomName(room string, catalog []string) error {
	if room == "" {
		return fmt.Errorf("room is required")
	}
	for _, name := range catalog {
		if name == room {
			return nil
		}
	}
	return fmt.Errorf("unknown room %q", room)
}

// ValidateCatalog checks a configured room list
func ValidateCatalog(catalog []string) error {
	if len(catalog) == 0 {
		return fmt.Errorf("at least one room is required")
	}
	seen := make(map[string]struct{}, len(catalog))
	for _, name := range catalog {
		if err := ValidateNonEmptyString(name, "room name"); err != nil {
			return err
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate room %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidatePortRange validates a UDP port range used for media
func ValidatePortRange(min, max uint16) error {
	if min == 0 || max == 0 {
		return fmt.Errorf("port range bounds must be non-zero")
	}
	if min > max {
		return fmt.Errorf("port range min %d is above max %d", min, max)
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
