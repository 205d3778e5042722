package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// ParticipantIDRegex allows the characters of user handles and emails.
	// "|" is excluded because it separates the ids of a session key.
	ParticipantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@+\-]+$`)
)

const maxParticipantIDLength = 128

// ValidateParticipantID validates a participant identifier
func ValidateParticipantID(id string) error {
	if id == "" {
		return fmt.Errorf("participant ID is required")
	}
	if len(id) > maxParticipantIDLength {
		return fmt.Errorf("participant ID is too long (max %d characters)", maxParticipantIDLength)
	}
	if !ParticipantIDRegex.MatchString(id) {
		return fmt.Errorf("invalid participant ID format")
	}
	return nil
}

// ValidateCallerName validates the display name sent with an offer
func ValidateCallerName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("caller name contains invalid characters")
	}
	return ValidateStringLength(name, 0, 100, "caller name")
}

// ValidateURL validates URL format
func ValidateURL(urlStr string, schemes ...string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if len(schemes) == 0 {
		schemes = []string{"http", "https", "ws", "wss"}
	}
	allowed := false
	for _, s := range schemes {
		if u.Scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid URL scheme (must be %s)", strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEServerURL validates a STUN or TURN server URL
func ValidateICEServerURL(raw string) error {
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok || rest == "" {
		return fmt.Errorf("invalid ICE server URL %q", raw)
	}
	switch scheme {
	case "stun", "stuns", "turn", "turns":
		return nil
	default:
		return fmt.Errorf("invalid ICE server scheme %q (must be stun, stuns, turn, or turns)", scheme)
	}
}

// ValidatePortRange validates a UDP port range; 0/0 means unrestricted
func ValidatePortRange(min, max uint16) error {
	if min == 0 && max == 0 {
		return nil
	}
	if min == 0 || max == 0 || min > max {
		return fmt.Errorf("invalid port range %d-%d", min, max)
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
