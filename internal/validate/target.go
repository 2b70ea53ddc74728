package validate

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Target validation errors
var (
	ErrInvalidTarget   = errors.New("target is neither an IP address nor a hashed identifier")
	ErrInvalidDuration = errors.New("invalid block duration")
	ErrInvalidFormat   = errors.New("unsupported export format")
)

// hashedIdentifierLen is the hex length of an HMAC-SHA-512 identifier.
const hashedIdentifierLen = 128

// maxBlockDurationHours caps temporary blocks at one year. Zero means
// permanent.
const maxBlockDurationHours = 24 * 365

// IsHashedIdentifier reports whether s looks like an already-hashed
// identifier: exactly 128 lowercase hex characters.
func IsHashedIdentifier(s string) bool {
	if len(s) != hashedIdentifierLen {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// BlockTarget validates the target of a block, unblock, or log lookup.
// Accepts a raw IP address or a pre-hashed identifier, returning the
// trimmed value.
func BlockTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", ErrEmpty
	}
	if IsHashedIdentifier(target) {
		return target, nil
	}
	if net.ParseIP(target) != nil {
		return target, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTarget, target)
}

// DurationHours validates a block duration in hours. Zero is permanent;
// negative or longer than a year is rejected.
func DurationHours(hours int) error {
	if hours < 0 {
		return fmt.Errorf("%w: cannot be negative", ErrInvalidDuration)
	}
	if hours > maxBlockDurationHours {
		return fmt.Errorf("%w: exceeds %d hours", ErrInvalidDuration, maxBlockDurationHours)
	}
	return nil
}

// ExportFormat validates and normalizes an export format name.
func ExportFormat(format string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(format))
	switch normalized {
	case "csv", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}
}
