package vault

import (
	"fmt"
	"regexp"
	"strings"
)

var normalizedName = regexp.MustCompile(`^[A-Z0-9_]+$`)

// NormalizeName converts a raw secret name to the canonical form: upper-case
// letters, digits, and underscores (spaces and hyphens fold to underscores).
// Returns ErrInvalidName when the result is empty or contains other
// characters, e.g. "openai api-key" normalizes to "OPENAI_API_KEY".
func NormalizeName(raw string) (string, error) {
	name := strings.ToUpper(strings.TrimSpace(raw))
	name = strings.NewReplacer(" ", "_", "-", "_").Replace(name)
	if name == "" || !normalizedName.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, raw)
	}
	if len(name) > 128 {
		return "", fmt.Errorf("%w: %q exceeds 128 characters", ErrInvalidName, raw)
	}
	return name, nil
}

// validateCustomName checks a custom secret's display name: non-empty,
// printable, at most 64 characters. Custom names keep their caller-supplied
// form; only surrounding whitespace is trimmed.
func validateCustomName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if len(name) > 64 {
		return "", fmt.Errorf("%w: %q exceeds 64 characters", ErrInvalidName, name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control character in name", ErrInvalidName)
		}
	}
	return name, nil
}
