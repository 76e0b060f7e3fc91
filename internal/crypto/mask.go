package crypto

// RedactionMarker is the fixed-width placeholder shown in place of hidden
// secret material.
const RedactionMarker = "********"

// Mask returns a display-safe rendering of a secret value. Values of 12
// characters or fewer are fully redacted; longer values show the first 8 and
// last 4 characters around the marker. Lengths and slices are in runes, not
// bytes, so multibyte values are never partially revealed or cut
// mid-sequence. Display only — the result is never persisted.
func Mask(plaintext string) string {
	runes := []rune(plaintext)
	if len(runes) <= 12 {
		return RedactionMarker
	}
	return string(runes[:8]) + RedactionMarker + string(runes[len(runes)-4:])
}
