// Package masking redacts caller-supplied identifiers before they reach the
// audit trail.
package masking

import (
	"strings"
	"unicode"
)

const (
	maskToken     = "****"
	keptTailRunes = 3
	maxSchemeLen  = 16
)

// Actor masks an actor header that could not be parsed. A short alphabetic
// "scheme:" prefix survives; the remainder keeps only its last few runes.
func Actor(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	scheme, rest := splitScheme(trimmed)
	tail := []rune(rest)
	if len(tail) <= keptTailRunes*2 {
		return scheme + maskToken
	}
	return scheme + maskToken + string(tail[len(tail)-keptTailRunes:])
}

func splitScheme(value string) (string, string) {
	idx := strings.IndexByte(value, ':')
	if idx <= 0 || idx > maxSchemeLen || idx == len(value)-1 {
		return "", value
	}
	for _, r := range value[:idx] {
		if !unicode.IsLetter(r) && r != '_' && r != '-' {
			return "", value
		}
	}
	return strings.ToLower(value[:idx+1]), value[idx+1:]
}
