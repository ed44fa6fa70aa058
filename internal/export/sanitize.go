package export

import (
	"strings"
	"unicode"
)

// SanitizeCode maps an invoice code to a file-name-safe form: letters, digits
// and "-_." are kept, anything else becomes "_". Surrounding whitespace is
// trimmed first.
func SanitizeCode(code string) string {
	return mapRunes(strings.TrimSpace(code), "-_.")
}

// SanitizeFolder maps a free-text folder name (client, year) to a safe form:
// letters, digits, spaces and "-_()." are kept, anything else becomes "_".
// The result is trimmed, so an all-blank name sanitizes to "".
//
// Periods and parentheses are valid on common filesystems but may be rejected
// by stricter targets.
func SanitizeFolder(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return strings.TrimSpace(mapRunes(name, " -_()."))
}

func mapRunes(s, allowed string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(allowed, r) {
			return r
		}
		return '_'
	}, s)
}

// validSegment rejects names that would not name a child directory.
func validSegment(s string) bool {
	return s != "" && s != "." && s != ".."
}
