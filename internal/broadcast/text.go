package broadcast

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	maxTitleRunes       = 100
	maxDescriptionBytes = 5000
)

var angleBrackets = strings.NewReplacer("<", "", ">", "")

// NormalizeTitle returns a title the remote API accepts: NFC normalized,
// without angle brackets, trimmed and at most 100 characters.
func NormalizeTitle(title string) string {
	title = strings.TrimSpace(angleBrackets.Replace(norm.NFC.String(title)))
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleRunes]))
}

// NormalizeDescription applies the same cleanup as NormalizeTitle and caps
// the result at 5000 bytes without splitting a character.
func NormalizeDescription(description string) string {
	description = strings.TrimSpace(angleBrackets.Replace(norm.NFC.String(description)))
	if len(description) <= maxDescriptionBytes {
		return description
	}
	cut := maxDescriptionBytes
	for cut > 0 && !utf8.RuneStart(description[cut]) {
		cut--
	}
	return description[:cut]
}
