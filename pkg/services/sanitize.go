package services

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxInputLength caps questions and directives, in characters.
const MaxInputLength = 2000

// SanitizeQuestion trims text, drops control characters other than newline
// and tab, and caps the result at MaxInputLength characters.
func SanitizeQuestion(text string) string {
	return sanitizeText(text)
}

// SanitizeDirective applies the same rules as SanitizeQuestion.
func SanitizeDirective(text string) string {
	return sanitizeText(text)
}

func sanitizeText(text string) string {
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == '\u200b' || r == '\ufeff' {
			return -1
		}
		return r
	}, text)
	cleaned = strings.TrimSpace(cleaned)

	if utf8.RuneCountInString(cleaned) > MaxInputLength {
		runes := []rune(cleaned)
		cleaned = strings.TrimSpace(string(runes[:MaxInputLength]))
	}
	return cleaned
}
