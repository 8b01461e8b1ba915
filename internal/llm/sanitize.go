package llm

import (
	"regexp"
	"strings"
	"unicode"
)

// MaxDescriptionLength bounds a sanitised description in runes.
const MaxDescriptionLength = 1000

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(prior|previous|above)\s+(instructions|rules)`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are\s+now`),
	regexp.MustCompile(`(?i)jailbreak|roleplay|pretend`),
	regexp.MustCompile(`(?i)exec\s*\(`),
	regexp.MustCompile(`(?i)eval\s*\(`),
	regexp.MustCompile(`(?i)__import__\s*\(`),
	regexp.MustCompile(`(?i)subprocess\.`),
}

// SanitizeDescription filters prompt-injection phrases from a user
// description, drops control characters and truncates it. The result is
// safe to log and to embed in a generation prompt.
func SanitizeDescription(s string) string {
	for _, re := range injectionPatterns {
		s = re.ReplaceAllString(s, "[FILTERED]")
	}
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > MaxDescriptionLength {
		s = string(r[:MaxDescriptionLength])
	}
	return s
}
