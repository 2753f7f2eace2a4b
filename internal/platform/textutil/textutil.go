// Package textutil cleans text pulled from RSS feeds.
//
// Feed descriptions frequently arrive as HTML fragments with embedded
// markup, entities, and boilerplate whitespace. The helpers here reduce
// them to plain text suitable for storage and embedding.
package textutil

import (
	"html"
	"regexp"
	"strings"
	"unicode"
)

const ellipsis = "…"

var (
	tagRegex        = regexp.MustCompile(`<[^>]*>`)
	commentRegex    = regexp.MustCompile(`(?s)<!--.*?-->`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

// StripHTML removes markup from an HTML fragment and returns the plain text.
// Block-level tags are replaced with spaces so adjacent paragraphs do not run
// together, and HTML entities are decoded.
func StripHTML(s string) string {
	if s == "" {
		return ""
	}

	s = commentRegex.ReplaceAllString(s, " ")
	s = tagRegex.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)

	return CollapseWhitespace(s)
}

// CollapseWhitespace trims the string and folds runs of whitespace, including
// newlines and non-breaking spaces, into single spaces.
func CollapseWhitespace(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return ' '
		}

		return r
	}, s)

	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(s, " "))
}

// Truncate shortens s to at most maxRunes runes, cutting at the last word
// boundary when one exists and appending an ellipsis. Strings within the
// limit are returned unchanged.
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}

	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}

	cut := string(runes[:maxRunes])

	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}

	return strings.TrimRight(cut, " ,;:.") + ellipsis
}

// CleanAbstract strips markup from a feed description and bounds its length.
func CleanAbstract(s string, maxRunes int) string {
	return Truncate(StripHTML(s), maxRunes)
}
