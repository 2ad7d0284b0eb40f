// Package textutil holds small text-cleaning helpers shared by ingestion
// and retrieval. Chat text is noisy; these helpers strip the noise that
// hurts both embedding quality and keyword matching.
package textutil

import (
	"regexp"
	"strings"
)

// LinkPlaceholder replaces URLs in cleaned text. Links carry no retrievable
// meaning but their tokens pollute both FTS and embeddings.
const LinkPlaceholder = "[링크]"

var (
	urlPattern        = regexp.MustCompile(`https?://[^\s<>"]+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// CleanContent prepares raw chat text for storage and indexing: URLs become
// LinkPlaceholder and whitespace runs collapse to single spaces.
func CleanContent(text string) string {
	cleaned := urlPattern.ReplaceAllString(text, LinkPlaceholder)
	cleaned = whitespacePattern.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(cleaned)
}

// Truncate cuts text to at most max runes, appending an ellipsis when
// anything was dropped. max <= 0 returns the text unchanged.
func Truncate(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	if max == 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}
