// Package util holds small, dependency-free helpers shared across
// components.
package util

import "unicode/utf8"

// TruncateUTF8Safe returns the longest prefix of text whose byte length is
// at most n and which is valid UTF-8 — it never splits a multi-byte
// rune, walking backward from n until it lands on a rune boundary.
func TruncateUTF8Safe(text string, n int) string {
	if len(text) <= n {
		return text
	}
	if n <= 0 {
		return ""
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// TruncateWithEllipsis is TruncateUTF8Safe but appends "..." when the text
// was actually shortened, matching the original's best-effort truncation
// behavior for displayed search snippets.
func TruncateWithEllipsis(text string, n int) string {
	if len(text) <= n {
		return text
	}
	const ellipsis = "..."
	if n <= len(ellipsis) {
		return TruncateUTF8Safe(text, n)
	}
	return TruncateUTF8Safe(text, n-len(ellipsis)) + ellipsis
}
