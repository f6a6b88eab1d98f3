// Package query implements the Cortex query surface: FTS, semantic, hybrid
// (RRF) retrieval, stats aggregation, and session lookup, over the reader
// pool.
package query

import (
	"strings"
)

// SearchMode describes how a raw user query string is prepared for FTS5
// MATCH
type SearchMode int

const (
	// Phrase is the safest, user-facing default: the entire input is
	// escaped and wrapped as a single phrase.
	Phrase SearchMode = iota
	// Natural tokenizes on whitespace, preserving AND/OR/NOT operators and
	// trailing "*" prefix wildcards.
	Natural
	// Raw passes the string through unchanged; the caller is responsible
	// for FTS5 MATCH syntax validity.
	Raw
)

// PrepareFTSQuery converts raw into a string safe to pass to FTS5 MATCH
// under the given mode.
func PrepareFTSQuery(raw string, mode SearchMode) string {
	switch mode {
	case Natural:
		return prepareNatural(raw)
	case Raw:
		return raw
	default:
		return preparePhrase(raw)
	}
}

// preparePhrase escapes every embedded quote by doubling it and wraps the
// whole input in quotes, so FTS5 always parses it as a single phrase token.
func preparePhrase(raw string) string {
	escaped := strings.ReplaceAll(raw, `"`, `""`)
	return `"` + escaped + `"`
}

var operators = map[string]string{"and": "AND", "or": "OR", "not": "NOT"}

// prepareNatural tokenizes on whitespace, preserving AND/OR/NOT (matched
// case-insensitively) as bare FTS5 operators, preserving a trailing "*" on
// a word as a prefix wildcard, stripping parentheses and "column:" prefixes,
// and double-escaping quotes within each remaining token. Wildcard
// detection walks by rune, never slicing a multi-byte codepoint in half.
func prepareNatural(raw string) string {
	fields := strings.Fields(raw)
	out := make([]string, 0, len(fields))

	for _, tok := range fields {
		tok = strings.Trim(tok, "()")
		if tok == "" {
			continue
		}

		if op, ok := operators[strings.ToLower(tok)]; ok {
			out = append(out, op)
			continue
		}

		if idx := strings.IndexByte(tok, ':'); idx >= 0 && idx < len(tok)-1 {
			tok = tok[idx+1:]
		}

		wildcard := false
		runes := []rune(tok)
		if len(runes) > 0 && runes[len(runes)-1] == '*' {
			wildcard = true
			runes = runes[:len(runes)-1]
		}
		word := string(runes)
		if word == "" {
			continue
		}

		word = strings.ReplaceAll(word, `"`, `""`)
		quoted := `"` + word + `"`
		if wildcard {
			quoted += "*"
		}
		out = append(out, quoted)
	}

	return strings.Join(out, " ")
}
