package query

import "testing"

func TestPreparePhrase(t *testing.T) {
	tests := []struct{ in, want string }{
		{`he said "hi" to me`, `"he said ""hi"" to me"`},
		{`plain words`, `"plain words"`},
		{``, `""`},
		{`""`, `""""""`},
	}
	for _, tt := range tests {
		if got := PrepareFTSQuery(tt.in, Phrase); got != tt.want {
			t.Errorf("Phrase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrepareNatural(t *testing.T) {
	tests := []struct{ in, want string }{
		{`foo bar`, `"foo" "bar"`},
		{`foo AND bar`, `"foo" AND "bar"`},
		{`foo and bar`, `"foo" AND "bar"`},
		{`foo OR NOT bar`, `"foo" OR NOT "bar"`},
		{`prefix*`, `"prefix"*`},
		{`(grouped)`, `"grouped"`},
		{`content:value`, `"value"`},
		{`say "hi"`, `"say" """hi"""`},
	}
	for _, tt := range tests {
		if got := PrepareFTSQuery(tt.in, Natural); got != tt.want {
			t.Errorf("Natural(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrepareNatural_NonASCIIWildcard(t *testing.T) {
	// The trailing * must be detected at a rune boundary, never by slicing
	// bytes off a multi-byte codepoint.
	got := PrepareFTSQuery("日本語*", Natural)
	if got != `"日本語"*` {
		t.Errorf("got %q", got)
	}
	// Without the wildcard the word passes through whole.
	got = PrepareFTSQuery("日本語", Natural)
	if got != `"日本語"` {
		t.Errorf("got %q", got)
	}
}

func TestPrepareRaw(t *testing.T) {
	in := `content:foo AND (bar OR baz)`
	if got := PrepareFTSQuery(in, Raw); got != in {
		t.Errorf("Raw must pass through, got %q", got)
	}
}
