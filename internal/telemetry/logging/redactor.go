package logging

import (
	"regexp"
	"strings"
)

// Redactor strips credentials and other sensitive values out of log
// arguments before they reach a handler. Scoped to what this proxy
// actually handles — provider API keys and inbound auth headers; this
// service never sees end-user PII of its own, it forwards whatever an
// upstream chat API is given.
type Redactor struct {
	patterns []*regexp.Regexp
}

func NewRedactor() *Redactor {
	return &Redactor{patterns: []*regexp.Regexp{
		regexp.MustCompile(`sk-[a-zA-Z0-9_-]{8,}`),
		regexp.MustCompile(`(?i)Bearer\s+[a-zA-Z0-9\-._~+/]+=*`),
	}}
}

// RedactString replaces any recognized credential pattern in value.
func (r *Redactor) RedactString(value string) string {
	for _, p := range r.patterns {
		value = p.ReplaceAllString(value, "***")
	}
	return value
}

// RedactArgs redacts key/value pairs in slog-style variadic args: any key
// whose name looks like a credential field has its value fully redacted;
// every string value is also pattern-scanned regardless of key name.
func (r *Redactor) RedactArgs(args ...any) []any {
	if len(args) == 0 {
		return args
	}
	out := make([]any, len(args))
	copy(out, args)

	for i := 1; i < len(out); i += 2 {
		if key, ok := out[i-1].(string); ok && isSensitiveKey(key) {
			out[i] = "***"
			continue
		}
		if s, ok := out[i].(string); ok {
			out[i] = r.RedactString(s)
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range []string{"api_key", "apikey", "authorization", "auth_header", "password", "credential"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
