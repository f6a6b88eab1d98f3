package transform

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"aspyx/internal/config"
)

// CompactEnhancer detects "compact" requests — a signal the CLI client
// uses to compress context — and appends an operator-configured continuity
// preamble to the resulting user message so downstream summarization
// preserves intended facts.
type CompactEnhancer struct {
	preamble string
}

func NewCompactEnhancer(cfg config.CompactEnhancerConfig) *CompactEnhancer {
	return &CompactEnhancer{preamble: cfg.Preamble}
}

func (c *CompactEnhancer) Name() string { return "compact-enhancer" }

// isCompactRequest detects the compact signal: Claude Code marks these
// requests by including the literal string "isCompactSummary" in the last
// user message, or setting a top-level "compact" boolean flag.
func isCompactRequest(body []byte) bool {
	if gjson.GetBytes(body, "compact").Bool() {
		return true
	}
	path, text, ok := lastUserMessageText(string(body))
	_ = path
	return ok && strings.Contains(text, "isCompactSummary")
}

func (c *CompactEnhancer) Apply(_ Context, body []byte) Result {
	defer func() { recover() }()

	if c.preamble == "" || !isCompactRequest(body) {
		return Result{Outcome: Unchanged}
	}

	path, text, ok := lastUserMessageText(string(body))
	if !ok {
		return Result{Outcome: Unchanged}
	}

	out, err := sjson.Set(string(body), path, text+"\n\n"+c.preamble)
	if err != nil {
		return Result{Outcome: Failed, Err: err}
	}
	return Result{Outcome: Modified, Body: []byte(out)}
}
