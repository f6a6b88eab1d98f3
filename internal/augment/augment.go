// Package augment implements the response augmentation pipeline:
// augmenters that inject synthetic SSE content blocks into a response
// stream under policy, running after message_delta but before message_stop.
package augment

import (
	"fmt"
	"strings"
	"sync"
)

// Context carries per-response metadata augmenters condition on.
type Context struct {
	Model              string
	StopReason         string
	NextBlockIndex     int
	State              *ContextState
}

// ContextState is shared, mutable conversation-usage state guarded by a
// mutex; lock-poisoning (modeled here as a recovered panic) skips
// augmentation once rather than crashing the response.
type ContextState struct {
	mu               sync.Mutex
	CurrentTokens    int
	Limit            int
	WarnedThresholds map[int]bool
}

func NewContextState(limit int) *ContextState {
	return &ContextState{Limit: limit, WarnedThresholds: make(map[int]bool)}
}

func (s *ContextState) Update(tokens int) {
	defer func() { recover() }()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentTokens = tokens
}

// crossedThreshold returns the highest configured threshold crossed since
// the last warning, plus the current usage percentage, or ok=false if no
// unwarned threshold has been crossed. Usage dropping back below a warned
// threshold never re-arms it.
func (s *ContextState) crossedThreshold(thresholds []int) (threshold, pct int, ok bool) {
	defer func() { recover() }()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Limit <= 0 {
		return 0, 0, false
	}
	pct = s.CurrentTokens * 100 / s.Limit

	for _, t := range thresholds {
		if pct >= t && !s.WarnedThresholds[t] {
			threshold = t
			ok = true
		}
	}
	if ok {
		// Every threshold at or below the current usage is consumed, so a
		// lower one skipped over by a jump never fires on a later turn.
		for _, t := range thresholds {
			if pct >= t {
				s.WarnedThresholds[t] = true
			}
		}
	}
	return threshold, pct, ok
}

// Injection is a synthetic content block to stream to the client.
type Injection struct {
	BlockIndex int
	Text       string
}

// Augmenter declares whether it applies to a response and, if so, produces
// an injection.
type Augmenter interface {
	Name() string
	ShouldApply(ctx Context) bool
	Generate(ctx Context) (Injection, bool)
}

// Pipeline runs augmenters in order, collecting injections.
type Pipeline struct {
	augmenters []Augmenter
}

func NewPipeline(augmenters ...Augmenter) *Pipeline {
	return &Pipeline{augmenters: augmenters}
}

func (p *Pipeline) Run(ctx Context) []Injection {
	var out []Injection
	idx := ctx.NextBlockIndex
	for _, a := range p.augmenters {
		if !a.ShouldApply(ctx) {
			continue
		}
		inj, ok := a.Generate(ctx)
		if !ok {
			continue
		}
		inj.BlockIndex = idx
		idx++
		out = append(out, inj)
	}
	return out
}

// RenderSSE formats an injection as three synthetic SSE frames —
// content_block_start / content_block_delta(text) / content_block_stop —
// byte-for-byte well-formed Anthropic framing.
func RenderSSE(inj Injection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":%d,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n", inj.BlockIndex)
	fmt.Fprintf(&b, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":%d,\"delta\":{\"type\":\"text_delta\",\"text\":%q}}\n\n", inj.BlockIndex, inj.Text)
	fmt.Fprintf(&b, "event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":%d}\n\n", inj.BlockIndex)
	return b.String()
}
